// Package config loads the signer's ambient configuration: storage
// locations, the default hash algorithm, worker pool sizing, and the
// forwarding window, from a YAML file with CLI flag overrides.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files write "30s" rather than
// a raw nanosecond count, the way anchor_config.go's Duration does.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// StorageConfig selects and configures the storage.ObjectStore the
// coordinator publishes signed output to alongside its CDN forward
// (cmd/bmffsignctl builds the concrete storage.LocalStore or
// storage.BlobStore this selects).
type StorageConfig struct {
	// Backend is "local" or "blob".
	Backend              string `yaml:"backend"`
	LocalRoot            string `yaml:"local_root"`
	BlobContainer        string `yaml:"blob_container"`
	BlobConnectionString string `yaml:"blob_connection_string"`
}

// SigningConfig carries the defaults the signing engine falls back to
// when a request does not specify them explicitly.
type SigningConfig struct {
	Alg    string `yaml:"alg"`
	// Scheme is "merkle" or "rolling". cmd/bmffsignctl does not read it:
	// its coordinator signs every fragment with both schemes.
	Scheme string `yaml:"scheme"`
}

// CoordinatorConfig sizes the live coordinator's concurrency and
// forwarding behavior (spec §5, §4.8).
type CoordinatorConfig struct {
	Workers    int    `yaml:"workers"`
	QueueDepth int    `yaml:"queue_depth"`
	WindowSize int    `yaml:"window_size"`
	IngestRoot string `yaml:"ingest_root"`
	CDNPushURL string `yaml:"cdn_push_url"`
	MediaRoot  string `yaml:"media_root"`
}

// Config is the signer's top-level configuration.
type Config struct {
	Storage      StorageConfig     `yaml:"storage"`
	Signing      SigningConfig     `yaml:"signing"`
	Coordinator  CoordinatorConfig `yaml:"coordinator"`
	ShutdownWait Duration          `yaml:"shutdown_wait"`
}

func defaults() Config {
	return Config{
		Storage: StorageConfig{
			Backend:   "local",
			LocalRoot: "./signed-output",
		},
		Signing: SigningConfig{
			Alg:    "sha256",
			Scheme: "merkle",
		},
		Coordinator: CoordinatorConfig{
			Workers:    4,
			QueueDepth: 256,
			WindowSize: 3,
			IngestRoot: "/ingest",
			MediaRoot:  "media",
		},
		ShutdownWait: Duration(5 * time.Second),
	}
}

// Load reads a YAML config file at path, starting from sensible
// defaults; a zero-value path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// FlagSet registers cfg's overridable fields on fs, the way livesim2's
// ParseOptions builds an Options struct directly from flag.Var calls
// rather than a separate parsing pass.
func FlagSet(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.Storage.Backend, "storage-backend", cfg.Storage.Backend, "object store backend: local or blob")
	fs.StringVar(&cfg.Storage.LocalRoot, "storage-local-root", cfg.Storage.LocalRoot, "local filesystem root for the local backend")
	fs.StringVar(&cfg.Storage.BlobContainer, "storage-blob-container", cfg.Storage.BlobContainer, "container name for the blob backend")
	fs.StringVar(&cfg.Storage.BlobConnectionString, "storage-blob-connection-string", cfg.Storage.BlobConnectionString, "connection string for the blob backend")
	fs.StringVar(&cfg.Signing.Alg, "alg", cfg.Signing.Alg, "hash algorithm: sha256, sha384, or sha512")
	fs.StringVar(&cfg.Signing.Scheme, "scheme", cfg.Signing.Scheme, "integrity scheme: merkle or rolling (not read; the coordinator signs with both)")
	fs.IntVar(&cfg.Coordinator.Workers, "workers", cfg.Coordinator.Workers, "number of signing worker goroutines")
	fs.IntVar(&cfg.Coordinator.QueueDepth, "queue-depth", cfg.Coordinator.QueueDepth, "bounded job queue depth")
	fs.IntVar(&cfg.Coordinator.WindowSize, "window-size", cfg.Coordinator.WindowSize, "forward-push window size; 0 means whole-stream re-signing")
	fs.StringVar(&cfg.Coordinator.IngestRoot, "ingest-root", cfg.Coordinator.IngestRoot, "URL path prefix the ingest routes are mounted under (must start with /)")
	fs.StringVar(&cfg.Coordinator.MediaRoot, "media-root", cfg.Coordinator.MediaRoot, "object store key prefix for published media")
	fs.StringVar(&cfg.Coordinator.CDNPushURL, "cdn-push-url", cfg.Coordinator.CDNPushURL, "base URL signed output is pushed to")
}
