// Command bmffsignctl wires configuration, logging, the signing engine,
// and the live coordinator into a single long-lived process: it parses
// flags over a config file (the way livesim2's cmaf-ingest-receiver's
// ParseOptions/Run does), builds the coordinator's HTTP route table, and
// blocks until it receives a termination signal.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/forestrie/live-bmff-signer/internal/assertions"
	"github.com/forestrie/live-bmff-signer/internal/config"
	"github.com/forestrie/live-bmff-signer/internal/coordinator"
	"github.com/forestrie/live-bmff-signer/internal/signing"
	"github.com/forestrie/live-bmff-signer/internal/storage"
)

// configPathFromArgs extracts -config/--config's value without fully
// parsing args, since the config file must be loaded before the rest of
// the flags (which override its fields) are registered on a FlagSet.
func configPathFromArgs(args []string) string {
	for i, a := range args {
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "-config=") || strings.HasPrefix(a, "--config="):
			return a[strings.Index(a, "=")+1:]
		}
	}
	return ""
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// -config is scanned for ahead of the main flag set so the YAML file
	// it names can be loaded before the rest of the flags (which
	// override fields of that loaded config) are registered.
	cfg, err := config.Load(configPathFromArgs(os.Args[1:]))
	if err != nil {
		return fmt.Errorf("bmffsignctl: %w", err)
	}

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.String("config", "", "path to a YAML config file")
	config.FlagSet(fs, cfg)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("bmffsignctl: parse flags: %w", err)
	}

	log := logger.Sugar.WithServiceName("bmffsignctl")

	codec, err := assertions.NewCodec()
	if err != nil {
		return fmt.Errorf("bmffsignctl: build codec: %w", err)
	}
	engine := signing.NewEngine(codec, nil, log)

	var cdnBase *url.URL
	if cfg.Coordinator.CDNPushURL != "" {
		cdnBase, err = url.Parse(cfg.Coordinator.CDNPushURL)
		if err != nil {
			return fmt.Errorf("bmffsignctl: parse cdn-push-url: %w", err)
		}
	}

	ccfg := coordinator.Config{
		Paths: coordinator.Paths{
			MediaRoot: cfg.Coordinator.MediaRoot,
			CDNBase:   cdnBase,
		},
		Alg:        cfg.Signing.Alg,
		WindowSize: cfg.Coordinator.WindowSize,
		Workers:    cfg.Coordinator.Workers,
		QueueDepth: cfg.Coordinator.QueueDepth,
	}

	var forwarder coordinator.Forwarder
	if cdnBase != nil {
		forwarder = newHTTPForwarder()
	}

	store, err := buildObjectStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("bmffsignctl: %w", err)
	}

	coord := coordinator.New(ccfg, engine, forwarder, store, nil, log)
	router := coord.Handlers(cfg.Coordinator.IngestRoot).Router()

	srv := &http.Server{
		Addr:    ":8443",
		Handler: router,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	startIssue := make(chan error, 1)
	go func() {
		log.Infof("bmffsignctl listening addr=%s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			startIssue <- err
		}
	}()

	select {
	case err := <-startIssue:
		return fmt.Errorf("bmffsignctl: server start: %w", err)
	case <-stop:
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait.Duration())
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("bmffsignctl: shutdown: %w", err)
	}
	return nil
}

// buildObjectStore constructs the coordinator's durable publish target
// per storage.Backend: "local" (the default) roots a storage.LocalStore
// at LocalRoot, "blob" builds an *azblob.Client from the configured
// connection string and wraps it in a storage.BlobStore scoped to
// BlobContainer.
func buildObjectStore(cfg config.StorageConfig) (storage.ObjectStore, error) {
	switch cfg.Backend {
	case "", "local":
		root := cfg.LocalRoot
		if root == "" {
			root = "./signed-output"
		}
		return storage.NewLocalStore(root)
	case "blob":
		client, err := azblob.NewClientFromConnectionString(cfg.BlobConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("build blob client: %w", err)
		}
		return storage.NewBlobStore(client, cfg.BlobContainer), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// httpForwarder is the minimal Forwarder a real deployment uses to push
// signed output and raw forwards to a CDN origin; it is the one piece of
// the coordinator's "out-of-scope HTTP collaborator" boundary this
// command owns, since something has to issue the actual requests.
type httpForwarder struct {
	client *http.Client
}

func newHTTPForwarder() *httpForwarder {
	return &httpForwarder{client: &http.Client{Timeout: 30 * time.Second}}
}

func (f *httpForwarder) Push(ctx context.Context, url string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bmffsignctl: push %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func (f *httpForwarder) Delete(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("bmffsignctl: delete %s: status %d", url, resp.StatusCode)
	}
	return nil
}
