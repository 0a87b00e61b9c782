package coordinator

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
)

// fragmentURI matches spec §6.3's fragment grammar:
// {rep:\d+}/segment_0*({index:\d+}|init)\.m4s
var fragmentURI = regexp.MustCompile(`^(?P<rep>\d+)/segment_0*(?P<index>\d+|init)\.m4s$`)

// FragmentIndex is either a numeric sequence number or the init segment.
type FragmentIndex struct {
	IsInit bool
	N      uint32
}

// UriInfo is the (representation, index) pair extracted from an ingest
// URI, mirroring original_source/cli/src/live/regexp.rs's UriInfo.
type UriInfo struct {
	RepID int
	Index FragmentIndex
}

// ParseURI extracts (rep_id, index) from a fragment URI per spec §6.3's
// grammar. uri is the path relative to the ingest prefix, e.g.
// "3/segment_007.m4s" or "3/segment_init.m4s".
func ParseURI(uri string) (UriInfo, error) {
	m := fragmentURI.FindStringSubmatch(uri)
	if m == nil {
		return UriInfo{}, fmt.Errorf("coordinator: uri %q does not match the fragment grammar", uri)
	}
	rep, err := strconv.Atoi(m[1])
	if err != nil {
		return UriInfo{}, fmt.Errorf("coordinator: invalid rep_id in %q: %w", uri, err)
	}
	if m[2] == "init" {
		return UriInfo{RepID: rep, Index: FragmentIndex{IsInit: true}}, nil
	}
	n, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return UriInfo{}, fmt.Errorf("coordinator: invalid index in %q: %w", uri, err)
	}
	return UriInfo{RepID: rep, Index: FragmentIndex{N: uint32(n)}}, nil
}

// IsManifestPath reports whether uri names an ABR manifest rather than a
// fragment (spec §4.8 step 4): `.mpd` or `.m3u8`.
func IsManifestPath(uri string) bool {
	ext := path.Ext(uri)
	return ext == ".mpd" || ext == ".m3u8"
}

// Paths implements the local-path / CDN-URL algebra of
// original_source/cli/src/live/mod.rs's LiveSigner (SUPPLEMENTED
// FEATURES item 1): ingest paths live under `<media>/<name>/<rep_id>/…`
// (spec §6.4); signed output lives in a sibling `<name>_<scheme>`
// directory rather than being mixed into the originals.
type Paths struct {
	// MediaRoot is the local filesystem root ingest paths are rooted at.
	MediaRoot string
	// CDNBase is the base URL signed (and raw, forwarded) artifacts are
	// published under; nil disables CDN URL construction.
	CDNBase *url.URL
}

// IngestPath returns the local path a raw ingested file is written to:
// `<media>/<name>/<rep_id>/<file>`.
func (p Paths) IngestPath(name string, repID int, file string) string {
	return path.Join(p.MediaRoot, name, strconv.Itoa(repID), file)
}

// SignedDir returns the signed-output directory for (name, scheme):
// `<media>/<name>_<scheme>/<rep_id>`.
func (p Paths) SignedDir(name, scheme string, repID int) string {
	return path.Join(p.MediaRoot, name+"_"+scheme, strconv.Itoa(repID))
}

// SignedPath returns the signed-output path for a file under
// SignedDir(name, scheme, repID).
func (p Paths) SignedPath(name, scheme string, repID int, file string) string {
	return path.Join(p.SignedDir(name, scheme, repID), file)
}

// CDNURL mirrors path_to_cdn_url: it joins name/rep_id/file onto CDNBase.
func (p Paths) CDNURL(name string, repID int, file string) (string, error) {
	if p.CDNBase == nil {
		return "", fmt.Errorf("coordinator: no CDN base URL configured")
	}
	u := *p.CDNBase
	u.Path = path.Join(u.Path, name, strconv.Itoa(repID), file)
	return u.String(), nil
}
