// Package downloader fetches package archives into the download cache and
// verifies them against the hashes declared by the feed.
package downloader

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	"github.com/frederic-klein/pymanager/internal/dist"
	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/logging"
	"github.com/frederic-klein/pymanager/internal/transport"
)

// Retriever writes the body of a URL to a file.
type Retriever interface {
	URLRetrieve(ctx context.Context, req *transport.Request) error
}

// Result is the outcome of fetching one entry.
type Result struct {
	Entry *dist.Entry
	Path  string
	Error error
}

// Downloader fetches archives into a cache directory, preferring files that
// are already present there or in a bundled directory.
type Downloader struct {
	cacheDir   string
	bundledDir string
	retriever  Retriever
	auth       transport.AuthFunc
	progress   func(label string) transport.ProgressFunc
	log        *logging.Logger
}

// NewDownloader creates a downloader writing to cacheDir. bundledDir may be
// empty.
func NewDownloader(cacheDir, bundledDir string, retriever Retriever, log *logging.Logger) *Downloader {
	if log == nil {
		log = logging.Nop()
	}
	return &Downloader{
		cacheDir:   cacheDir,
		bundledDir: bundledDir,
		retriever:  retriever,
		log:        log,
	}
}

// WithAuth sets the credential callback passed to each transfer.
func (d *Downloader) WithAuth(auth transport.AuthFunc) *Downloader {
	d.auth = auth
	return d
}

// WithProgress sets a factory for per-transfer progress callbacks.
func (d *Downloader) WithProgress(fn func(label string) transport.ProgressFunc) *Downloader {
	d.progress = fn
	return d
}

// WithCacheDir returns a copy of the downloader that stores archives in dir.
func (d *Downloader) WithCacheDir(dir string) *Downloader {
	c := *d
	c.cacheDir = dir
	return &c
}

// CacheDir returns the cache directory.
func (d *Downloader) CacheDir() string {
	return d.cacheDir
}

// CachePath returns where the archive for e is stored in the cache.
func (d *Downloader) CachePath(e *dist.Entry) string {
	return filepath.Join(d.cacheDir, e.ID+ArchiveExt(e.URL))
}

// ArchiveExt returns ".nupkg" for Nuget packages and ".zip" otherwise.
func ArchiveExt(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	if strings.EqualFold(path.Ext(p), ".nupkg") {
		return ".nupkg"
	}
	return ".zip"
}

// Fetch returns a verified archive for e. An archive already in the cache is
// reused unless force is set; a bundled archive is used in place.
func (d *Downloader) Fetch(ctx context.Context, e *dist.Entry, force bool) (string, error) {
	dest := d.CachePath(e)
	downloaded := true

	switch {
	case !force && fsutil.Exists(dest):
		d.log.Verbose("Using cached download %s", dest)
	case d.bundled(e) != "":
		dest = d.bundled(e)
		downloaded = false
		d.log.Verbose("Using bundled file %s", dest)
	case d.retriever == nil:
		return "", pmerrors.Newf(pmerrors.ErrCodeNotFound, "%s is not available offline", e.ID)
	default:
		if err := d.retrieve(ctx, e, dest); err != nil {
			return "", err
		}
	}

	if len(e.Hash) > 0 {
		d.log.Verbose("Verifying %s", dest)
		if err := VerifyFile(dest, e.Hash); err != nil {
			if downloaded && pmerrors.IsKind(err, pmerrors.ErrCodeHashMismatch) {
				if rerr := os.Remove(dest); rerr != nil {
					d.log.Warn("Failed to remove %s: %v", dest, rerr)
				}
			}
			return "", err
		}
	}
	return dest, nil
}

// FetchAll fetches each entry in turn.
func (d *Downloader) FetchAll(ctx context.Context, entries []*dist.Entry, force bool) []Result {
	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		p, err := d.Fetch(ctx, e, force)
		results = append(results, Result{Entry: e, Path: p, Error: err})
		if ctx.Err() != nil {
			break
		}
	}
	return results
}

func (d *Downloader) bundled(e *dist.Entry) string {
	if d.bundledDir == "" {
		return ""
	}
	matches, err := fsutil.Glob(d.bundledDir, e.ID+".*")
	if err != nil {
		return ""
	}
	sort.Strings(matches)
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			return m
		}
	}
	return ""
}

func (d *Downloader) retrieve(ctx context.Context, e *dist.Entry, dest string) error {
	if err := fsutil.EnsureTree(dest); err != nil {
		return fmt.Errorf("creating download directory: %w", err)
	}
	d.log.Info("Downloading %s", e.DisplayName)
	d.log.Verbose("Downloading from %s to %s", transport.SanitiseURL(e.URL), dest)
	req := &transport.Request{URL: e.URL, OutPath: dest, Auth: d.auth}
	if d.progress != nil {
		req.Progress = d.progress(e.DisplayName)
	}
	if err := d.retriever.URLRetrieve(ctx, req); err != nil {
		return fmt.Errorf("downloading %s: %w", transport.SanitiseURL(e.URL), err)
	}
	return nil
}

var algorithms = map[string]func() hash.Hash{
	"md5":      md5.New,
	"sha1":     sha1.New,
	"sha224":   sha256.New224,
	"sha256":   sha256.New,
	"sha384":   sha512.New384,
	"sha512":   sha512.New,
	"sha3-256": sha3.New256,
	"sha3-512": sha3.New512,
	"blake2b": func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
}

// Algorithms returns the supported hash names.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for k := range algorithms {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// VerifyFile computes every algorithm in expected in one pass over file.
func VerifyFile(file string, expected map[string]string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("opening %s: %w", file, err)
	}
	defer f.Close()
	return Verify(f, file, expected)
}

// Verify reads r to the end and compares each digest in expected. name is
// used in the error.
func Verify(r io.Reader, name string, expected map[string]string) error {
	names := make([]string, 0, len(expected))
	for k := range expected {
		names = append(names, k)
	}
	sort.Strings(names)

	hashes := make([]hash.Hash, len(names))
	writers := make([]io.Writer, len(names))
	for i, algo := range names {
		newHash, ok := algorithms[strings.ToLower(algo)]
		if !ok {
			return pmerrors.InvalidFeed("hash."+algo, "unsupported hash algorithm")
		}
		hashes[i] = newHash()
		writers[i] = hashes[i]
	}
	if _, err := io.Copy(io.MultiWriter(writers...), r); err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	for i, algo := range names {
		actual := hex.EncodeToString(hashes[i].Sum(nil))
		if !strings.EqualFold(actual, strings.TrimSpace(expected[algo])) {
			return pmerrors.HashMismatch(name, algo, expected[algo], actual)
		}
	}
	return nil
}
