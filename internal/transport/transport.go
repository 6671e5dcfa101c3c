// Package transport downloads index feeds and packages through an ordered
// list of backends, falling through to the next backend when one fails.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"

	pmerrors "github.com/frederic-klein/pymanager/internal/errors"
	"github.com/frederic-klein/pymanager/internal/fsutil"
	"github.com/frederic-klein/pymanager/internal/logging"
)

// DefaultChunkSize is used when a request does not set ChunkSize.
const DefaultChunkSize = 64 * 1024

// breakerThreshold is the number of consecutive failures after which a
// backend is skipped for the rest of the invocation.
const breakerThreshold = 3

var (
	// ErrUnauthorized is returned by backends when the server answers 401.
	ErrUnauthorized = errors.New("401 unauthorized")
	// ErrOffline is returned by backends that detect a missing connection.
	ErrOffline = errors.New("no internet connection")
	// ErrUnsupported is returned by backends that cannot serve a request.
	ErrUnsupported = errors.New("request not supported by backend")
)

// Credentials are the username and password for basic authentication.
type Credentials struct {
	Username string
	Password string
}

// AuthFunc returns credentials for url. ok is false when none are available.
type AuthFunc func(url string) (username, password string, ok bool)

// Request describes one transfer.
type Request struct {
	URL       string
	Method    string
	Headers   map[string]string
	OutPath   string
	ChunkSize int
	Auth      AuthFunc
	Progress  ProgressFunc
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return r.Method
}

func (r *Request) chunkSize() int {
	if r.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return r.ChunkSize
}

// Call is what a backend receives: the request with credentials already
// separated from the URL, and a progress sink that is always safe to call.
type Call struct {
	URL         string
	Method      string
	Headers     map[string]string
	OutPath     string
	ChunkSize   int
	Credentials *Credentials
	Progress    func(percent int)
}

// Backend is one way of performing a transfer.
type Backend interface {
	Name() string
	// Supports reports whether the backend can serve the call at all.
	Supports(call *Call) bool
	// Open returns the response body.
	Open(ctx context.Context, call *Call) ([]byte, error)
	// Retrieve writes the response body to call.OutPath.
	Retrieve(ctx context.Context, call *Call) error
}

// Options selects the default backends.
type Options struct {
	EnableBITS       bool
	EnableWinHTTP    bool
	EnableURLLib     bool
	EnablePowerShell bool
}

// DefaultOptions enables every backend.
func DefaultOptions() Options {
	return Options{EnableBITS: true, EnableWinHTTP: true, EnableURLLib: true, EnablePowerShell: true}
}

// Transport tries each backend in order.
type Transport struct {
	backends []Backend
	breakers map[string]*circuit.Breaker
	log      *logging.Logger
}

// New creates a transport over the given backends, in preference order.
func New(log *logging.Logger, backends ...Backend) *Transport {
	if log == nil {
		log = logging.Nop()
	}
	t := &Transport{
		backends: backends,
		breakers: make(map[string]*circuit.Breaker, len(backends)),
		log:      log,
	}
	for _, b := range backends {
		t.breakers[b.Name()] = newBreaker()
	}
	return t
}

// NewDefault creates a transport with the standard backend preference list,
// leaving out those disabled in opts.
func NewDefault(log *logging.Logger, opts Options) *Transport {
	var backends []Backend
	if opts.EnableBITS {
		backends = append(backends, NewBITSBackend(nil))
	}
	if opts.EnableWinHTTP {
		backends = append(backends, NewWinHTTPBackend(log))
	}
	if opts.EnableURLLib {
		backends = append(backends, NewURLLibBackend(log))
	}
	if opts.EnablePowerShell {
		backends = append(backends, NewPowerShellBackend(nil))
	}
	return New(log, backends...)
}

func newBreaker() *circuit.Breaker {
	// A tripped backend stays skipped for the rest of the invocation.
	return circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    backoff.NewConstantBackOff(time.Hour),
		ShouldTrip: circuit.ConsecutiveTripFunc(breakerThreshold),
	})
}

// Backends returns the names of the configured backends in order.
func (t *Transport) Backends() []string {
	names := make([]string, len(t.backends))
	for i, b := range t.backends {
		names[i] = b.Name()
	}
	return names
}

// URLOpen returns the body of req.URL.
func (t *Transport) URLOpen(ctx context.Context, req *Request) ([]byte, error) {
	if IsFileURL(req.URL) {
		return t.openFile(req)
	}
	var data []byte
	err := t.run(ctx, req, false, func(b Backend, call *Call) error {
		var err error
		data, err = b.Open(ctx, call)
		return err
	})
	return data, err
}

// URLRetrieve writes the body of req.URL to req.OutPath.
func (t *Transport) URLRetrieve(ctx context.Context, req *Request) error {
	if req.OutPath == "" {
		return fmt.Errorf("retrieving %s: no output path", SanitiseURL(req.URL))
	}
	if err := fsutil.EnsureTree(req.OutPath); err != nil {
		return err
	}
	if IsFileURL(req.URL) {
		return t.retrieveFile(req)
	}
	return t.run(ctx, req, true, func(b Backend, call *Call) error {
		return b.Retrieve(ctx, call)
	})
}

func (t *Transport) run(ctx context.Context, req *Request, retrieve bool, do func(Backend, *Call) error) error {
	safeURL := SanitiseURL(req.URL)
	guard := newProgressGuard(req.Progress)
	u, creds := splitUserinfo(ExpandURL(req.URL))

	var tried int
	for _, b := range t.backends {
		call := &Call{
			URL:         u,
			Method:      req.method(),
			Headers:     req.Headers,
			OutPath:     req.OutPath,
			ChunkSize:   req.chunkSize(),
			Credentials: creds,
			Progress:    guard.report,
		}
		if !retrieve {
			call.OutPath = ""
		}
		if !b.Supports(call) {
			continue
		}
		breaker := t.breakers[b.Name()]
		if breaker != nil && !breaker.Ready() {
			t.log.Verbose("Skipping %s download backend after repeated failures", b.Name())
			continue
		}
		tried++

		t.log.Verbose("Downloading %s with %s", safeURL, b.Name())
		err := do(b, call)
		if errors.Is(err, ErrUnauthorized) {
			if req.Auth == nil {
				guard.abort()
				return pmerrors.Wrap(pmerrors.ErrCodeTransport, fmt.Sprintf("unable to download %s", safeURL), err)
			}
			user, pass, ok := req.Auth(safeURL)
			if !ok {
				guard.abort()
				return pmerrors.Wrap(pmerrors.ErrCodeTransport, fmt.Sprintf("unable to download %s", safeURL), err)
			}
			t.log.Verbose("Retrying %s with credentials", safeURL)
			call.Credentials = &Credentials{Username: user, Password: pass}
			creds = call.Credentials
			err = do(b, call)
		}
		if err == nil {
			if breaker != nil {
				breaker.Success()
			}
			guard.done()
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			guard.abort()
			return ctxErr
		}
		if IsOffline(err) {
			guard.abort()
			return pmerrors.Wrap(pmerrors.ErrCodeNoInternet,
				"unable to download because there is no internet connection. Please connect to the internet and try again", err)
		}
		if breaker != nil && !errors.Is(err, ErrUnsupported) {
			breaker.Fail()
		}
		t.log.Verbose("%s download of %s failed: %v", b.Name(), safeURL, err)
	}

	guard.abort()
	if tried == 0 {
		return pmerrors.Newf(pmerrors.ErrCodeTransport, "no download backend is available for %s", safeURL)
	}
	return pmerrors.Newf(pmerrors.ErrCodeTransport, "unable to download %s", safeURL)
}

func (t *Transport) openFile(req *Request) ([]byte, error) {
	p, err := FileURLToPath(req.URL)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pmerrors.Wrap(pmerrors.ErrCodeNotFound, fmt.Sprintf("%s does not exist", p), err)
		}
		return nil, fmt.Errorf("reading %s: %w", p, err)
	}
	return data, nil
}

func (t *Transport) retrieveFile(req *Request) error {
	src, err := FileURLToPath(req.URL)
	if err != nil {
		return err
	}
	guard := newProgressGuard(req.Progress)
	if same, _ := sameFile(src, req.OutPath); same {
		guard.done()
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		guard.abort()
		if os.IsNotExist(err) {
			return pmerrors.Wrap(pmerrors.ErrCodeNotFound, fmt.Sprintf("%s does not exist", src), err)
		}
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	var size int64
	if info, err := in.Stat(); err == nil {
		size = info.Size()
	}
	if err := writeStream(in, size, req.OutPath, req.chunkSize(), guard.report); err != nil {
		guard.abort()
		return err
	}
	guard.done()
	return nil
}

func sameFile(a, b string) (bool, error) {
	ia, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	ib, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ia, ib), nil
}

// writeStream copies body into a temporary file next to out in chunks,
// reporting progress against size, and renames it into place.
func writeStream(body io.Reader, size int64, out string, chunk int, progress func(int)) error {
	tmp := out + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	buf := make([]byte, chunk)
	var written int64
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				os.Remove(tmp)
				return fmt.Errorf("writing file: %w", werr)
			}
			written += int64(n)
			progress(percentOf(written, size))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("reading response: %w", rerr)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing file: %w", err)
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming file: %w", err)
	}
	return nil
}

// IsOffline reports whether err means the machine has no usable network.
func IsOffline(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOffline) {
		return true
	}
	// An unknown host is a bad URL, not a missing network.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return !dnsErr.IsNotFound || dnsErr.IsTemporary
	}
	return errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.ENETDOWN)
}

// statusError converts a non-2xx status into an error.
func statusError(status int, u string) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status < 200 || status > 299:
		return fmt.Errorf("downloading %s: HTTP %d", SanitiseURL(u), status)
	}
	return nil
}
