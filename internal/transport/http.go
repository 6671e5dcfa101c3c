package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/dnscache"

	"github.com/frederic-klein/pymanager/internal/logging"
)

const userAgent = "pymanager/1.0"

// WinHTTPBackend streams responses through resty using the system HTTP stack.
type WinHTTPBackend struct {
	client *resty.Client
}

// NewWinHTTPBackend creates the WINHTTP backend.
func NewWinHTTPBackend(log *logging.Logger) *WinHTTPBackend {
	client := resty.New().
		SetHeader("User-Agent", userAgent).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetLogger(restyLogger{log: log})
	return &WinHTTPBackend{client: client}
}

// Name implements Backend.
func (b *WinHTTPBackend) Name() string { return "WINHTTP" }

// Supports implements Backend.
func (b *WinHTTPBackend) Supports(call *Call) bool { return true }

func (b *WinHTTPBackend) execute(ctx context.Context, call *Call) (*resty.Response, error) {
	r := b.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeaders(call.Headers)
	if call.Credentials != nil {
		r.SetBasicAuth(call.Credentials.Username, call.Credentials.Password)
	}
	resp, err := r.Execute(call.Method, call.URL)
	if err != nil {
		return nil, err
	}
	if err := statusError(resp.StatusCode(), call.URL); err != nil {
		resp.RawBody().Close()
		return nil, err
	}
	return resp, nil
}

// Open implements Backend.
func (b *WinHTTPBackend) Open(ctx context.Context, call *Call) ([]byte, error) {
	resp, err := b.execute(ctx, call)
	if err != nil {
		return nil, err
	}
	body := resp.RawBody()
	defer body.Close()
	return readAll(body, resp.RawResponse.ContentLength, call.ChunkSize, call.Progress)
}

// Retrieve implements Backend.
func (b *WinHTTPBackend) Retrieve(ctx context.Context, call *Call) error {
	resp, err := b.execute(ctx, call)
	if err != nil {
		return err
	}
	body := resp.RawBody()
	defer body.Close()
	return writeStream(body, resp.RawResponse.ContentLength, call.OutPath, call.ChunkSize, call.Progress)
}

type restyLogger struct {
	log *logging.Logger
}

func (l restyLogger) Errorf(format string, v ...any) { l.logger().Verbose(format, v...) }
func (l restyLogger) Warnf(format string, v ...any)  { l.logger().Verbose(format, v...) }
func (l restyLogger) Debugf(format string, v ...any) { l.logger().Debug(format, v...) }

func (l restyLogger) logger() *logging.Logger {
	if l.log == nil {
		return logging.Nop()
	}
	return l.log
}

// URLLibBackend is the generic HTTP fallback: retrying client with cached
// DNS lookups.
type URLLibBackend struct {
	client *retryablehttp.Client
}

// NewURLLibBackend creates the URLLIB backend.
func NewURLLibBackend(log *logging.Logger) *URLLibBackend {
	resolver := &dnscache.Resolver{}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.Logger = leveledLogger{log: log}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient = &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				var lastErr error
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				if lastErr == nil {
					lastErr = fmt.Errorf("no addresses for %s", host)
				}
				return nil, lastErr
			},
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	return &URLLibBackend{client: client}
}

// Name implements Backend.
func (b *URLLibBackend) Name() string { return "URLLIB" }

// Supports implements Backend.
func (b *URLLibBackend) Supports(call *Call) bool { return true }

func (b *URLLibBackend) do(ctx context.Context, call *Call) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, call.Method, call.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range call.Headers {
		req.Header.Set(k, v)
	}
	if call.Credentials != nil {
		req.SetBasicAuth(call.Credentials.Username, call.Credentials.Password)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, err
	}
	if err := statusError(resp.StatusCode, call.URL); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// Open implements Backend.
func (b *URLLibBackend) Open(ctx context.Context, call *Call) ([]byte, error) {
	resp, err := b.do(ctx, call)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readAll(resp.Body, resp.ContentLength, call.ChunkSize, call.Progress)
}

// Retrieve implements Backend.
func (b *URLLibBackend) Retrieve(ctx context.Context, call *Call) error {
	resp, err := b.do(ctx, call)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return writeStream(resp.Body, resp.ContentLength, call.OutPath, call.ChunkSize, call.Progress)
}

type leveledLogger struct {
	log *logging.Logger
}

func (l leveledLogger) logger() *logging.Logger {
	if l.log == nil {
		return logging.Nop()
	}
	return l.log
}

func (l leveledLogger) Error(msg string, kv ...any) { l.logger().Verbose("%s %v", msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.logger().Verbose("%s %v", msg, kv) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.logger().Debug("%s %v", msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.logger().Debug("%s %v", msg, kv) }

func readAll(body io.Reader, size int64, chunk int, progress func(int)) ([]byte, error) {
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	b := make([]byte, chunk)
	for {
		n, err := body.Read(b)
		if n > 0 {
			buf.Write(b[:n])
			progress(percentOf(int64(buf.Len()), size))
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
	}
}
