// Package fetch provides the HTTP transfer used to bring remote resources
// into local storage. A fetch either commits the complete body under its
// storage key or leaves nothing behind.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	resourcecache "github.com/wolfeidau/resource-cache"
	"github.com/wolfeidau/resource-cache/backend"
	"github.com/wolfeidau/resource-cache/credentials"
	"github.com/wolfeidau/resource-cache/telemetry"
)

const defaultUserAgent = "resource-cache/1.0"

var (
	// ErrUnexpectedStatus is returned when the upstream answers with a
	// non-2xx status.
	ErrUnexpectedStatus = errors.New("unexpected upstream status")

	// ErrUnsupportedEncoding is returned for a Content-Encoding the fetcher
	// cannot decode.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
)

// HTTPFetcher downloads resources over HTTP into a storage backend.
type HTTPFetcher struct {
	backend   backend.Backend
	client    *http.Client
	creds     *credentials.Credentials
	userAgent string
	logger    *slog.Logger
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithCredentials sets per-host credentials applied to outgoing requests.
func WithCredentials(creds *credentials.Credentials) Option {
	return func(f *HTTPFetcher) {
		f.creds = creds
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *HTTPFetcher) {
		f.logger = logger
	}
}

// NewHTTPFetcher creates a fetcher writing into b.
func NewHTTPFetcher(b backend.Backend, opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		backend: b,
		client: &http.Client{
			Transport: telemetry.NewInstrumentedTransport(nil, "http"),
		},
		userAgent: defaultUserAgent,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads uri and commits it under key. Cancelling ctx aborts the
// transfer and discards any partial content.
func (f *HTTPFetcher) Fetch(ctx context.Context, uri, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "zstd, gzip")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	if cred := f.creds.ForURL(uri); cred != nil {
		cred.Apply(req)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("requesting %s: %w", uri, ctxErr)
		}
		return fmt.Errorf("requesting %s: %w", uri, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode, uri)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return err
	}
	defer func() { _ = body.Close() }()

	w, err := f.backend.Writer(ctx, key)
	if err != nil {
		return fmt.Errorf("opening writer for %s: %w", key, err)
	}

	hr := resourcecache.NewHashingReader(body)
	n, err := io.Copy(w, hr)
	if err != nil {
		_ = w.Abort()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("writing %s: %w", key, ctxErr)
		}
		return fmt.Errorf("writing %s: %w", key, err)
	}

	// Content-length mismatch detection, only meaningful for identity bodies.
	if resp.ContentLength > 0 && resp.Header.Get("Content-Encoding") == "" && n != resp.ContentLength {
		_ = w.Abort()
		return fmt.Errorf("content-length mismatch: expected %d, got %d", resp.ContentLength, n)
	}

	if err := ctx.Err(); err != nil {
		_ = w.Abort()
		return err
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("committing %s: %w", key, err)
	}

	f.logger.Debug("fetched resource",
		"uri", uri,
		"key", key,
		"bytes", hr.BytesRead(),
		"blake3", hr.Sum().ShortString(),
	)
	return nil
}

// decodeBody undoes the Content-Encoding of resp. The returned ReadCloser
// must be closed; it does not close resp.Body.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return io.NopCloser(resp.Body), nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening zstd body: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}
