package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/resource-cache/backend"
	"github.com/wolfeidau/resource-cache/credentials"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nnot really an image")

func newTestBackend(t *testing.T) *backend.Filesystem {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return fs
}

func readKey(t *testing.T, fs *backend.Filesystem, key string) []byte {
	t.Helper()
	data, err := os.ReadFile(fs.Path(key))
	require.NoError(t, err)
	return data
}

func requireNoFiles(t *testing.T, fs *backend.Filesystem) {
	t.Helper()
	entries, err := os.ReadDir(fs.Path(""))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/a.png", r.URL.Path)
		require.Equal(t, defaultUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	fs := newTestBackend(t)
	f := NewHTTPFetcher(fs)

	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/a.png", "key.png"))
	require.Equal(t, pngBytes, readKey(t, fs, "key.png"))
}

func TestFetch_DecodesGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(pngBytes)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Accept-Encoding"), "gzip")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	fs := newTestBackend(t)
	require.NoError(t, NewHTTPFetcher(fs).Fetch(context.Background(), srv.URL+"/a.png", "gz.png"))
	require.Equal(t, pngBytes, readKey(t, fs, "gz.png"))
}

func TestFetch_DecodesZstd(t *testing.T) {
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := enc.EncodeAll(pngBytes, nil)
	require.NoError(t, enc.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.Header.Get("Accept-Encoding"), "zstd")
		w.Header().Set("Content-Encoding", "zstd")
		_, _ = w.Write(compressed)
	}))
	defer srv.Close()

	fs := newTestBackend(t)
	require.NoError(t, NewHTTPFetcher(fs).Fetch(context.Background(), srv.URL+"/a.png", "zst.png"))
	require.Equal(t, pngBytes, readKey(t, fs, "zst.png"))
}

func TestFetch_UnsupportedEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write([]byte("whatever"))
	}))
	defer srv.Close()

	fs := newTestBackend(t)
	err := NewHTTPFetcher(fs).Fetch(context.Background(), srv.URL+"/a.png", "br.png")
	require.ErrorIs(t, err, ErrUnsupportedEncoding)
	requireNoFiles(t, fs)
}

func TestFetch_UnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	fs := newTestBackend(t)
	err := NewHTTPFetcher(fs).Fetch(context.Background(), srv.URL+"/missing.png", "missing.png")
	require.ErrorIs(t, err, ErrUnexpectedStatus)
	requireNoFiles(t, fs)
}

func TestFetch_AppliesCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	creds := &credentials.Credentials{Hosts: []credentials.HostCredential{
		{Prefix: srv.URL + "/private/", Token: "s3cret"},
	}}

	fs := newTestBackend(t)
	f := NewHTTPFetcher(fs, WithCredentials(creds), WithUserAgent("test-agent"))

	require.NoError(t, f.Fetch(context.Background(), srv.URL+"/private/a.png", "private.png"))
	require.Equal(t, pngBytes, readKey(t, fs, "private.png"))

	err := f.Fetch(context.Background(), srv.URL+"/public/a.png", "public.png")
	require.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestFetch_CancelDiscardsPartialContent(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes[:4])
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	fs := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- NewHTTPFetcher(fs).Fetch(ctx, srv.URL+"/slow.png", "slow.png")
	}()

	<-started
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.True(t, errors.Is(err, context.Canceled), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not observe cancellation")
	}
	requireNoFiles(t, fs)
}

func TestFetch_InvalidURI(t *testing.T) {
	fs := newTestBackend(t)
	err := NewHTTPFetcher(fs).Fetch(context.Background(), "://bad", "bad.png")
	require.Error(t, err)
	requireNoFiles(t, fs)
}
