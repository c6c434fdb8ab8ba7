// Package server exposes the resource cache over HTTP.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/resource-cache/backend"
	"github.com/wolfeidau/resource-cache/cache"
	"github.com/wolfeidau/resource-cache/credentials"
	"github.com/wolfeidau/resource-cache/telemetry"
)

// DefaultResolveTimeout bounds how long /resolve and /content wait for a
// resource when the request does not say.
const DefaultResolveTimeout = 30 * time.Second

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// StoragePath is the root path for storage
	StoragePath string

	// Credentials are applied to upstream requests by URL prefix (optional)
	Credentials *credentials.Credentials

	// UserAgent overrides the upstream User-Agent header (optional)
	UserAgent string

	// AuthToken, when set, is required as a Bearer token on every route
	// except /health and /metrics.
	AuthToken string

	// ResolveTimeout is the default wait for /resolve and /content.
	// Default: 30 seconds
	ResolveTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the resource cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	backend backend.Backend
	cache   *cache.Cache

	// stop cancels every in-flight fetch on shutdown.
	stop context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}

	store, err := cache.NewBackend(cfg.StoragePath)
	if err != nil {
		return nil, err
	}

	baseCtx, stop := context.WithCancel(context.Background())
	c, err := cache.NewFromConfig(cache.Config{
		Backend:     store,
		Credentials: cfg.Credentials,
		UserAgent:   cfg.UserAgent,
		Logger:      cfg.Logger,
		Options:     []cache.Option{cache.WithBaseContext(baseCtx)},
	})
	if err != nil {
		stop()
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		backend: store,
		cache:   c,
		stop:    stop,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Long timeout for slow upstreams on /content
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /resolve", s.handleResolve)
	mux.HandleFunc("GET /content", s.handleContent)
	mux.HandleFunc("GET /entries", s.handleEntry)
	mux.HandleFunc("POST /bust", s.handleBust)
	mux.HandleFunc("POST /cancel", s.handleCancel)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

type resolveResponse struct {
	URI  string `json:"uri"`
	Path string `json:"path"`
}

// handleResolve registers a one-shot observer for the requested URI and
// answers with the local path once it is available.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "resolve")

	req, ok := s.parseResolveRequest(w, r)
	if !ok {
		return
	}

	path, err := s.resolve(r, req)
	if err != nil {
		s.writeResolveError(w, r, req.uri, err)
		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{URI: req.uri, Path: path})
}

// handleContent resolves the requested URI and streams the local copy.
func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "content")

	req, ok := s.parseResolveRequest(w, r)
	if !ok {
		return
	}

	path, err := s.resolve(r, req)
	if err != nil {
		s.writeResolveError(w, r, req.uri, err)
		return
	}

	// Keys are flat file names under the storage root.
	key := filepath.Base(path)

	size, err := s.backend.Size(r.Context(), key)
	if err != nil {
		s.writeBackendError(w, key, err)
		return
	}
	rc, err := s.backend.Read(r.Context(), key)
	if err != nil {
		s.writeBackendError(w, key, err)
		return
	}
	defer func() { _ = rc.Close() }()

	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debug("streaming content interrupted", "uri", req.uri, "key", key, "error", err)
	}
}

func (s *Server) handleEntry(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "entries")

	uri, ok := requireURI(w, r)
	if !ok {
		return
	}
	snap, found := s.cache.Lookup(uri)
	if !found {
		writeError(w, http.StatusNotFound, "unknown uri")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleBust(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "bust")

	uri, ok := requireURI(w, r)
	if !ok {
		return
	}
	s.cache.Bust(uri)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cancel")

	uri, ok := requireURI(w, r)
	if !ok {
		return
	}
	s.cache.Cancel(uri)
	w.WriteHeader(http.StatusNoContent)
}

type resolveRequest struct {
	uri       string
	immutable bool
	wait      time.Duration
}

func (s *Server) parseResolveRequest(w http.ResponseWriter, r *http.Request) (resolveRequest, bool) {
	uri, ok := requireURI(w, r)
	if !ok {
		return resolveRequest{}, false
	}
	req := resolveRequest{uri: uri, immutable: true, wait: s.config.ResolveTimeout}

	q := r.URL.Query()
	if v := q.Get("mutable"); v != "" {
		mutable, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid mutable flag")
			return resolveRequest{}, false
		}
		req.immutable = !mutable
	}
	if v := q.Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid wait duration")
			return resolveRequest{}, false
		}
		req.wait = d
	}
	return req, true
}

// resolve registers for req.uri and waits for the first notification, the
// wait to elapse or the client to go away.
func (s *Server) resolve(r *http.Request, req resolveRequest) (string, error) {
	telemetry.SetCacheResult(r, s.cacheResult(r.Context(), req.uri))

	paths := make(chan string, 1)
	sub := s.cache.Register(req.uri, req.immutable, func(path string) {
		select {
		case paths <- path:
		default:
		}
	})
	defer sub.Unregister()

	ctx, cancel := context.WithTimeout(r.Context(), req.wait)
	defer cancel()

	select {
	case path := <-paths:
		return path, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// cacheResult reports a hit only when the entry's content is resident in
// storage; an immutable entry knows its key before anything is stored.
func (s *Server) cacheResult(ctx context.Context, uri string) telemetry.CacheResult {
	snap, ok := s.cache.Lookup(uri)
	if !ok || snap.Key == "" {
		return telemetry.CacheMiss
	}
	exists, err := s.backend.Exists(ctx, snap.Key)
	if err != nil || !exists {
		return telemetry.CacheMiss
	}
	return telemetry.CacheHit
}

func (s *Server) writeResolveError(w http.ResponseWriter, r *http.Request, uri string, err error) {
	if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
		writeError(w, http.StatusGatewayTimeout, "resource not available in time")
		return
	}
	// The client went away; nobody is listening for a response.
	s.logger.Debug("resolve abandoned", "uri", uri, "error", err)
}

func (s *Server) writeBackendError(w http.ResponseWriter, key string, err error) {
	if errors.Is(err, backend.ErrNotFound) {
		writeError(w, http.StatusNotFound, "resource evicted")
		return
	}
	s.logger.Error("reading resource", "key", key, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// requireURI reads the uri query parameter, which must be an absolute http(s)
// URL.
func requireURI(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("uri")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing uri")
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeError(w, http.StatusBadRequest, "uri must be an absolute http or https url")
		return "", false
	}
	return raw, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if uri := r.URL.Query().Get("uri"); uri != "" {
			attrs = append(attrs, "uri", uri)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server",
		"address", s.config.Address,
		"storage", s.config.StoragePath,
		"auth", s.config.AuthToken != "",
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server, then cancels in-flight fetches
// and waits for them to settle.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	s.stop()
	s.cache.Wait()
	return err
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
