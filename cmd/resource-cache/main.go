// Command resource-cache fetches remote resources into a local disk cache,
// either once from the command line or as a long-running HTTP service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/resource-cache/cache"
	"github.com/wolfeidau/resource-cache/credentials"
	"github.com/wolfeidau/resource-cache/credentials/opprovider"
	"github.com/wolfeidau/resource-cache/server"
	"github.com/wolfeidau/resource-cache/telemetry"
)

var version = "dev"

type globals struct {
	logger      *slog.Logger
	credentials *credentials.Credentials
}

type cli struct {
	LogLevel    string           `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"RESOURCE_CACHE_LOG_LEVEL"`
	LogFormat   string           `help:"Log format." enum:"text,json" default:"text" env:"RESOURCE_CACHE_LOG_FORMAT"`
	Credentials string           `help:"Credentials template file applied to upstream requests." type:"existingfile" env:"RESOURCE_CACHE_CREDENTIALS"`
	OpBinary    string           `help:"1Password CLI used by the op template function." default:"op" env:"RESOURCE_CACHE_OP_BINARY"`
	Version     kong.VersionFlag `help:"Print version and exit."`

	Serve serveCmd `cmd:"" help:"Serve the cache over HTTP."`
	Fetch fetchCmd `cmd:"" help:"Resolve URIs into the cache and print their local paths."`
}

type serveCmd struct {
	Address             string        `help:"Address to listen on." default:":8080" env:"RESOURCE_CACHE_ADDRESS"`
	Storage             string        `help:"Storage directory path." default:"./cache" env:"RESOURCE_CACHE_STORAGE"`
	AuthToken           string        `help:"Bearer token required on non-public routes." env:"RESOURCE_CACHE_AUTH_TOKEN"`
	ResolveTimeout      time.Duration `help:"Default wait for /resolve and /content." default:"30s"`
	MetricsPrometheus   bool          `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:""`
	MetricsOTLPEndpoint string        `help:"OTLP gRPC endpoint for metrics export (e.g. localhost:4317)." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

type fetchCmd struct {
	Storage     string        `help:"Storage directory path (default: user cache dir)." env:"RESOURCE_CACHE_STORAGE"`
	Mutable     bool          `help:"Treat the URIs as mutable: fetch under a fresh name."`
	Timeout     time.Duration `help:"How long to wait for each URI." default:"1m"`
	Concurrency int           `help:"Maximum URIs resolved at once." default:"8"`
	URIs        []string      `arg:"" name:"uri" help:"URIs to resolve."`
}

func main() {
	var c cli
	kctx := kong.Parse(&c,
		kong.Name("resource-cache"),
		kong.Description("A deduplicating disk cache for remote resources."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(c.LogLevel, c.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g := &globals{logger: logger}
	if c.Credentials != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(logger.With("component", "credentials")),
			opprovider.WithOnePassword(opprovider.WithBinary(c.OpBinary)),
		)
		g.credentials, err = resolver.ResolveFile(ctx, c.Credentials)
		kctx.FatalIfErrorf(err)
	}

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.FatalIfErrorf(kctx.Run(g))
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "text":
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: time.TimeOnly,
		})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

func (s *serveCmd) Run(ctx context.Context, g *globals) error {
	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     s.MetricsOTLPEndpoint,
		EnablePrometheus: s.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			g.logger.Warn("shutting down metrics", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:        s.Address,
		StoragePath:    s.Storage,
		Credentials:    g.credentials,
		UserAgent:      "resource-cache/" + version,
		AuthToken:      s.AuthToken,
		ResolveTimeout: s.ResolveTimeout,
		Logger:         g.logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		g.logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (f *fetchCmd) Run(ctx context.Context, g *globals) error {
	cfg := cache.DefaultConfig()
	if f.Storage != "" {
		cfg.StoragePath = f.Storage
	}
	cfg.Credentials = g.credentials
	cfg.UserAgent = "resource-cache/" + version
	cfg.Logger = g.logger

	c, err := cache.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	cache.SetDefault(c)

	paths := make([]string, len(f.URIs))
	eg := new(errgroup.Group)
	if f.Concurrency > 0 {
		eg.SetLimit(f.Concurrency)
	}
	for i, uri := range f.URIs {
		eg.Go(func() error {
			path, err := awaitPath(ctx, cache.Default(), uri, !f.Mutable, f.Timeout)
			if err != nil {
				g.logger.Error("resolving resource", "uri", uri, "error", err)
				return fmt.Errorf("resolving %s: %w", uri, err)
			}
			paths[i] = path
			return nil
		})
	}
	err = eg.Wait()
	// Let cancelled fetches settle so no partial files are left behind.
	c.Wait()

	for i, uri := range f.URIs {
		if paths[i] != "" {
			fmt.Printf("%s\t%s\n", uri, paths[i])
		}
	}
	return err
}

// awaitPath registers for uri and returns the first path it is notified with.
// On timeout the in-flight fetch is cancelled.
func awaitPath(ctx context.Context, c *cache.Cache, uri string, immutable bool, timeout time.Duration) (string, error) {
	paths := make(chan string, 1)
	sub := c.Register(uri, immutable, func(path string) {
		select {
		case paths <- path:
		default:
		}
	})
	defer sub.Unregister()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case path := <-paths:
		return path, nil
	case <-ctx.Done():
		c.Cancel(uri)
		return "", ctx.Err()
	}
}
