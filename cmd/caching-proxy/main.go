package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	cachingproxy "github.com/always-cache/caching-proxy"
	"github.com/always-cache/caching-proxy/cache"
)

const (
	shutdownTimeout = 10 * time.Second
	dnsRefreshEvery = 5 * time.Minute
)

// this is set by goreleaser
var version string

func init() {
	if version == "" {
		version = "DEV"
	}
}

func main() {
	if err := loadDotenv(); err != nil {
		fmt.Fprintf(os.Stderr, "Could not load .env file: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// runMain runs the command and returns its exit status.
// Deferred cleanup, such as closing the store and the log file, has run by the time it returns.
func runMain(ctx context.Context, args []string, lookup func(string) (string, bool), stdout, stderr io.Writer) int {
	opts, err := parseOptions(args, lookup, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "caching-proxy: %v\n", err)
		}
		return 2
	}

	closeLog := setupLogger(opts, stdout)
	defer closeLog()

	store, location, err := openStore(opts)
	if err != nil {
		log.Error().Err(err).Msg("Could not open cache")
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("Could not close cache")
		}
	}()

	if opts.ClearCache {
		if err := clearCache(ctx, store, location); err != nil {
			log.Error().Err(err).Msg("Could not clear cache")
			return 1
		}
		return 0
	}

	if err := run(ctx, opts, store, location); err != nil {
		log.Error().Err(err).Msg("Server failed")
		return 1
	}
	return 0
}

// setupLogger configures the global logger: console output to out,
// plus a rotated log file if one is configured.
func setupLogger(opts options, out io.Writer) (closeLog func()) {
	logLevel := zerolog.DebugLevel
	if opts.Trace {
		logLevel = zerolog.TraceLevel
	}

	closeLog = func() {}
	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: out}}
	if opts.LogFile != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    opts.LogMaxSize,
			MaxBackups: opts.LogMaxBackups,
			MaxAge:     opts.LogMaxAge,
			LocalTime:  true,
		}
		logOutputs = append(logOutputs, rotator)
		closeLog = func() { rotator.Close() }
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("version", version).Logger()
	return closeLog
}

// openStore opens the configured cache provider.
// location is the absolute path of the cache directory or database, for logging.
func openStore(opts options) (store cache.Store, location string, err error) {
	switch opts.Provider {
	case "sqlite":
		s, err := cache.NewSQLiteStore(opts.DB)
		if err != nil {
			return nil, "", err
		}
		location = opts.DB
		if opts.DB != "" && opts.DB != "memory" {
			location = absPath(opts.DB)
		}
		return s, location, nil
	case "file", "":
		s := cache.NewFileStore(opts.CacheDir)
		return s, absPath(s.Dir()), nil
	default:
		return nil, "", fmt.Errorf("unknown provider %q", opts.Provider)
	}
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func clearCache(ctx context.Context, store cache.Store, location string) error {
	log.Info().Str("location", location).Msg("Clearing cache")
	n, err := store.Clear(ctx)
	if err != nil {
		return err
	}
	log.Info().Int("records", n).Msg("Cache cleared")
	return nil
}

// run serves the proxy, and metrics if configured, until ctx is done.
func run(ctx context.Context, opts options, store cache.Store, location string) error {
	if opts.OTLPEndpoint != "" {
		shutdownTracing, err := setupTracing(ctx, opts.OTLPEndpoint, opts.TraceSampleRate)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Could not flush traces")
			}
		}()
		log.Info().Str("endpoint", opts.OTLPEndpoint).Msg("Exporting traces")
	}

	var metrics *cachingproxy.Metrics
	var reg *prometheus.Registry
	if opts.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = cachingproxy.NewMetrics(reg)
	}

	resolver := &dnscache.Resolver{}
	proxy, err := cachingproxy.CreateProxy(cachingproxy.Config{
		Store:            store,
		Origin:           opts.Origin,
		OriginHost:       opts.Host,
		KeyIncludesQuery: opts.KeyIncludesQuery,
		Timeout:          opts.Timeout,
		Resolver:         resolver,
		Logger:           &log.Logger,
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: proxy,
	}
	g.Go(func() error { return serve(ctx, srv) })

	if reg != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		metricsSrv := &http.Server{
			Addr:    opts.MetricsAddr,
			Handler: mux,
		}
		g.Go(func() error { return serve(ctx, metricsSrv) })
		log.Info().Str("addr", opts.MetricsAddr).Msg("Serving metrics")
	}

	g.Go(func() error {
		refreshDNS(ctx, resolver, dnsRefreshEvery)
		return nil
	})

	log.Info().Msgf("Caching proxy started on port %d", opts.Port)
	log.Info().Msgf("Proxying to %s (with hostname '%s')", opts.Origin, opts.Host)
	log.Info().Msgf("Cache location: %s", location)

	err = g.Wait()
	log.Info().Msg("Caching proxy stopped")
	return err
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// refreshDNS periodically refreshes the cached origin lookups, dropping unused entries.
func refreshDNS(ctx context.Context, resolver *dnscache.Resolver, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resolver.Refresh(true)
		}
	}
}
