package cachingproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/always-cache/caching-proxy/cache"
	cachekey "github.com/always-cache/caching-proxy/pkg/cache-key"
	responsetransformer "github.com/always-cache/caching-proxy/pkg/response-transformer"
)

type Config struct {
	// Storage for cache records.
	Store cache.Store
	// Base URL of the origin server, e.g. `http://localhost:3000`.
	// Request paths are appended to it after a slash.
	Origin string
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Include the query string in the cache key.
	// By default requests that differ only in their query share a record.
	KeyIncludesQuery bool
	// Timeout for origin requests. Zero means no timeout.
	Timeout time.Duration
	// Optional DNS cache for origin lookups.
	Resolver *dnscache.Resolver
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics. Nothing is recorded if nil.
	Metrics *Metrics
}

type CachingProxy struct {
	store    cache.Store
	keyer    cachekey.Keyer
	capturer *Capturer
	log      zerolog.Logger
	metrics  *Metrics
	router   chi.Router
}

// CreateProxy validates the config and sets up the proxy handler.
func CreateProxy(config Config) (*CachingProxy, error) {
	if config.Store == nil {
		return nil, errors.New("no cache store configured")
	}
	if err := validateOrigin(config.Origin); err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.Origin).
		Logger()

	client := newOriginClient(config.Resolver, config.OriginHost, config.Timeout)

	p := &CachingProxy{
		store:    config.Store,
		keyer:    cachekey.NewKeyer(config.Origin, config.KeyIncludesQuery),
		capturer: newCapturer(client, config.OriginHost, logger, config.Metrics),
		log:      logger,
		metrics:  config.Metrics,
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", ""))
	r.Use(middleware.Recoverer)
	r.Get("/*", p.proxy)
	p.router = r

	return p, nil
}

func validateOrigin(origin string) error {
	if origin == "" {
		return errors.New("no origin configured")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid origin %q: scheme must be http or https", origin)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid origin %q: missing host", origin)
	}
	return nil
}

// ServeHTTP implements the http.Handler interface.
// Only GET requests are proxied, everything else gets a 405.
func (p *CachingProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

// Clear removes all stored records.
func (p *CachingProxy) Clear(ctx context.Context) (int, error) {
	return p.store.Clear(ctx)
}

func (p *CachingProxy) proxy(w http.ResponseWriter, r *http.Request) {
	key := p.keyer.Key(r)

	ctx, span := tracer().Start(r.Context(), "cache.lookup")
	exists, err := p.store.Exists(ctx, key)
	endSpan(span, err,
		attribute.String("cache.key", key.String()),
		attribute.Bool("cache.exists", exists))
	if err != nil {
		p.metrics.storeError("exists")
		p.log.Error().Err(err).Str("key", key.String()).Msg("Could not check cache")
		p.sendError(w, r, key, CacheStatusHit, err)
		return
	}

	if exists && p.reuse(w, r, key) {
		return
	}
	p.fetchAndStore(w, r, key)
}

// reuse serves the stored record for the key.
// It returns false if the record disappeared in the meantime, in which case nothing was written.
// A record that exists but cannot be read results in an error response, never in an origin request.
func (p *CachingProxy) reuse(w http.ResponseWriter, r *http.Request, key cachekey.Key) bool {
	record, err := p.store.Read(r.Context(), key)
	if errors.Is(err, cache.ErrNotFound) {
		return false
	}
	if err != nil {
		p.metrics.storeError("read")
		p.log.Error().Err(err).Str("key", key.String()).Msg("Could not read from cache")
		p.sendError(w, r, key, CacheStatusHit, err)
		return true
	}
	p.log.Trace().Str("key", key.String()).Msg("Cache hit and serving")
	p.send(w, r, key, CacheStatusHit, record.StatusCode, record.Headers, []byte(record.Content))
	return true
}

// fetchAndStore gets the response from the origin, stores it, and sends it to the client.
// Failing to store is logged but does not affect the response.
func (p *CachingProxy) fetchAndStore(w http.ResponseWriter, r *http.Request, key cachekey.Key) {
	originURL := p.originURL(r)
	p.log.Trace().Str("key", key.String()).Str("url", originURL).Msg("Cache miss, fetching")

	live, record, err := p.capturer.Capture(r.Context(), originURL, r.URL.RawQuery)
	if err != nil {
		p.log.Warn().Err(err).Str("url", originURL).Msg("Could not get response from origin")
		p.sendError(w, r, key, CacheStatusMiss, err)
		return
	}

	// the response is complete, so the client going away must not prevent storing it
	if err := p.writeCache(context.WithoutCancel(r.Context()), key, record); err != nil {
		p.metrics.storeError("write")
		p.log.Error().Err(err).Str("key", key.String()).Msg("Could not write to cache")
	}

	p.send(w, r, key, CacheStatusMiss, live.StatusCode, live.Headers, live.Body)
}

func (p *CachingProxy) writeCache(ctx context.Context, key cachekey.Key, record cache.Record) error {
	ctx, span := tracer().Start(ctx, "cache.write")
	err := p.store.Write(ctx, key, record)
	endSpan(span, err, attribute.String("cache.key", key.String()))
	if err == nil {
		p.log.Trace().Str("key", key.String()).Int("status", record.StatusCode).Msg("Cache write")
	}
	return err
}

// originURL returns the origin URL for the request, without query.
// The path keeps its original escaping.
func (p *CachingProxy) originURL(r *http.Request) string {
	return p.keyer.OriginBase + "/" + strings.TrimPrefix(r.URL.EscapedPath(), "/")
}

func (p *CachingProxy) send(w http.ResponseWriter, r *http.Request, key cachekey.Key, cs CacheStatus, statusCode int, headers map[string]string, body []byte) {
	responsetransformer.Apply(w.Header(), headers)
	w.WriteHeader(statusCode)
	bytesWritten, err := w.Write(body)
	if err != nil {
		p.log.Error().Err(err).Msg("Could not write response body to client")
	}
	p.metrics.observeRequest(cs, statusCode)
	p.logRequest(r, key, cs, statusCode)
	p.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (p *CachingProxy) sendError(w http.ResponseWriter, r *http.Request, key cachekey.Key, cs CacheStatus, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(responsetransformer.MarkerHeader, cs.String())
	w.WriteHeader(http.StatusInternalServerError)
	if _, werr := io.WriteString(w, "Error: "+err.Error()); werr != nil {
		p.log.Error().Err(werr).Msg("Could not write error body to client")
	}
	p.metrics.observeRequest(cs, http.StatusInternalServerError)
	p.logRequest(r, key, cs, http.StatusInternalServerError)
}

func (p *CachingProxy) logRequest(r *http.Request, key cachekey.Key, cs CacheStatus, statusCode int) {
	hlog.FromRequest(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Str("key", key.String()).
		Str("cache", cs.String()).
		Int("status", statusCode).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}
