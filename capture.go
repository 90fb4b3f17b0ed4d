package cachingproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/net/html/charset"

	"github.com/always-cache/caching-proxy/cache"
	responsetransformer "github.com/always-cache/caching-proxy/pkg/response-transformer"
)

// LiveResponse is the origin response as it is sent to the client on a miss.
type LiveResponse struct {
	// Body exactly as received from the origin (after transport decompression).
	Body       []byte
	StatusCode int
	// Sanitized headers, marked as a miss.
	Headers map[string]string
}

// Capturer fetches responses from the origin and packages them for the client and for the store.
type Capturer struct {
	client *http.Client
	// Host header to send to the origin, if different from the origin URL host.
	host    string
	log     zerolog.Logger
	metrics *Metrics
}

func newCapturer(client *http.Client, host string, log zerolog.Logger, metrics *Metrics) *Capturer {
	return &Capturer{
		client:  client,
		host:    host,
		log:     log,
		metrics: metrics,
	}
}

// Capture issues a GET for originURL with rawQuery as the query string.
// It returns the response to send to the client now and the record to persist.
// The origin is contacted exactly once: a transport error is returned as is, without retrying.
func (c *Capturer) Capture(ctx context.Context, originURL, rawQuery string) (LiveResponse, cache.Record, error) {
	ctx, span := tracer().Start(ctx, "origin.fetch")
	res, body, err := c.fetch(ctx, originURL, rawQuery)
	if err != nil {
		endSpan(span, err, attribute.String("origin.url", originURL))
		return LiveResponse{}, cache.Record{}, err
	}
	endSpan(span, nil,
		attribute.String("origin.url", originURL),
		attribute.Int("http.status_code", res.StatusCode))

	headers := responsetransformer.Sanitize(res.Header)
	live := LiveResponse{
		Body:       body,
		StatusCode: res.StatusCode,
		Headers:    CacheStatusMiss.mark(headers),
	}
	record := cache.Record{
		Content:    decodeText(body, res.Header.Get("Content-Type")),
		StatusCode: res.StatusCode,
		Headers:    CacheStatusHit.mark(headers),
	}
	return live, record, nil
}

// fetch does the actual origin request and reads the whole body.
// A body that cannot be read completely counts as a failed fetch.
func (c *Capturer) fetch(ctx context.Context, originURL, rawQuery string) (*http.Response, []byte, error) {
	start := time.Now()
	target := originURL
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		c.metrics.observeOrigin(start, err)
		return nil, nil, fmt.Errorf("origin request: %w", err)
	}
	if c.host != "" {
		req.Host = c.host
	}

	c.log.Trace().Str("url", target).Msg("Requesting content from origin")
	res, err := c.client.Do(req)
	if err != nil {
		c.metrics.observeOrigin(start, err)
		return nil, nil, fmt.Errorf("origin request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	c.metrics.observeOrigin(start, err)
	if err != nil {
		return nil, nil, fmt.Errorf("origin response body: %w", err)
	}
	c.log.Trace().
		Str("url", target).
		Int("status", res.StatusCode).
		Int("bytes", len(body)).
		Dur("took", time.Since(start)).
		Msg("Received response from origin")
	return res, body, nil
}

// decodeText converts the body to UTF-8 text for storage.
// The charset parameter of the content type is honored when present and known,
// otherwise the body is taken as UTF-8. Invalid sequences are replaced with U+FFFD.
func decodeText(body []byte, contentType string) string {
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if label := params["charset"]; label != "" {
			if r, err := charset.NewReaderLabel(label, bytes.NewReader(body)); err == nil {
				if decoded, err := io.ReadAll(r); err == nil {
					return strings.ToValidUTF8(string(decoded), "\uFFFD")
				}
			}
		}
	}
	return strings.ToValidUTF8(string(body), "\uFFFD")
}
