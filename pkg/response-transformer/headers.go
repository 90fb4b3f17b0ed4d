package responsetransformer

import (
	"net/http"
	"strings"
)

// MarkerHeader tells the client whether the response came from the cache.
const MarkerHeader = "X-Cache"

// framingHeaders describe how the origin framed the body on the wire.
// They are wrong once the body is re-served, so net/http must be left to compute them.
var framingHeaders = []string{
	"Content-Encoding",
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
}

// Sanitize flattens the origin headers into a single-valued map and drops the framing headers.
// Names are compared case-insensitively.
// Every other header is kept as received; for repeated headers the last value wins.
func Sanitize(header http.Header) map[string]string {
	sanitized := make(map[string]string, len(header))
	for name, values := range header {
		if isFramingHeader(name) || len(values) == 0 {
			continue
		}
		sanitized[name] = values[len(values)-1]
	}
	return sanitized
}

// WithMarker returns a copy of headers with the marker header set to status.
// Any marker-like header already present, whatever its case, is replaced, so the marker appears once.
func WithMarker(headers map[string]string, status string) map[string]string {
	marked := make(map[string]string, len(headers)+1)
	for name, value := range headers {
		if strings.EqualFold(name, MarkerHeader) {
			continue
		}
		marked[name] = value
	}
	marked[MarkerHeader] = status
	return marked
}

// Apply writes the headers to the response header, replacing existing values.
func Apply(dst http.Header, headers map[string]string) {
	for name, value := range headers {
		dst.Set(name, value)
	}
}

func isFramingHeader(name string) bool {
	for _, h := range framingHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}
