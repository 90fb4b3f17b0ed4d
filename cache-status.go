package cachingproxy

import (
	responsetransformer "github.com/always-cache/caching-proxy/pkg/response-transformer"
)

// CacheStatus is the value of the marker header.
type CacheStatus string

const (
	// The response was served from the store.
	CacheStatusHit CacheStatus = "HIT"
	// The response was fetched from the origin.
	CacheStatusMiss CacheStatus = "MISS"
)

func (cs CacheStatus) String() string {
	return string(cs)
}

// mark returns a copy of headers carrying this status in the marker header.
func (cs CacheStatus) mark(headers map[string]string) map[string]string {
	return responsetransformer.WithMarker(headers, cs.String())
}
