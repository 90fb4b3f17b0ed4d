package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cachekey "github.com/always-cache/caching-proxy/pkg/cache-key"
)

var (
	// ErrNotFound is returned by Read when no record exists for the key.
	ErrNotFound = errors.New("cache record not found")
	// ErrCorruptRecord is returned by Read when a record exists but cannot be parsed.
	// It must never be treated as a miss.
	ErrCorruptRecord = errors.New("corrupt cache record")
)

// Store is an interface for a cache provider.
// It persists one Record per key.
// There is no expiry: a record stays until Clear is called.
//
// Implementations must be thread-safe!
type Store interface {
	// Exists checks if a record for the key is present.
	Exists(ctx context.Context, key cachekey.Key) (bool, error)
	// Read loads the record for the key.
	// It returns ErrNotFound if there is none, and an error wrapping
	// ErrCorruptRecord if the stored bytes are not a valid record.
	Read(ctx context.Context, key cachekey.Key) (Record, error)
	// Write stores the record under the key, replacing any existing record.
	Write(ctx context.Context, key cachekey.Key, record Record) error
	// Clear removes all records.
	// It is safe to call on an empty store.
	Clear(ctx context.Context) (int, error)
	// Close releases any resources held by the store.
	Close() error
}

// Record is a captured origin response.
type Record struct {
	// Response body, decoded to text.
	Content string `json:"content"`
	// HTTP status code received from the origin.
	StatusCode int `json:"status_code"`
	// Sanitized response headers, including the cache marker.
	Headers map[string]string `json:"headers"`
}

// storedRecord mirrors Record with pointer fields, so that missing fields can be detected.
type storedRecord struct {
	Content    *string           `json:"content"`
	StatusCode *int              `json:"status_code"`
	Headers    map[string]string `json:"headers"`
}

func marshalRecord(record Record) ([]byte, error) {
	if record.Headers == nil {
		record.Headers = map[string]string{}
	}
	return json.Marshal(record)
}

// unmarshalRecord parses stored bytes.
// Any failure is reported as ErrCorruptRecord.
func unmarshalRecord(key cachekey.Key, b []byte) (Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(b, &sr); err != nil {
		return Record{}, fmt.Errorf("%w %s: %v", ErrCorruptRecord, key, err)
	}
	if sr.Content == nil {
		return Record{}, fmt.Errorf("%w %s: missing content", ErrCorruptRecord, key)
	}
	if sr.StatusCode == nil {
		return Record{}, fmt.Errorf("%w %s: missing status_code", ErrCorruptRecord, key)
	}
	// net/http refuses codes above 999 and treats 1xx as informational
	if *sr.StatusCode < 200 || *sr.StatusCode > 999 {
		return Record{}, fmt.Errorf("%w %s: invalid status_code %d", ErrCorruptRecord, key, *sr.StatusCode)
	}
	record := Record{
		Content:    *sr.Content,
		StatusCode: *sr.StatusCode,
		Headers:    sr.Headers,
	}
	if record.Headers == nil {
		record.Headers = map[string]string{}
	}
	return record, nil
}
