package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	cachekey "github.com/always-cache/caching-proxy/pkg/cache-key"
)

var ctx = context.Background()

func testRecord(content string) Record {
	return Record{
		Content:    content,
		StatusCode: 200,
		Headers: map[string]string{
			"Content-Type": "text/plain",
			"X-Cache":      "HIT",
		},
	}
}

// providers returns a fresh instance of every store implementation.
func providers(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Could not open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]Store{
		"file":   NewFileStore(filepath.Join(t.TempDir(), ".cache")),
		"sqlite": sqlite,
	}
}

func TestWriteThenRead(t *testing.T) {
	for name, store := range providers(t) {
		t.Run(name, func(t *testing.T) {
			key := cachekey.Derive("http://origin.test/products")
			if ok, err := store.Exists(ctx, key); err != nil || ok {
				t.Fatalf("Exists before write = %v, %v", ok, err)
			}
			if err := store.Write(ctx, key, testRecord("Hello world")); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if ok, err := store.Exists(ctx, key); err != nil || !ok {
				t.Fatalf("Exists after write = %v, %v", ok, err)
			}
			record, err := store.Read(ctx, key)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if record.Content != "Hello world" || record.StatusCode != 200 {
				t.Fatalf("Record is %+v", record)
			}
			if record.Headers["Content-Type"] != "text/plain" || record.Headers["X-Cache"] != "HIT" {
				t.Fatalf("Headers are %v", record.Headers)
			}
		})
	}
}

func TestReadMissing(t *testing.T) {
	for name, store := range providers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Read(ctx, cachekey.Derive("missing"))
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestWriteOverwrites(t *testing.T) {
	for name, store := range providers(t) {
		t.Run(name, func(t *testing.T) {
			key := cachekey.Derive("http://origin.test/")
			store.Write(ctx, key, testRecord("first"))
			if err := store.Write(ctx, key, testRecord("second")); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if record, _ := store.Read(ctx, key); record.Content != "second" {
				t.Fatalf("Content is %s", record.Content)
			}
		})
	}
}

func TestClearIsIdempotent(t *testing.T) {
	for name, store := range providers(t) {
		t.Run(name, func(t *testing.T) {
			if n, err := store.Clear(ctx); err != nil || n != 0 {
				t.Fatalf("Clear on empty store = %d, %v", n, err)
			}
			keys := []cachekey.Key{cachekey.Derive("a"), cachekey.Derive("b")}
			for _, key := range keys {
				store.Write(ctx, key, testRecord("x"))
			}
			if n, err := store.Clear(ctx); err != nil || n != 2 {
				t.Fatalf("Clear = %d, %v", n, err)
			}
			for _, key := range keys {
				if ok, _ := store.Exists(ctx, key); ok {
					t.Fatalf("Key %s still exists after clear", key)
				}
			}
			if n, err := store.Clear(ctx); err != nil || n != 0 {
				t.Fatalf("Second clear = %d, %v", n, err)
			}
		})
	}
}

func TestConcurrentWrites(t *testing.T) {
	for name, store := range providers(t) {
		t.Run(name, func(t *testing.T) {
			key := cachekey.Derive("http://origin.test/race")
			var wg sync.WaitGroup
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := store.Write(ctx, key, testRecord("same")); err != nil {
						t.Errorf("Write: %v", err)
					}
				}()
			}
			wg.Wait()
			if record, err := store.Read(ctx, key); err != nil || record.Content != "same" {
				t.Fatalf("Read after concurrent writes = %+v, %v", record, err)
			}
		})
	}
}

func TestEmptyHeadersAreStoredAsObject(t *testing.T) {
	store := NewFileStore(t.TempDir())
	key := cachekey.Derive("http://origin.test/")
	store.Write(ctx, key, Record{Content: "", StatusCode: 204})
	b, err := os.ReadFile(store.Path(key))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"content":"","status_code":204,"headers":{}}` {
		t.Fatalf("Stored %s", b)
	}
}
