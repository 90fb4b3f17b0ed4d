package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	cachekey "github.com/always-cache/caching-proxy/pkg/cache-key"
)

const (
	// DefaultDir is the cache directory used when none is configured.
	DefaultDir = ".cache"

	recordExt     = ".json"
	tempPattern   = ".record-*"
	dirPermission = 0o755
)

// FileStore keeps each record as a JSON file named `<key>.json` in a single directory.
// The directory is created on first write.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[cachekey.Key]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewFileStore creates a file-backed store rooted at dir.
// If dir is empty, DefaultDir is used.
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultDir
	}
	return &FileStore{
		dir:   dir,
		locks: make(map[cachekey.Key]*keyLock),
	}
}

// Dir returns the directory the records are stored in.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file path of the record for the given key.
func (s *FileStore) Path(key cachekey.Key) string {
	return filepath.Join(s.dir, key.String()+recordExt)
}

func (s *FileStore) Exists(ctx context.Context, key cachekey.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(s.Path(key))
	if err != nil {
		if isAbsent(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (s *FileStore) Read(ctx context.Context, key cachekey.Key) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	b, err := os.ReadFile(s.Path(key))
	if err != nil {
		if isAbsent(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("read record %s: %w", key, err)
	}
	return unmarshalRecord(key, b)
}

// Write persists the record through a temp file and a rename,
// so that concurrent readers see either the old or the new record, never a partial one.
func (s *FileStore) Write(ctx context.Context, key cachekey.Key, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := marshalRecord(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}

	unlock := s.lock(key)
	defer unlock()

	if err := os.MkdirAll(s.dir, dirPermission); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(b)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write record %s: %w", key, err)
	}
	if err := os.Rename(tmpName, s.Path(key)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write record %s: %w", key, err)
	}
	return nil
}

// Clear removes every file in the cache directory, but not the directory itself.
// A missing directory counts as an empty store.
func (s *FileStore) Clear(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("list cache dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("remove %s: %w", entry.Name(), err)
		}
		if strings.HasSuffix(entry.Name(), recordExt) {
			removed++
		}
	}
	return removed, nil
}

func (s *FileStore) Close() error {
	return nil
}

// isAbsent reports whether err means there is no record file.
// A cache dir that is not a directory holds no records.
func isAbsent(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// lock serializes writers of the same key.
// Readers are never blocked.
func (s *FileStore) lock(key cachekey.Key) func() {
	s.mu.Lock()
	l := s.locks[key]
	if l == nil {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}
