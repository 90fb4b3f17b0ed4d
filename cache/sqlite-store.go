package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/pressly/goose/v3"

	cachekey "github.com/always-cache/caching-proxy/pkg/cache-key"
)

//go:embed migrations/*.sql
var migrations embed.FS

const memoryFilename = "file::memory:?cache=shared"

// SQLiteStore keeps records in a single SQLite database file.
// Each row holds the same JSON document the file store writes.
type SQLiteStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStore opens (or creates) the database and migrates it to the latest schema.
// If filename is empty or "memory", a shared in-memory db is opened.
func NewSQLiteStore(filename string) (*SQLiteStore, error) {
	if filename == "" || filename == "memory" {
		filename = memoryFilename
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return &SQLiteStore{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// runMigrations applies the embedded goose migrations.
func runMigrations(db *sql.DB) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("sub fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	_, err = provider.Up(context.Background())
	return err
}

func (s *SQLiteStore) Exists(ctx context.Context, key cachekey.Key) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM records WHERE key = ?", key.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *SQLiteStore) Read(ctx context.Context, key cachekey.Key) (Record, error) {
	var b []byte
	err := s.db.QueryRowContext(ctx, "SELECT record FROM records WHERE key = ?", key.String()).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("read record %s: %w", key, err)
	}
	return unmarshalRecord(key, b)
}

func (s *SQLiteStore) Write(ctx context.Context, key cachekey.Key, record Record) error {
	b, err := marshalRecord(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", key, err)
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO records (key, record, stored_at) VALUES (?, ?, ?)",
		key.String(), b, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("write record %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) (int, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM records")
	if err != nil {
		return 0, fmt.Errorf("clear records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
