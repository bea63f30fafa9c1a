package cache

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound indicates the key has no value.
var ErrNotFound = errors.New("key not found")

// KV is the minimal key-value surface the snapshot layer writes through.
// Get also returns the value's write time, which Restore uses for the
// freshness check.
type KV interface {
	Get(key string) ([]byte, time.Time, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// SQLiteKV backs KV with the profile's cache.db.
type SQLiteKV struct {
	db *DB
}

// OpenKV opens (and migrates) the key-value store at path.
func OpenKV(path string) (*SQLiteKV, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteKV{db: db}, nil
}

func (s *SQLiteKV) Get(key string) ([]byte, time.Time, error) {
	var value []byte
	var updatedAt int64
	err := s.db.QueryRow(`SELECT value, updated_at FROM kv WHERE key = ?`, key).
		Scan(&value, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, ErrNotFound
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return value, time.UnixMilli(updatedAt), nil
}

func (s *SQLiteKV) Set(key string, value []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

func (s *SQLiteKV) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
