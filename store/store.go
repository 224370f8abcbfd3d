// Package store implements a content-addressed archive of program images
// backed by sqlite. Images are keyed by the SHA-256 of their bytes, so a
// host can re-run a verified image without re-reading it from disk and
// detect corruption on the way out.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound indicates the requested image is not in the store.
var ErrNotFound = errors.New("store: image not found")

const schema = `
CREATE TABLE IF NOT EXISTS images (
	hash       TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	data       BLOB NOT NULL,
	size       INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
`

// Store is a content-addressed image archive.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) a store at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Hash returns the hex SHA-256 content key for an image.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put archives an image under its content hash and returns the hash.
// Storing the same bytes twice is a no-op.
func (s *Store) Put(name string, data []byte) (string, error) {
	hash := Hash(data)
	_, err := s.db.Exec(
		`INSERT INTO images (hash, name, data, size, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(hash) DO NOTHING`,
		hash, name, data, len(data), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("store: put %s: %w", name, err)
	}
	return hash, nil
}

// Get retrieves an image by content hash, verifying its bytes still match
// the key.
func (s *Store) Get(hash string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM images WHERE hash = ?`, hash).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w", hash, err)
	}
	if Hash(data) != hash {
		return nil, fmt.Errorf("store: image %s is corrupt", hash)
	}
	return data, nil
}

// Entry describes one archived image.
type Entry struct {
	Hash      string
	Name      string
	Size      int64
	CreatedAt string
}

// List returns all archived images, newest first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT hash, name, size, created_at FROM images ORDER BY created_at DESC, hash`)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Hash, &e.Name, &e.Size, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: list: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes an image by content hash.
func (s *Store) Delete(hash string) error {
	res, err := s.db.Exec(`DELETE FROM images WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
