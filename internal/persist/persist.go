// Package persist provides SQLite-based key/value persistence for
// application state. The database is opened lazily and created on first use.
// If opening the DB or executing queries fails, the package falls back to
// in-memory storage.
package persist

import (
	"database/sql"
	"errors"
	"os"
	"sync"

	_ "github.com/glebarez/go-sqlite"

	"github.com/comigor/deepchat-go/internal/logger"
)

// KV is the durable key/value capability consumed by the chat store.
type KV interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
}

// Store is a SQLite-backed KV with an in-memory fallback.
type Store struct {
	path string

	once    sync.Once
	db      *sql.DB
	initErr error

	mu  sync.Mutex
	mem map[string][]byte
}

// Open creates a Store writing to the given SQLite file. The
// DEEPCHAT_DB_PATH environment variable overrides the path; an empty path
// defaults to deepchat.db in the working directory.
func Open(path string) *Store {
	if env := os.Getenv("DEEPCHAT_DB_PATH"); env != "" {
		path = env
	}
	if path == "" {
		path = "deepchat.db"
	}
	return &Store{path: path, mem: make(map[string][]byte)}
}

// init lazily opens the SQLite database and creates the kv table if it
// doesn't exist.
func (s *Store) init() {
	s.db, s.initErr = sql.Open("sqlite", "file:"+s.path+"?_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)")
	if s.initErr != nil {
		logger.L.Warn("sqlite open failed; using in-memory storage", "error", s.initErr)
		return
	}
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS kv (
        key TEXT PRIMARY KEY,
        value BLOB
    );`); err != nil {
		s.initErr = err
		logger.L.Warn("sqlite table creation failed; using in-memory storage", "error", err)
		return
	}
	logger.L.Info("sqlite storage initialized", "path", s.path)
}

// Set persists a value under key in the SQLite database when available and
// always keeps an in-memory copy as fallback.
func (s *Store) Set(key string, value []byte) error {
	s.once.Do(s.init)

	var err error
	if s.initErr == nil && s.db != nil {
		_, err = s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
            ON CONFLICT(key) DO UPDATE SET value = excluded.value;`, key, value)
		if err != nil {
			logger.L.Error("failed to store value in sqlite; falling back to memory", "key", key, "error", err)
		}
	}

	s.mu.Lock()
	s.mem[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return err
}

// Get returns the stored value for key, preferring SQLite and falling back
// to the in-memory copy.
func (s *Store) Get(key string) ([]byte, bool) {
	s.once.Do(s.init)

	if s.initErr == nil && s.db != nil {
		var value []byte
		err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?;`, key).Scan(&value)
		switch {
		case err == nil:
			return value, true
		case errors.Is(err, sql.ErrNoRows):
			// fall through to the in-memory copy
		default:
			logger.L.Warn("sqlite read failed; using in-memory copy", "key", key, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.mem[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), value...), true
}

// Close closes the underlying database, if one was opened.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
