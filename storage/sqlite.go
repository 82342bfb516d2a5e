// Package storage persists the background process's small key-value flags
// (login state, active account, network, tip URL) and the phishing host
// lists across restarts.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Well-known flag keys shared with the popup.
const (
	KeyIsLogged      = "isLogged"
	KeyActiveAccount = "activeAccount"
	KeyAccount       = "account"
	KeyNetwork       = "network"
	KeyTipURL        = "tipUrl"
)

// HostList names one of the phishing host lists.
type HostList string

const (
	ListBlock HostList = "block"
	ListAllow HostList = "allow"
)

// ErrNotFound is returned by Get when the key has never been set or was removed.
var ErrNotFound = errors.New("storage: key not found")

// SQLiteStorage is the embedded store backing local flags and host lists.
type SQLiteStorage struct {
	db   *sql.DB
	path string

	mu sync.Mutex
}

// Open opens (or creates) the database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*SQLiteStorage, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStorage{db: db, path: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("Storage opened")
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS local_storage (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS phishing_hosts (
		hostname TEXT NOT NULL,
		list TEXT NOT NULL CHECK(list IN ('block', 'allow')),
		added_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_phishing_hosts_lookup ON phishing_hosts(list, hostname);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Get returns the value stored under key.
func (s *SQLiteStorage) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM local_storage WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, replacing any previous value.
func (s *SQLiteStorage) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_storage (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return nil
}

// Remove deletes the given keys. Missing keys are ignored.
func (s *SQLiteStorage) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_storage WHERE key IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to remove keys: %w", err)
	}
	return nil
}

// AddHost appends hostname to list. Duplicates are allowed; readers treat
// each list as a set.
func (s *SQLiteStorage) AddHost(ctx context.Context, list HostList, hostname string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO phishing_hosts (hostname, list, added_at) VALUES (?, ?, ?)`,
		hostname, string(list), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to add host to %s list: %w", list, err)
	}
	return nil
}

// HasHost reports whether hostname is a member of list.
func (s *SQLiteStorage) HasHost(ctx context.Context, list HostList, hostname string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM phishing_hosts WHERE list = ? AND hostname = ?`,
		string(list), hostname).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query %s list: %w", list, err)
	}
	return n > 0, nil
}

// Hosts returns the distinct members of list in insertion order.
func (s *SQLiteStorage) Hosts(ctx context.Context, list HostList) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hostname FROM phishing_hosts WHERE list = ?
		GROUP BY hostname ORDER BY MIN(rowid)
	`, string(list))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s hosts: %w", list, err)
	}
	defer rows.Close()

	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// ReplaceHosts atomically swaps the contents of list for hosts.
func (s *SQLiteStorage) ReplaceHosts(ctx context.Context, list HostList, hosts []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM phishing_hosts WHERE list = ?`, string(list)); err != nil {
		return fmt.Errorf("failed to clear %s list: %w", list, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO phishing_hosts (hostname, list, added_at) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, h := range hosts {
		if _, err := stmt.ExecContext(ctx, h, string(list), now); err != nil {
			return fmt.Errorf("failed to insert %q: %w", h, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s list: %w", list, err)
	}

	log.Info().Str("list", string(list)).Int("count", len(hosts)).Msg("Host list replaced")
	return nil
}
