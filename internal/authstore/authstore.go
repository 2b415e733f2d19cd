// Package authstore is the sqlite-backed persistence for the single
// process-global Token (C11), implementing auth.Store. Grounded on
// store/strategy.go's single-row config table pattern, generalized from
// strategy config to the one-row Token record.
package authstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/kestrelquant/orchestrator/internal/artifact"
)

// singletonRowID is the fixed primary key of the one token row ever
// held — there is exactly one broker session per process.
const singletonRowID = 1

// Store is the sqlite-backed auth.Store implementation.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open auth store: %w", err)
	}
	s := &Store{db: db}
	if err := s.initTable(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tokens (
			id          INTEGER PRIMARY KEY,
			access      TEXT NOT NULL,
			refresh     TEXT NOT NULL DEFAULT '',
			acquired_at DATETIME NOT NULL,
			expires_at  DATETIME NOT NULL,
			app_id      TEXT NOT NULL DEFAULT '',
			user_id     TEXT NOT NULL DEFAULT ''
		)
	`)
	return err
}

// Load returns the saved Token, or nil if none has been persisted yet.
func (s *Store) Load() (*artifact.Token, error) {
	var t artifact.Token
	err := s.db.QueryRow(`SELECT access, refresh, acquired_at, expires_at, app_id, user_id FROM tokens WHERE id = ?`, singletonRowID).
		Scan(&t.Access, &t.Refresh, &t.AcquiredAt, &t.ExpiresAt, &t.AppID, &t.UserID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	return &t, nil
}

// Save upserts the singleton Token row.
func (s *Store) Save(t *artifact.Token) error {
	_, err := s.db.Exec(`
		INSERT INTO tokens (id, access, refresh, acquired_at, expires_at, app_id, user_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access = excluded.access, refresh = excluded.refresh,
			acquired_at = excluded.acquired_at, expires_at = excluded.expires_at,
			app_id = excluded.app_id, user_id = excluded.user_id
	`, singletonRowID, t.Access, t.Refresh, t.AcquiredAt, t.ExpiresAt, t.AppID, t.UserID)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}
