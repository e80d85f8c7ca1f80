package devserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jellevlieshout/carbonbridge/internal/domain"
)

// SessionStore persists wizard sessions in SQLite (pure Go driver, no CGO)
type SessionStore struct {
	db *sql.DB
}

// NewSessionStore opens (or creates) the session database at dbPath
func NewSessionStore(dbPath string) (*SessionStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single pooled connection serializes
	// access and avoids "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SessionStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SessionStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS wizard_sessions (
			id         TEXT PRIMARY KEY,
			buyer_id   TEXT NOT NULL,
			data       TEXT NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_wizard_sessions_buyer
			ON wizard_sessions (buyer_id, active);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Create inserts a new active session
func (s *SessionStore) Create(ctx context.Context, session *domain.WizardSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wizard_sessions (id, buyer_id, data, active, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)`,
		session.ID, session.BuyerID, string(data), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID
func (s *SessionStore) Get(ctx context.Context, id string) (*domain.WizardSession, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM wizard_sessions WHERE id = ?`, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return unmarshalSession(data)
}

// GetActiveForBuyer returns the buyer's most recent active session, or
// (nil, nil) when there is none.
func (s *SessionStore) GetActiveForBuyer(ctx context.Context, buyerID string) (*domain.WizardSession, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM wizard_sessions
		WHERE buyer_id = ? AND active = 1
		ORDER BY updated_at DESC LIMIT 1`, buyerID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active session: %w", err)
	}
	return unmarshalSession(data)
}

// Update rewrites the stored session document
func (s *SessionStore) Update(ctx context.Context, session *domain.WizardSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE wizard_sessions SET data = ?, updated_at = ? WHERE id = ?`,
		string(data), now, session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// Deactivate marks a session inactive so the buyer's next create call
// starts a fresh conversation.
func (s *SessionStore) Deactivate(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		UPDATE wizard_sessions SET active = 0, updated_at = ? WHERE id = ?`,
		now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	return nil
}

func unmarshalSession(data string) (*domain.WizardSession, error) {
	var session domain.WizardSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}
