package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/scenario-lab/internal/domain"
	"github.com/ashureev/scenario-lab/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries    = 3
	writeRetryDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		date TEXT NOT NULL,
		config TEXT NOT NULL,
		evaluation TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		phone TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if err := s.migrateLegacySessions(); err != nil {
		return err
	}

	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_user_date ON sessions(user_id, date DESC)`); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	return nil
}

// migrateLegacySessions adds user_id to session tables created before sessions
// were owned by a user. Existing rows are attributed to "anonymous".
func (s *SQLiteStore) migrateLegacySessions() error {
	rows, err := s.db.Query(`PRAGMA table_info(sessions)`)
	if err != nil {
		return fmt.Errorf("inspect sessions table: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close table_info rows", "error", closeErr)
		}
	}()

	hasUserID := false
	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return fmt.Errorf("scan table_info: %w", err)
		}
		if name == "user_id" {
			hasUserID = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate table_info: %w", err)
	}
	if hasUserID {
		return nil
	}

	slog.Info("Migrating legacy sessions table", "column", "user_id")
	if _, err := s.db.Exec(`ALTER TABLE sessions ADD COLUMN user_id TEXT NOT NULL DEFAULT 'anonymous'`); err != nil {
		return fmt.Errorf("add user_id column: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// ListSessions returns a user's sessions ordered by date, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]domain.PastSession, error) {
	query := `
		SELECT id, date, config, evaluation
		FROM sessions WHERE user_id = ?
		ORDER BY date DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close sessions rows", "error", closeErr)
		}
	}()

	sessions := make([]domain.PastSession, 0)
	for rows.Next() {
		var (
			session        domain.PastSession
			configJSON     string
			evaluationJSON string
		)
		if err := rows.Scan(&session.ID, &session.Date, &configJSON, &evaluationJSON); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		if err := json.Unmarshal([]byte(configJSON), &session.Config); err != nil {
			return nil, fmt.Errorf("decode config for session %s: %w", session.ID, err)
		}
		if err := json.Unmarshal([]byte(evaluationJSON), &session.Evaluation); err != nil {
			return nil, fmt.Errorf("decode evaluation for session %s: %w", session.ID, err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// AppendSession stores one finished session for a user. Sessions are never
// updated; a repeated id fails with ErrDuplicateSession.
func (s *SQLiteStore) AppendSession(ctx context.Context, userID string, session *domain.PastSession) error {
	if session == nil {
		return errors.New("append session: nil session")
	}
	configJSON, err := json.Marshal(session.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	evaluationJSON, err := json.Marshal(session.Evaluation)
	if err != nil {
		return fmt.Errorf("encode evaluation: %w", err)
	}

	query := `INSERT INTO sessions (id, user_id, date, config, evaluation) VALUES (?, ?, ?, ?, ?)`
	err = shared.RetryOnConflict(ctx, writeRetries, writeRetryDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			session.ID, userID, session.Date, string(configJSON), string(evaluationJSON),
		)
		return execErr
	})
	if shared.IsSQLiteUniqueError(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, session.ID)
	}
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `SELECT user_id, phone, last_seen_at, created_at FROM users WHERE user_id = ?`

	var user domain.User
	var lastSeen, createdAt int64
	err := s.db.QueryRowContext(ctx, query, userID).Scan(&user.UserID, &user.Phone, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	return &user, nil
}

// UpsertUser creates a user record or refreshes phone and last login.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, phone, last_seen_at, created_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		phone = excluded.phone,
		last_seen_at = excluded.last_seen_at`

	err := shared.RetryOnConflict(ctx, writeRetries, writeRetryDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			user.UserID, user.Phone, user.LastSeenAt.Unix(), user.CreatedAt.Unix(),
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}
