// Package store implements the SQLite persistence layer for taskmate:
// user records with their Atlassian credentials, the append-only
// conversation log, and collected feedback.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite database connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Config holds SQLite-specific configuration.
type Config struct {
	Path          string
	BusyTimeoutMs int
}

// Open opens or creates the taskmate database with WAL journaling and
// applies pending schema migrations.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		cfg.Path = "./data/taskmate.db"
	}
	if cfg.BusyTimeoutMs == 0 {
		cfg.BusyTimeoutMs = 5000
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=ON",
		cfg.Path, cfg.BusyTimeoutMs)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens a fresh in-memory database. Used by tests.
func OpenMemory(logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// A second connection to :memory: would see a different database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components that share the database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrations, applied in order. Version = index + 1.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		telegram_id INTEGER NOT NULL UNIQUE,
		access_token TEXT,
		refresh_token TEXT,
		cloud_id TEXT,
		domain TEXT,
		expires_at DATETIME,
		awaiting_feedback INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		role TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, timestamp, id);
	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
}

// migrate applies schema migrations past the recorded version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		s.logger.Info("schema migration applied", "version", version)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Users / credentials
// ─────────────────────────────────────────────────────────────────────────────

// User is one end-user principal with their Atlassian credential.
type User struct {
	ID               int64
	TelegramID       int64
	AccessToken      string
	RefreshToken     string
	CloudID          string
	Domain           string
	ExpiresAt        *time.Time
	AwaitingFeedback bool
	CreatedAt        time.Time
}

// Authenticated reports whether the user has an access token stored.
func (u *User) Authenticated() bool {
	return u.AccessToken != ""
}

// GetOrCreateUser returns the user for a Telegram chat id, creating an
// empty record on first contact.
func (s *Store) GetOrCreateUser(ctx context.Context, telegramID int64) (*User, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (telegram_id) VALUES (?) ON CONFLICT(telegram_id) DO NOTHING`,
		telegramID); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return s.UserByTelegramID(ctx, telegramID)
}

// UserByTelegramID fetches a user by Telegram chat id.
func (s *Store) UserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE telegram_id = ?`, telegramID))
}

// UserByID fetches a user by internal id.
func (s *Store) UserByID(ctx context.Context, id int64) (*User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id))
}

const userColumns = `id, telegram_id,
	COALESCE(access_token, ''), COALESCE(refresh_token, ''),
	COALESCE(cloud_id, ''), COALESCE(domain, ''),
	expires_at, awaiting_feedback, created_at`

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var (
		u         User
		expiresAt sql.NullTime
	)
	err := row.Scan(&u.ID, &u.TelegramID, &u.AccessToken, &u.RefreshToken,
		&u.CloudID, &u.Domain, &expiresAt, &u.AwaitingFeedback, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		u.ExpiresAt = &t
	}
	return &u, nil
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = sql.ErrNoRows

// Credential is the token portion of a user record, written atomically.
type Credential struct {
	AccessToken  string
	RefreshToken string
	CloudID      string
	Domain       string
	ExpiresAt    *time.Time
}

// SaveCredential replaces the whole credential for a user in one statement
// (last writer wins on the full record).
func (s *Store) SaveCredential(ctx context.Context, userID int64, cred Credential) error {
	var expiresAt any
	if cred.ExpiresAt != nil {
		expiresAt = cred.ExpiresAt.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_token = ?, refresh_token = ?, cloud_id = ?, domain = ?, expires_at = ?
		 WHERE id = ?`,
		nullable(cred.AccessToken), nullable(cred.RefreshToken),
		nullable(cred.CloudID), nullable(cred.Domain), expiresAt, userID)
	if err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearAccessToken marks a user unauthenticated while keeping the stale
// record in place for inspection. The refresh token is never deleted here.
func (s *Store) ClearAccessToken(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET access_token = NULL, expires_at = NULL WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("clear access token: %w", err)
	}
	return nil
}

// UsersExpiringBefore returns users whose credential expires at or before
// the threshold. Used by the proactive refresh sweep.
func (s *Store) UsersExpiringBefore(ctx context.Context, threshold time.Time) ([]*User, error) {
	return s.queryUsers(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE access_token IS NOT NULL AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY id`, threshold.UTC())
}

// AuthenticatedUsers returns users with a token and a resolved cloud id.
// Used by the daily digest.
func (s *Store) AuthenticatedUsers(ctx context.Context) ([]*User, error) {
	return s.queryUsers(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE access_token IS NOT NULL AND cloud_id IS NOT NULL
		 ORDER BY id`)
}

// AllUsers returns every registered user. Used by the feedback prompt job.
func (s *Store) AllUsers(ctx context.Context) ([]*User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var (
			u         User
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.TelegramID, &u.AccessToken, &u.RefreshToken,
			&u.CloudID, &u.Domain, &expiresAt, &u.AwaitingFeedback, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if expiresAt.Valid {
			t := expiresAt.Time
			u.ExpiresAt = &t
		}
		users = append(users, &u)
	}
	return users, rows.Err()
}

// SetAwaitingFeedback flips the feedback flag for a user.
func (s *Store) SetAwaitingFeedback(ctx context.Context, userID int64, awaiting bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET awaiting_feedback = ? WHERE id = ?`, awaiting, userID)
	if err != nil {
		return fmt.Errorf("set awaiting_feedback: %w", err)
	}
	return nil
}

// AddFeedback stores a feedback entry.
func (s *Store) AddFeedback(ctx context.Context, userID int64, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feedback (user_id, content) VALUES (?, ?)`, userID, content)
	if err != nil {
		return fmt.Errorf("add feedback: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
