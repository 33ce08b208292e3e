// Package store persists per-conversation state in SQLite: the AI session
// reference, the last inbound/outbound activity timestamp, and the follow-up
// counter the idle monitor uses to cap proactive outreach.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no conversation exists for a user id.
var ErrNotFound = errors.New("conversation not found")

// Config holds the SQLite configuration.
type Config struct {
	// Path to the database file (default: "./data/autorocket.db")
	Path string `yaml:"path"`

	// Journal mode (default: WAL)
	JournalMode string `yaml:"journal_mode"`

	// Busy timeout in milliseconds (default: 5000)
	BusyTimeout int `yaml:"busy_timeout"`
}

// Conversation is one persisted conversation row, keyed by the platform's
// chat-user id.
type Conversation struct {
	UserID         string
	AccountID      string
	FriendID       string
	AISessionRef   string
	FollowUpCount  int
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store wraps the SQLite connection.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the conversation database and applies the schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "./data/autorocket.db"
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	// Ensure parent directory exists
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
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

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		user_id          TEXT PRIMARY KEY,
		account_id       TEXT NOT NULL DEFAULT '',
		friend_id        TEXT NOT NULL DEFAULT '',
		ai_session_ref   TEXT NOT NULL DEFAULT '',
		follow_up_count  INTEGER NOT NULL DEFAULT 0,
		last_activity_at DATETIME NOT NULL,
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_activity
		ON conversations(last_activity_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the conversation for a user id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, userID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, account_id, friend_id, ai_session_ref,
		       follow_up_count, last_activity_at, created_at, updated_at
		FROM conversations WHERE user_id = ?`, userID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %q: %w", userID, err)
	}
	return conv, nil
}

// Upsert creates the conversation row if missing and records the inbound
// activity, refreshing the account/friend identifiers either way. Returns
// the row as persisted.
func (s *Store) Upsert(ctx context.Context, userID, accountID, friendID string, activityAt time.Time) (*Conversation, error) {
	now := time.Now().UTC()
	activityAt = activityAt.UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(user_id, account_id, friend_id, last_activity_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			account_id = excluded.account_id,
			friend_id = excluded.friend_id,
			last_activity_at = excluded.last_activity_at,
			updated_at = excluded.updated_at`,
		userID, accountID, friendID, activityAt, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert conversation %q: %w", userID, err)
	}
	return s.Get(ctx, userID)
}

// Touch records activity on an existing conversation.
func (s *Store) Touch(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET last_activity_at = ?, updated_at = ?
		WHERE user_id = ?`,
		at.UTC(), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("touch conversation %q: %w", userID, err)
	}
	return requireRow(res, userID)
}

// SetSessionRef records the AI session reference for a conversation. The ref
// is written at most once; a later call with a different value is ignored so
// the backend keeps one continuous session per conversation.
func (s *Store) SetSessionRef(ctx context.Context, userID, ref string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET ai_session_ref = ?, updated_at = ?
		WHERE user_id = ? AND ai_session_ref = ''`,
		ref, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("set session ref for %q: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the row is missing or the ref was already set.
		if _, err := s.Get(ctx, userID); err != nil {
			return err
		}
	}
	return nil
}

// IncrementFollowUp bumps the follow-up counter and records outbound
// activity. Called only after a follow-up segment was actually delivered.
func (s *Store) IncrementFollowUp(ctx context.Context, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET follow_up_count = follow_up_count + 1,
		    last_activity_at = ?, updated_at = ?
		WHERE user_id = ?`,
		at.UTC(), time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("increment follow-up for %q: %w", userID, err)
	}
	return requireRow(res, userID)
}

// SaturateFollowUps raises the follow-up counter to the cap so the idle
// monitor retires the conversation. Used when the AI signals the
// conversation is over.
func (s *Store) SaturateFollowUps(ctx context.Context, userID string, limit int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET follow_up_count = MAX(follow_up_count, ?), updated_at = ?
		WHERE user_id = ?`,
		limit, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("saturate follow-ups for %q: %w", userID, err)
	}
	return requireRow(res, userID)
}

// ScanIdle returns conversations whose last activity is older than the
// cutoff and whose follow-up counter is below the cap. Order is unspecified.
func (s *Store) ScanIdle(ctx context.Context, olderThan time.Time, maxFollowUps int) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, account_id, friend_id, ai_session_ref,
		       follow_up_count, last_activity_at, created_at, updated_at
		FROM conversations
		WHERE last_activity_at < ? AND follow_up_count < ?`,
		olderThan.UTC(), maxFollowUps)
	if err != nil {
		return nil, fmt.Errorf("scan idle conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

// List returns up to limit conversations, most recently active first.
func (s *Store) List(ctx context.Context, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, account_id, friend_id, ai_session_ref,
		       follow_up_count, last_activity_at, created_at, updated_at
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()
	return collectConversations(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.UserID, &c.AccountID, &c.FriendID, &c.AISessionRef,
		&c.FollowUpCount, &c.LastActivityAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func collectConversations(rows *sql.Rows) ([]*Conversation, error) {
	var out []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func requireRow(res sql.Result, userID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %q: %w", userID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return nil
}
