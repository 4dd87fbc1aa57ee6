package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xiaot623/chatsync/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			message_id TEXT NOT NULL UNIQUE,
			client_temp_id TEXT,
			from_user TEXT NOT NULL,
			to_user TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			media_ref TEXT,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			status_rank INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			edited_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(from_user, to_user, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient_status ON messages(to_user, status_rank)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_temp
			ON messages(from_user, client_temp_id) WHERE client_temp_id IS NOT NULL AND client_temp_id != ''`,
		// A clear hides everything up to the watermark for one viewer only.
		`CREATE TABLE IF NOT EXISTS conversation_clears (
			user_id TEXT NOT NULL,
			counterparty_id TEXT NOT NULL,
			cleared_through INTEGER NOT NULL,
			cleared_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, counterparty_id)
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const messageColumns = `message_id, COALESCE(client_temp_id, ''), from_user, to_user, content,
	COALESCE(media_ref, ''), kind, status, created_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var m domain.Message
	var kind, status string
	if err := row.Scan(&m.ID, &m.ClientTempID, &m.From, &m.To, &m.Content, &m.MediaRef, &kind, &status, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Kind = domain.Kind(kind)
	m.Status = domain.Status(status)
	m.CreatedAt = m.CreatedAt.UTC()
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *m)
	}
	return messages, rows.Err()
}

// CreateMessage persists a new message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	message.CreatedAt = message.CreatedAt.UTC()

	var tempID interface{}
	if message.ClientTempID != "" {
		tempID = message.ClientTempID
	}
	var mediaRef interface{}
	if message.MediaRef != "" {
		mediaRef = message.MediaRef
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (message_id, client_temp_id, from_user, to_user, content, media_ref, kind, status, status_rank, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		message.ID, tempID, message.From, message.To, message.Content, mediaRef,
		string(message.Kind), string(message.Status), message.Status.Rank(), message.CreatedAt)
	return err
}

// GetMessage retrieves a message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// GetMessageByClientTempID retrieves the message a sender persisted under a client temp id.
func (s *SQLiteStore) GetMessageByClientTempID(ctx context.Context, fromUserID, clientTempID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE from_user = ? AND client_temp_id = ?`,
		fromUserID, clientTempID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// UpdateMessageContent replaces the text of a message.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ?, edited_at = ? WHERE message_id = ?`,
		content, time.Now().UTC(), messageID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetConversation returns the ordered log between viewer and counterparty,
// excluding entries the viewer has cleared.
func (s *SQLiteStore) GetConversation(ctx context.Context, viewerID, counterpartyID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE ((from_user = ? AND to_user = ?) OR (from_user = ? AND to_user = ?))
		  AND seq > COALESCE((SELECT cleared_through FROM conversation_clears WHERE user_id = ? AND counterparty_id = ?), 0)
		ORDER BY created_at ASC, seq ASC`,
		viewerID, counterpartyID, counterpartyID, viewerID, viewerID, counterpartyID)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// ClearConversation hides the current conversation for viewer only.
func (s *SQLiteStore) ClearConversation(ctx context.Context, viewerID, counterpartyID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_clears (user_id, counterparty_id, cleared_through, cleared_at)
		VALUES (?, ?, COALESCE((
			SELECT MAX(seq) FROM messages
			WHERE (from_user = ? AND to_user = ?) OR (from_user = ? AND to_user = ?)
		), 0), ?)
		ON CONFLICT(user_id, counterparty_id) DO UPDATE SET
			cleared_through = excluded.cleared_through,
			cleared_at = excluded.cleared_at`,
		viewerID, counterpartyID, viewerID, counterpartyID, counterpartyID, viewerID, time.Now().UTC())
	return err
}

// UnreadMessageIDs returns, per sender, the ids of visible messages to userID
// that are not read, oldest first.
func (s *SQLiteStore) UnreadMessageIDs(ctx context.Context, userID string) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.from_user, m.message_id
		FROM messages m
		LEFT JOIN conversation_clears c ON c.user_id = m.to_user AND c.counterparty_id = m.from_user
		WHERE m.to_user = ? AND m.status_rank < ? AND m.seq > COALESCE(c.cleared_through, 0)
		ORDER BY m.seq`,
		userID, domain.StatusRead.Rank())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	unread := make(map[string][]string)
	for rows.Next() {
		var from, id string
		if err := rows.Scan(&from, &id); err != nil {
			return nil, err
		}
		unread[from] = append(unread[from], id)
	}
	return unread, rows.Err()
}

// AdvanceStatus moves a message forward in its lifecycle.
// It reports false when the message is already at or past status.
func (s *SQLiteStore) AdvanceStatus(ctx context.Context, messageID string, status domain.Status) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET status = ?, status_rank = ? WHERE message_id = ? AND status_rank < ?`,
		string(status), status.Rank(), messageID, status.Rank())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkConversationRead flips every unread message from sender to reader and
// returns the messages that changed.
func (s *SQLiteStore) MarkConversationRead(ctx context.Context, readerID, senderID string) ([]domain.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE from_user = ? AND to_user = ? AND status_rank < ?
		ORDER BY created_at ASC, seq ASC`,
		senderID, readerID, domain.StatusRead.Rank())
	if err != nil {
		return nil, err
	}
	changed, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE messages SET status = ?, status_rank = ?
		WHERE from_user = ? AND to_user = ? AND status_rank < ?`,
		string(domain.StatusRead), domain.StatusRead.Rank(), senderID, readerID, domain.StatusRead.Rank()); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	for i := range changed {
		changed[i].Status = domain.StatusRead
	}
	return changed, nil
}

// PendingDeliveries returns messages addressed to recipient that no live session has received yet.
func (s *SQLiteStore) PendingDeliveries(ctx context.Context, recipientID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE to_user = ? AND status_rank = ?
		ORDER BY created_at ASC, seq ASC`,
		recipientID, domain.StatusSent.Rank())
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// IsUniqueViolation reports whether err is a SQLite unique constraint failure.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
