package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore persists conversations in SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
	now     func() time.Time
}

// Open creates a store for driver ("sqlite" or "postgres").
func Open(driver, dsn string) (*SQLStore, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLiteStore creates a SQLite-backed store. dsn can be a file path or a
// SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "chatrelay.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, dialectSQLite)
}

// NewPostgresStore creates a Postgres-backed store, e.g. against the
// Supabase database.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	return newSQLStore(db, dialectPostgres)
}

func newSQLStore(db *sql.DB, dialect sqlDialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s store: %w", s.dialect, err)
	}

	ts := "DATETIME"
	if s.dialect == dialectPostgres {
		ts = "TIMESTAMPTZ"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	created_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize %s store schema: %w", s.dialect, err)
		}
	}
	return nil
}

// ListConversations implements Store.
func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(
		`SELECT id, user_id, created_at FROM conversations WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	convs := []Conversation{}
	index := map[string]int{}
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.Messages = []Message{}
		index[c.ID] = len(convs)
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(convs) == 0 {
		return convs, nil
	}

	msgs, err := s.queryMessages(ctx,
		`SELECT id, conversation_id, user_id, role, content, created_at FROM messages WHERE user_id = ? ORDER BY created_at ASC`,
		userID)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if i, ok := index[m.ConversationID]; ok {
			convs[i].Messages = append(convs[i].Messages, m)
		}
	}
	return convs, nil
}

// CreateConversation implements Store.
func (s *SQLStore) CreateConversation(ctx context.Context, userID string) (*Conversation, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	c := &Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: s.now(),
		Messages:  []Message{},
	}
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO conversations(id, user_id, created_at) VALUES(?, ?, ?)`),
		c.ID, c.UserID, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

// ListMessages implements Store.
func (s *SQLStore) ListMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	if err := s.checkOwner(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	return s.queryMessages(ctx,
		`SELECT id, conversation_id, user_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`,
		conversationID)
}

// CreateMessage implements Store.
func (s *SQLStore) CreateMessage(ctx context.Context, msg Message) (*Message, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if err := s.checkOwner(ctx, msg.UserID, msg.ConversationID); err != nil {
		return nil, err
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.now()
	msg.Ephemeral = false
	_, err := s.db.ExecContext(ctx, s.bind(
		`INSERT INTO messages(id, conversation_id, user_id, role, content, created_at) VALUES(?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.UserID, msg.Role, msg.Content, msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	return &msg, nil
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements Store.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) checkOwner(ctx context.Context, userID, conversationID string) error {
	var owner string
	err := s.db.QueryRowContext(ctx, s.bind(
		`SELECT user_id FROM conversations WHERE id = ?`), conversationID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	if owner != userID {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) queryMessages(ctx context.Context, query string, arg any) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(query), arg)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	msgs := []Message{}
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// bind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", argNum)
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
