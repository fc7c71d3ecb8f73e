// Package requestlog persists one record per chat request for offline
// analysis. Writes happen off the request path and failures are only
// logged.
package requestlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

// Entry is one chat request outcome.
type Entry struct {
	TraceID          string    `json:"trace_id"`
	Endpoint         string    `json:"endpoint"`
	UserID           string    `json:"user_id,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Model            string    `json:"model,omitempty"`
	Outcome          string    `json:"outcome"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	LatencyMS        int64     `json:"latency_ms"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Query filters List results.
type Query struct {
	Limit    int
	Offset   int
	Endpoint string
	Outcome  string
}

// ListResult is a page of entries plus the total matching count.
type ListResult struct {
	Data  []Entry `json:"data"`
	Total int     `json:"total"`
}

// OutcomeStats aggregates entries sharing an outcome.
type OutcomeStats struct {
	Outcome      string  `json:"outcome"`
	Count        int     `json:"count"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

// Summary aggregates the whole log.
type Summary struct {
	Total    int            `json:"total"`
	Outcomes []OutcomeStats `json:"outcomes"`
}

// Writer persists request log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

// Write implements Writer.
func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

// Open creates a writer for dsn. A postgres:// or postgresql:// DSN selects
// Postgres; anything else is treated as a SQLite path.
func Open(dsn string) (*SQLWriter, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgresWriter(dsn)
	}
	return NewSQLiteWriter(dsn)
}

// NewSQLiteWriter creates a SQLite-backed writer.
func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "chatrelay-requests.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite request log writer: %w", err)
	}
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// NewPostgresWriter creates a Postgres-backed writer.
func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres request log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s request log writer: %w", w.dialect, err)
	}

	id, ts := "INTEGER PRIMARY KEY", "TIMESTAMP"
	if w.dialect == "postgres" {
		id, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	ddl := `
CREATE TABLE IF NOT EXISTS chat_request_logs (
	id ` + id + `,
	trace_id TEXT,
	endpoint TEXT NOT NULL,
	user_id TEXT,
	provider TEXT,
	model TEXT,
	outcome TEXT NOT NULL,
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	latency_ms BIGINT NOT NULL,
	error_message TEXT,
	created_at ` + ts + ` NOT NULL
)`
	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize request log schema: %w", err)
	}
	return nil
}

// Write implements Writer.
func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := w.db.ExecContext(ctx, w.bind(`INSERT INTO chat_request_logs(
	trace_id, endpoint, user_id, provider, model, outcome, prompt_tokens, completion_tokens, latency_ms, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.TraceID,
		entry.Endpoint,
		entry.UserID,
		entry.Provider,
		entry.Model,
		entry.Outcome,
		entry.PromptTokens,
		entry.CompletionTokens,
		entry.LatencyMS,
		entry.ErrorMessage,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("write request log: %w", err)
	}
	return nil
}

// List returns entries newest first.
func (w *SQLWriter) List(ctx context.Context, q Query) (*ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	where, args := q.where()

	var total int
	if err := w.db.QueryRowContext(ctx, w.bind(`SELECT COUNT(*) FROM chat_request_logs`+where), args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count request logs: %w", err)
	}

	rows, err := w.db.QueryContext(ctx, w.bind(`SELECT trace_id, endpoint, user_id, provider, model, outcome,
	prompt_tokens, completion_tokens, latency_ms, error_message, created_at
	FROM chat_request_logs`+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`),
		append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("list request logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	res := &ListResult{Data: []Entry{}, Total: total}
	for rows.Next() {
		var (
			e                                   Entry
			traceID, userID, provider, model, m sql.NullString
		)
		if err := rows.Scan(&traceID, &e.Endpoint, &userID, &provider, &model, &e.Outcome,
			&e.PromptTokens, &e.CompletionTokens, &e.LatencyMS, &m, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan request log: %w", err)
		}
		e.TraceID, e.UserID, e.Provider, e.Model, e.ErrorMessage = traceID.String, userID.String, provider.String, model.String, m.String
		res.Data = append(res.Data, e)
	}
	return res, rows.Err()
}

// Delete removes entries created before the cutoff and returns how many
// were removed.
func (w *SQLWriter) Delete(ctx context.Context, before time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, w.bind(`DELETE FROM chat_request_logs WHERE created_at < ?`), before)
	if err != nil {
		return 0, fmt.Errorf("delete request logs: %w", err)
	}
	return res.RowsAffected()
}

// Summarize returns counts and mean latency per outcome.
func (w *SQLWriter) Summarize(ctx context.Context) (*Summary, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT outcome, COUNT(*), AVG(latency_ms)
	FROM chat_request_logs GROUP BY outcome ORDER BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("summarize request logs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	sum := &Summary{Outcomes: []OutcomeStats{}}
	for rows.Next() {
		var (
			s   OutcomeStats
			avg sql.NullFloat64
		)
		if err := rows.Scan(&s.Outcome, &s.Count, &avg); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		s.AvgLatencyMS = avg.Float64
		sum.Total += s.Count
		sum.Outcomes = append(sum.Outcomes, s)
	}
	return sum, rows.Err()
}

// Close releases the database handle.
func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (q Query) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if q.Endpoint != "" {
		clauses = append(clauses, "endpoint = ?")
		args = append(args, q.Endpoint)
	}
	if q.Outcome != "" {
		clauses = append(clauses, "outcome = ?")
		args = append(args, q.Outcome)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (w *SQLWriter) bind(query string) string {
	if w.dialect != "postgres" {
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
