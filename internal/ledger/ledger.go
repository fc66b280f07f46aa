// Package ledger records transport requests and provider token usage in a
// small SQLite database for the admin dashboard.
package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/projmem/internal/chat"
)

//go:embed schema.sql
var schemaSQL string

const defaultLimit = 20

// tsLayout keeps a fixed width so created_at sorts as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Request captures one request handled by a transport.
type Request struct {
	ID         int64
	Transport  string
	Method     string
	ToolName   string
	Success    bool
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// Usage is one provider call with its token counts.
type Usage struct {
	ID               int64
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	DurationMS       int64
	Success          bool
	CreatedAt        time.Time
}

// ProviderUsage aggregates Usage rows per provider.
type ProviderUsage struct {
	Provider      string
	Calls         int64
	Failures      int64
	TotalTokens   int64
	AvgDurationMS float64
}

// Stats summarizes ledger counters.
type Stats struct {
	Requests      int64
	Errors        int64
	ProviderCalls int64
	TotalTokens   int64
}

// Ledger is the SQLite-backed activity log.
type Ledger struct {
	db     *sql.DB
	logger *log.Logger
}

var _ chat.UsageSink = (*Ledger)(nil)

// Open opens and initializes the ledger at dbPath.
func Open(ctx context.Context, dbPath string, logger *log.Logger) (*Ledger, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	l := &Ledger{db: db, logger: logger}
	if err := l.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("ledger opened", "path", dbPath)
	return l, nil
}

func (l *Ledger) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := l.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(tsLayout)
}

// LogRequest stores one request event.
func (l *Ledger) LogRequest(ctx context.Context, rec Request) error {
	method := strings.TrimSpace(rec.Method)
	if method == "" {
		method = "unknown"
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO requests (
		transport, method, tool_name, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(rec.Transport),
		method,
		strings.TrimSpace(rec.ToolName),
		boolInt(rec.Success),
		strings.TrimSpace(rec.ErrorText),
		rec.DurationMS,
		timestamp(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// RecordUsage stores one provider call.
func (l *Ledger) RecordUsage(ctx context.Context, ev chat.UsageEvent) error {
	total := ev.Usage.TotalTokens
	if total == 0 {
		total = ev.Usage.PromptTokens + ev.Usage.CompletionTokens
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO usage (
		provider, model, prompt_tokens, completion_tokens, total_tokens, duration_ms, success, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Provider,
		ev.Model,
		ev.Usage.PromptTokens,
		ev.Usage.CompletionTokens,
		total,
		ev.Duration.Milliseconds(),
		boolInt(ev.Success),
		timestamp(time.Time{}),
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// Stats returns the ledger counters.
func (l *Ledger) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := l.db.QueryRowContext(ctx, `SELECT count(*) FROM requests`).Scan(&st.Requests); err != nil {
		return st, err
	}
	if err := l.db.QueryRowContext(ctx, `SELECT count(*) FROM requests WHERE success = 0`).Scan(&st.Errors); err != nil {
		return st, err
	}
	if err := l.db.QueryRowContext(ctx, `SELECT count(*), coalesce(sum(total_tokens), 0) FROM usage`).Scan(&st.ProviderCalls, &st.TotalTokens); err != nil {
		return st, err
	}
	return st, nil
}

// RecentRequests returns request events newest first.
func (l *Ledger) RecentRequests(ctx context.Context, limit int) ([]Request, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := l.db.QueryContext(ctx, `SELECT id, transport, method, tool_name, success, error_text, duration_ms, created_at
FROM requests
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	items := make([]Request, 0, limit)
	for rows.Next() {
		var (
			row            Request
			successAsInt   int
			createdAtValue string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Transport,
			&row.Method,
			&row.ToolName,
			&successAsInt,
			&row.ErrorText,
			&row.DurationMS,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		row.Success = successAsInt == 1
		row.CreatedAt = parseTime(createdAtValue)
		items = append(items, row)
	}
	return items, rows.Err()
}

// RecentUsage returns provider calls newest first.
func (l *Ledger) RecentUsage(ctx context.Context, limit int) ([]Usage, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := l.db.QueryContext(ctx, `SELECT id, provider, model, prompt_tokens, completion_tokens, total_tokens, duration_ms, success, created_at
FROM usage
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer rows.Close()

	items := make([]Usage, 0, limit)
	for rows.Next() {
		var (
			row            Usage
			successAsInt   int
			createdAtValue string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Provider,
			&row.Model,
			&row.PromptTokens,
			&row.CompletionTokens,
			&row.TotalTokens,
			&row.DurationMS,
			&successAsInt,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		row.Success = successAsInt == 1
		row.CreatedAt = parseTime(createdAtValue)
		items = append(items, row)
	}
	return items, rows.Err()
}

// UsageByProvider aggregates usage per provider, busiest first.
func (l *Ledger) UsageByProvider(ctx context.Context) ([]ProviderUsage, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT provider,
	count(*),
	coalesce(sum(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0),
	coalesce(sum(total_tokens), 0),
	coalesce(avg(duration_ms), 0)
FROM usage
GROUP BY provider
ORDER BY count(*) DESC, provider ASC`)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	defer rows.Close()

	var items []ProviderUsage
	for rows.Next() {
		var row ProviderUsage
		if err := rows.Scan(&row.Provider, &row.Calls, &row.Failures, &row.TotalTokens, &row.AvgDurationMS); err != nil {
			return nil, fmt.Errorf("scan provider usage: %w", err)
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

// Prune deletes rows older than before and returns how many went.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	cutoff := timestamp(before)
	var n int64
	for _, table := range []string{"requests", "usage"} {
		res, err := l.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE created_at < ?`, cutoff)
		if err != nil {
			return n, fmt.Errorf("prune %s: %w", table, err)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	return n, nil
}

func parseTime(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts
}

func (l *Ledger) Close() error {
	return l.db.Close()
}
