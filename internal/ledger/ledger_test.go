package ledger

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/projmem/internal/chat"
	"github.com/xiy/projmem/pkg/types"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "ledger.db"), log.NewWithOptions(io.Discard, log.Options{}))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRequestsRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openTestLedger(t)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []Request{
		{Transport: "rpc", Method: "tools/call", ToolName: " ai_send_message ", Success: true, DurationMS: 12, CreatedAt: base},
		{Transport: "http", Method: "GET /projects", Success: false, ErrorText: "boom", CreatedAt: base.Add(100 * time.Millisecond)},
		{Method: "  ", Success: true, CreatedAt: base.Add(time.Second)},
	}
	for _, r := range rows {
		if err := l.LogRequest(ctx, r); err != nil {
			t.Fatalf("LogRequest() error = %v", err)
		}
	}

	got, err := l.RecentRequests(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRequests() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].Method != "unknown" {
		t.Fatalf("blank method stored as %q, want unknown", got[0].Method)
	}
	if got[1].Success || got[1].ErrorText != "boom" || got[1].Transport != "http" {
		t.Fatalf("second row = %+v", got[1])
	}
	if !got[1].CreatedAt.Equal(base.Add(100 * time.Millisecond)) {
		t.Fatalf("created_at = %v", got[1].CreatedAt)
	}

	all, err := l.RecentRequests(ctx, 0)
	if err != nil {
		t.Fatalf("RecentRequests(0) error = %v", err)
	}
	if len(all) != 3 || all[2].ToolName != "ai_send_message" {
		t.Fatalf("RecentRequests(0) = %+v", all)
	}
}

func TestUsageAndStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openTestLedger(t)

	events := []chat.UsageEvent{
		{Provider: "openai", Model: "gpt-4", Usage: types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}, Duration: 200 * time.Millisecond, Success: true},
		{Provider: "openai", Model: "gpt-4", Usage: types.Usage{PromptTokens: 3, CompletionTokens: 2}, Duration: 100 * time.Millisecond, Success: true},
		{Provider: "local", Model: "llama3", Duration: 50 * time.Millisecond, Success: false},
	}
	for _, ev := range events {
		if err := l.RecordUsage(ctx, ev); err != nil {
			t.Fatalf("RecordUsage() error = %v", err)
		}
	}
	if err := l.LogRequest(ctx, Request{Method: "ping", Success: true}); err != nil {
		t.Fatalf("LogRequest() error = %v", err)
	}
	if err := l.LogRequest(ctx, Request{Method: "tools/call", ErrorText: "bad"}); err != nil {
		t.Fatalf("LogRequest() error = %v", err)
	}

	st, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Requests != 2 || st.Errors != 1 || st.ProviderCalls != 3 || st.TotalTokens != 20 {
		t.Fatalf("Stats() = %+v", st)
	}

	byProvider, err := l.UsageByProvider(ctx)
	if err != nil {
		t.Fatalf("UsageByProvider() error = %v", err)
	}
	if len(byProvider) != 2 {
		t.Fatalf("expected 2 providers, got %+v", byProvider)
	}
	if p := byProvider[0]; p.Provider != "openai" || p.Calls != 2 || p.TotalTokens != 20 || p.AvgDurationMS != 150 {
		t.Fatalf("openai usage = %+v", p)
	}
	if p := byProvider[1]; p.Provider != "local" || p.Failures != 1 {
		t.Fatalf("local usage = %+v", p)
	}

	recent, err := l.RecentUsage(ctx, 10)
	if err != nil {
		t.Fatalf("RecentUsage() error = %v", err)
	}
	if len(recent) != 3 || recent[0].Provider != "local" || recent[0].Success {
		t.Fatalf("RecentUsage() = %+v", recent)
	}
	if recent[1].TotalTokens != 5 {
		t.Fatalf("missing total should be derived, got %d", recent[1].TotalTokens)
	}
}

func TestPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := openTestLedger(t)

	old := time.Now().Add(-48 * time.Hour)
	if err := l.LogRequest(ctx, Request{Method: "ping", Success: true, CreatedAt: old}); err != nil {
		t.Fatalf("LogRequest() error = %v", err)
	}
	if err := l.LogRequest(ctx, Request{Method: "ping", Success: true}); err != nil {
		t.Fatalf("LogRequest() error = %v", err)
	}
	n, err := l.Prune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Prune() removed %d rows, want 1", n)
	}
	st, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.Requests != 1 {
		t.Fatalf("requests after prune = %d", st.Requests)
	}
}

func TestSplitSQLStatements(t *testing.T) {
	t.Parallel()
	got := splitSQLStatements("CREATE TABLE a (x);\n\n  ;CREATE INDEX i ON a(x)")
	if len(got) != 2 || got[0] != "CREATE TABLE a (x);" || got[1] != "CREATE INDEX i ON a(x);" {
		t.Fatalf("splitSQLStatements() = %q", got)
	}
}
