package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/projmem/internal/provider"
	"github.com/xiy/projmem/pkg/types"
)

// fakeProvider answers with a canned reply and records what it was sent.
type fakeProvider struct {
	id        string
	reply     string
	sendErr   error
	configErr error

	mu         sync.Mutex
	configured bool
	sent       [][]types.Message
}

func (f *fakeProvider) ID() string   { return f.id }
func (f *fakeProvider) Name() string { return strings.ToUpper(f.id) }

func (f *fakeProvider) IsConfigured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured
}

func (f *fakeProvider) Configure(context.Context, provider.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.configErr != nil {
		return f.configErr
	}
	f.configured = true
	return nil
}

func (f *fakeProvider) SendMessage(_ context.Context, msgs []types.Message, _ types.MessageContext) (types.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msgs)
	if f.sendErr != nil {
		return types.Response{}, f.sendErr
	}
	return types.Response{
		Content: f.reply,
		Model:   f.id + "-model",
		Usage:   &types.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}, nil
}

func (f *fakeProvider) Models(context.Context) []string     { return []string{f.id + "-model"} }
func (f *fakeProvider) TestConnection(context.Context) bool { return f.IsConfigured() }

func (f *fakeProvider) lastSent() []types.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

type usageCapture struct {
	mu     sync.Mutex
	events []UsageEvent
}

func (u *usageCapture) RecordUsage(_ context.Context, ev UsageEvent) error {
	u.mu.Lock()
	u.events = append(u.events, ev)
	u.mu.Unlock()
	return nil
}

func newTestSession(t *testing.T, ps ...provider.Provider) (*Session, *usageCapture) {
	t.Helper()
	usage := &usageCapture{}
	return NewSession(Options{
		Registry: provider.NewRegistryOf(ps...),
		Logger:   log.NewWithOptions(io.Discard, log.Options{}),
		Usage:    usage,
		Now:      func() time.Time { return time.UnixMilli(1_700_000_000_000) },
	}), usage
}

func TestSendWithoutProvider(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t, &fakeProvider{id: "a"})
	if _, err := s.Send(context.Background(), "hi", types.MessageContext{}); !errors.Is(err, ErrNoProviderSelected) {
		t.Fatalf("Send() error = %v, want ErrNoProviderSelected", err)
	}
	if len(s.History()) != 0 {
		t.Fatalf("history = %v, want empty", s.History())
	}
	if s.TestConnection(context.Background()) || s.Models(context.Background()) != nil {
		t.Fatal("TestConnection/Models should be empty without a provider")
	}
}

func TestSendReplaysHistory(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{id: "a", reply: "pong"}
	s, usage := newTestSession(t, p)
	ctx := context.Background()
	if ok, err := s.SetProvider(ctx, "a", nil); !ok || err != nil {
		t.Fatalf("SetProvider() = %v, %v", ok, err)
	}

	if _, err := s.Send(ctx, "one", types.MessageContext{FilePath: "a.go"}); err != nil {
		t.Fatalf("Send(one) error = %v", err)
	}
	resp, err := s.Send(ctx, "two", types.MessageContext{})
	if err != nil {
		t.Fatalf("Send(two) error = %v", err)
	}
	if resp.Content != "pong" {
		t.Fatalf("response = %+v", resp)
	}

	sent := p.lastSent()
	if len(sent) != 3 || sent[0].Content != "one" || sent[1].Role != types.RoleAssistant || sent[2].Content != "two" {
		t.Fatalf("second send replayed %+v", sent)
	}
	h := s.History()
	if len(h) != 4 {
		t.Fatalf("history len = %d, want 4", len(h))
	}
	if h[0].Context["filePath"] != "a.go" || h[0].Timestamp != 1_700_000_000_000 {
		t.Fatalf("user message = %+v", h[0])
	}
	if len(usage.events) != 2 || usage.events[0].Usage.TotalTokens != 5 || !usage.events[0].Success {
		t.Fatalf("usage events = %+v", usage.events)
	}
}

func TestSendFailureKeepsUserMessage(t *testing.T) {
	t.Parallel()
	upstream := &provider.UpstreamError{Provider: "a", Status: 429}
	p := &fakeProvider{id: "a", sendErr: upstream}
	s, usage := newTestSession(t, p)
	ctx := context.Background()
	if _, err := s.SetProvider(ctx, "a", nil); err != nil {
		t.Fatalf("SetProvider() error = %v", err)
	}
	_, err := s.Send(ctx, "hi", types.MessageContext{})
	if err == nil || !strings.Contains(err.Error(), "AI request failed") {
		t.Fatalf("Send() error = %v", err)
	}
	var up *provider.UpstreamError
	if !errors.As(err, &up) || up.Status != 429 {
		t.Fatalf("Send() error does not wrap upstream: %v", err)
	}
	h := s.History()
	if len(h) != 1 || h[0].Role != types.RoleUser {
		t.Fatalf("history = %+v, want only the user message", h)
	}
	if len(usage.events) != 1 || usage.events[0].Success {
		t.Fatalf("usage events = %+v", usage.events)
	}
}

func TestSetProvider(t *testing.T) {
	t.Parallel()
	a := &fakeProvider{id: "a", reply: "from a"}
	b := &fakeProvider{id: "b", configErr: &provider.ConfigError{Provider: "b", Reason: "bad key"}}
	s, _ := newTestSession(t, a, b)
	ctx := context.Background()

	if _, err := s.SetProvider(ctx, "zzz", nil); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("SetProvider(zzz) error = %v", err)
	}
	if ok, _ := s.SetProvider(ctx, "a", nil); !ok {
		t.Fatal("SetProvider(a) = false")
	}
	ok, err := s.SetProvider(ctx, "b", nil)
	if ok || !errors.Is(err, provider.ErrConfiguration) {
		t.Fatalf("SetProvider(b) = %v, %v", ok, err)
	}
	cur, ok := s.CurrentProvider()
	if !ok || cur.ID != "a" {
		t.Fatalf("CurrentProvider() = %+v, %v, want a", cur, ok)
	}
	infos := s.Providers()
	if len(infos) != 2 || !infos[0].IsCurrent || !infos[0].IsConfigured || infos[1].IsConfigured {
		t.Fatalf("Providers() = %+v", infos)
	}
	if got := s.Models(ctx); len(got) != 1 || got[0] != "a-model" {
		t.Fatalf("Models() = %v", got)
	}
}

func TestExportImport(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t)
	empty, err := s.Export()
	if err != nil || string(empty) != "[]" {
		t.Fatalf("Export() empty = %q, %v", empty, err)
	}

	s.Replace([]types.Message{
		{Role: types.RoleUser, Content: "q", Timestamp: 1},
		{Role: types.RoleAssistant, Content: "a", Timestamp: 2},
	})
	data, err := s.Export()
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if !strings.Contains(string(data), "\n  {") {
		t.Fatalf("Export() not indented: %s", data)
	}

	other, _ := newTestSession(t)
	if err := other.Import(data); err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if h := other.History(); len(h) != 2 || h[1].Content != "a" {
		t.Fatalf("imported history = %+v", h)
	}

	if err := other.Import([]byte(`[{"role":"robot","content":"x"}]`)); err == nil {
		t.Fatal("Import() accepted unknown role")
	}
	if err := other.Import([]byte(`{not json`)); err == nil {
		t.Fatal("Import() accepted bad JSON")
	}
	if h := other.History(); len(h) != 2 {
		t.Fatalf("failed import changed history: %+v", h)
	}

	other.Clear()
	if len(other.History()) != 0 {
		t.Fatal("Clear() left messages")
	}
}

func TestHistoryIsCopy(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t)
	s.Replace([]types.Message{{Role: types.RoleUser, Content: "q"}})
	h := s.History()
	h[0].Content = "changed"
	if s.History()[0].Content != "q" {
		t.Fatal("History() exposed internal slice")
	}
}

type diagnosingProvider struct {
	*fakeProvider
}

func (diagnosingProvider) Diagnose(context.Context) ([]provider.Endpoint, error) {
	return []provider.Endpoint{{Path: "/", Status: 200, Available: true}}, nil
}

func TestDiagnose(t *testing.T) {
	t.Parallel()
	s, _ := newTestSession(t, &fakeProvider{id: "plain"}, diagnosingProvider{&fakeProvider{id: "diag"}})
	ctx := context.Background()

	if _, err := s.Diagnose(ctx, ""); !errors.Is(err, ErrNoProviderSelected) {
		t.Fatalf("Diagnose() without selection error = %v", err)
	}
	if _, err := s.Diagnose(ctx, "plain"); !errors.Is(err, ErrNoDiagnostics) {
		t.Fatalf("Diagnose(plain) error = %v", err)
	}
	if _, err := s.Diagnose(ctx, "nope"); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("Diagnose(nope) error = %v", err)
	}
	if _, err := s.SetProvider(ctx, "diag", nil); err != nil {
		t.Fatalf("SetProvider() error = %v", err)
	}
	eps, err := s.Diagnose(ctx, "")
	if err != nil || len(eps) != 1 || !eps[0].Available {
		t.Fatalf("Diagnose() = %+v, %v", eps, err)
	}
}
