// Package chat holds the conversation with the selected LLM provider.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"

	"github.com/xiy/projmem/internal/metrics"
	"github.com/xiy/projmem/internal/provider"
	"github.com/xiy/projmem/pkg/types"
)

var (
	// ErrNoProviderSelected is returned by sends made before SetProvider succeeded.
	ErrNoProviderSelected = errors.New("no AI provider selected")

	// ErrNoDiagnostics is returned by Diagnose for providers without endpoint checks.
	ErrNoDiagnostics = errors.New("provider has no diagnostics")
)

// UsageEvent describes one completed provider call.
type UsageEvent struct {
	Provider string
	Model    string
	Usage    types.Usage
	Duration time.Duration
	Success  bool
}

// UsageSink receives a UsageEvent after every send.
type UsageSink interface {
	RecordUsage(ctx context.Context, ev UsageEvent) error
}

// Options configures a Session.
type Options struct {
	Registry *provider.Registry
	Logger   *log.Logger
	Metrics  *metrics.Metrics
	Usage    UsageSink
	Now      func() time.Time
}

// Session is an ordered conversation bound to at most one provider. Every
// send replays the whole history.
type Session struct {
	reg     *provider.Registry
	logger  *log.Logger
	metrics *metrics.Metrics
	usage   UsageSink
	now     func() time.Time

	// sendMu serializes sends so each one sees the previous answer.
	sendMu sync.Mutex

	mu      sync.Mutex
	current provider.Provider
	history []types.Message
	// gen changes whenever the history is replaced wholesale.
	gen uint64
}

// NewSession returns a session with no provider selected.
func NewSession(opts Options) *Session {
	if opts.Registry == nil {
		opts.Registry = provider.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		reg:     opts.Registry,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		usage:   opts.Usage,
		now:     opts.Now,
	}
}

// Registry returns the providers the session can select from.
func (s *Session) Registry() *provider.Registry { return s.reg }

// Providers lists every provider with its configured and selected state.
func (s *Session) Providers() []types.ProviderInfo {
	return s.reg.Infos(s.currentID())
}

// CurrentProvider describes the selected provider.
func (s *Session) CurrentProvider() (types.ProviderInfo, bool) {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()
	if p == nil {
		return types.ProviderInfo{}, false
	}
	return types.ProviderInfo{ID: p.ID(), Name: p.Name(), IsConfigured: p.IsConfigured(), IsCurrent: true}, true
}

func (s *Session) currentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.ID()
}

// SetProvider configures the provider with id and selects it. An unknown id
// returns an error matching provider.ErrUnknownProvider. A failed Configure
// returns false with the configuration error and keeps the current selection.
func (s *Session) SetProvider(ctx context.Context, id string, cfg provider.Config) (bool, error) {
	p, err := s.reg.Get(id)
	if err != nil {
		return false, err
	}
	if err := p.Configure(ctx, cfg); err != nil {
		s.logger.Warn("provider configuration rejected", "provider", id, "error", err)
		return false, err
	}
	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	s.logger.Info("provider selected", "provider", id)
	return true, nil
}

// TestConnection probes the selected provider. False when none is selected.
func (s *Session) TestConnection(ctx context.Context) bool {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()
	if p == nil {
		return false
	}
	return p.TestConnection(ctx)
}

// Models lists the selected provider's models, or nil when none is selected.
func (s *Session) Models(ctx context.Context) []string {
	s.mu.Lock()
	p := s.current
	s.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Models(ctx)
}

// Diagnose runs the endpoint checks of provider id, or of the selected
// provider when id is empty.
func (s *Session) Diagnose(ctx context.Context, id string) ([]provider.Endpoint, error) {
	if id == "" {
		if id = s.currentID(); id == "" {
			return nil, ErrNoProviderSelected
		}
	}
	p, err := s.reg.Get(id)
	if err != nil {
		return nil, err
	}
	d, ok := p.(provider.Diagnoser)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNoDiagnostics)
	}
	return d.Diagnose(ctx)
}

// Send appends text as a user message, sends the full history and appends
// the answer. When the provider fails the user message stays in the history.
func (s *Session) Send(ctx context.Context, text string, mc types.MessageContext) (types.Response, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	p := s.current
	if p == nil {
		s.mu.Unlock()
		return types.Response{}, ErrNoProviderSelected
	}
	s.history = append(s.history, types.Message{
		Role:      types.RoleUser,
		Content:   text,
		Context:   mc.Map(),
		Timestamp: s.now().UnixMilli(),
	})
	msgs := append([]types.Message(nil), s.history...)
	gen := s.gen
	s.mu.Unlock()

	start := s.now()
	resp, err := p.SendMessage(ctx, msgs, mc)
	elapsed := s.now().Sub(start)
	s.metrics.ProviderRequest(p.ID(), elapsed, err == nil)
	s.recordUsage(ctx, p.ID(), resp, elapsed, err == nil)

	if err != nil {
		werr := goerr.Wrap(err, "AI request failed", goerr.V("provider", p.ID()), goerr.V("history", len(msgs)))
		s.logger.Warn("send failed", "provider", p.ID(), "error", err)
		return types.Response{}, werr
	}
	if resp.Usage != nil {
		s.metrics.ProviderTokens(p.ID(), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	}

	s.mu.Lock()
	if s.gen == gen {
		s.history = append(s.history, types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Content,
			Timestamp: s.now().UnixMilli(),
		})
	}
	s.mu.Unlock()
	return resp, nil
}

func (s *Session) recordUsage(ctx context.Context, id string, resp types.Response, d time.Duration, ok bool) {
	if s.usage == nil {
		return
	}
	ev := UsageEvent{Provider: id, Model: resp.Model, Duration: d, Success: ok}
	if resp.Usage != nil {
		ev.Usage = *resp.Usage
	}
	if err := s.usage.RecordUsage(ctx, ev); err != nil {
		s.logger.Warn("usage record failed", "provider", id, "error", err)
	}
}

// Clear empties the history.
func (s *Session) Clear() {
	s.Replace(nil)
}

// Replace sets the history wholesale, for example from a stored project.
func (s *Session) Replace(msgs []types.Message) {
	s.mu.Lock()
	s.history = append([]types.Message(nil), msgs...)
	s.gen++
	s.mu.Unlock()
}

// History returns a copy of the conversation.
func (s *Session) History() []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message{}, s.history...)
}

// Export renders the history as indented JSON.
func (s *Session) Export() ([]byte, error) {
	return json.MarshalIndent(s.History(), "", "  ")
}

// Import replaces the history with the JSON array in data. Invalid input
// leaves the history untouched.
func (s *Session) Import(data []byte) error {
	var msgs []types.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return fmt.Errorf("decode conversation: %w", err)
	}
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	s.Replace(msgs)
	return nil
}
