// Package provider implements clients for the LLM backends the editor can
// talk to. Each backend satisfies Provider; they differ only in their wire
// format and in how they report failures.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/time/rate"

	"github.com/xiy/projmem/pkg/types"
)

// Provider ids.
const (
	IDOpenAI    = "openai"
	IDAnthropic = "anthropic"
	IDGoogle    = "google"
	IDLocal     = "local"
	IDG4F       = "g4f"
)

// Provider is one LLM backend. A provider starts unconfigured; only a
// successful Configure makes it usable.
type Provider interface {
	ID() string
	Name() string
	IsConfigured() bool
	// Configure validates cfg and, when cfg asks for it, probes the backend.
	// The new configuration is committed only when both succeed.
	Configure(ctx context.Context, cfg Config) error
	// SendMessage sends the ordered conversation in one attempt.
	SendMessage(ctx context.Context, msgs []types.Message, mc types.MessageContext) (types.Response, error)
	// Models lists model ids, falling back to a fixed list when the backend
	// cannot be asked.
	Models(ctx context.Context) []string
	// TestConnection reports whether the backend is reachable and accepts
	// the configured credentials.
	TestConnection(ctx context.Context) bool
}

// Diagnoser is implemented by providers that can report on each endpoint
// they depend on.
type Diagnoser interface {
	Diagnose(ctx context.Context) ([]Endpoint, error)
}

// Config is the configuration of one provider kind.
type Config interface {
	Kind() string
	Validate() error
}

// Tuning holds the settings shared by every provider kind. Zero values mean
// "use the provider default".
type Tuning struct {
	Model             string
	Temperature       float64
	MaxTokens         int
	Timeout           time.Duration
	RequestsPerMinute int
	// Probe runs TestConnection before committing the configuration.
	Probe bool
}

func (t Tuning) withDefaults(model string, temperature float64, maxTokens int, timeout time.Duration) Tuning {
	if t.Model == "" {
		t.Model = model
	}
	if t.Temperature == 0 {
		t.Temperature = temperature
	}
	if t.MaxTokens == 0 {
		t.MaxTokens = maxTokens
	}
	if t.Timeout == 0 {
		t.Timeout = timeout
	}
	return t
}

func (t Tuning) validate(provider string) error {
	if t.Temperature < 0 || t.Temperature > 2 {
		return &ConfigError{Provider: provider, Field: "temperature", Reason: "must be between 0 and 2"}
	}
	if t.MaxTokens < 0 {
		return &ConfigError{Provider: provider, Field: "max_tokens", Reason: "must not be negative"}
	}
	if t.RequestsPerMinute < 0 {
		return &ConfigError{Provider: provider, Field: "requests_per_minute", Reason: "must not be negative"}
	}
	return nil
}

func wrongKind(provider string, cfg Config) error {
	got := "nil"
	if cfg != nil {
		got = cfg.Kind()
	}
	return &ConfigError{Provider: provider, Reason: "unexpected configuration kind " + got}
}

// Option customizes a provider at construction.
type Option func(*options)

type options struct {
	transport http.RoundTripper
}

// WithTransport sets the round tripper used for every request.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

func buildOptions(opts []Option) options {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// session is the committed configuration of a provider plus the client
// built for it.
type session[C any] struct {
	cfg     C
	client  *http.Client
	limiter *rate.Limiter
}

// state guards the current session. A nil session means unconfigured.
type state[C any] struct {
	mu   sync.RWMutex
	cur  *session[C]
	opts options
}

func (s *state[C]) get() (*session[C], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur, s.cur != nil
}

func (s *state[C]) set(sess *session[C]) {
	s.mu.Lock()
	s.cur = sess
	s.mu.Unlock()
}

func (s *state[C]) configured() bool {
	_, ok := s.get()
	return ok
}

func (s *state[C]) newSession(cfg C, t Tuning) *session[C] {
	client := &http.Client{Timeout: t.Timeout}
	if s.opts.transport != nil {
		client.Transport = s.opts.transport
	}
	var lim *rate.Limiter
	if t.RequestsPerMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(t.RequestsPerMinute)), 1)
	}
	return &session[C]{cfg: cfg, client: client, limiter: lim}
}

func (s *session[C]) wait(ctx context.Context, provider string) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return transportError(provider, err)
	}
	return nil
}

// probeTimeout bounds reachability checks.
const probeTimeout = 10 * time.Second

// maxResponseSize caps upstream response bodies.
const maxResponseSize = 16 << 20

type call struct {
	method string
	url    string
	header map[string]string
	body   any
}

// do performs one HTTP exchange and decodes a 2xx JSON body into out.
func do(ctx context.Context, client *http.Client, provider string, c call, out any) error {
	_, err := doRaw(ctx, client, provider, c, out)
	return err
}

// doRaw is do that also returns the raw response body.
func doRaw(ctx context.Context, client *http.Client, provider string, c call, out any) ([]byte, error) {
	var rdr io.Reader
	if c.body != nil {
		b, err := json.Marshal(c.body)
		if err != nil {
			return nil, goerr.Wrap(err, "encode request", goerr.V("provider", provider))
		}
		rdr = bytes.NewReader(b)
	}
	method := c.method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url, rdr)
	if err != nil {
		return nil, transportError(provider, err)
	}
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, transportError(provider, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return body, statusError(provider, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return body, goerr.Wrap(ErrMalformedResponse, err.Error(), goerr.V("provider", provider))
		}
	}
	return body, nil
}

// upstreamMessage extracts a message from the common error body shapes:
// {"error":{"message":...}}, {"error":"..."}, {"message":"..."} and
// {"detail":"..."}.
func upstreamMessage(body []byte) string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return strings.TrimSpace(truncate(string(body), 300))
	}
	if raw, ok := doc["error"]; ok {
		var nested struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &nested) == nil && nested.Message != "" {
			return nested.Message
		}
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	for _, k := range []string{"message", "detail"} {
		var s string
		if raw, ok := doc[k]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// formatContent renders a message with its editor context: the file path
// as a header and any selected code as a trailing fenced block.
func formatContent(m types.Message) string {
	mc := types.ContextFromMap(m.Context)
	content := m.Content
	if mc.FilePath != "" {
		content = "File: " + mc.FilePath + "\n\n" + content
	}
	if mc.SelectedCode != "" {
		content += "\n\nSelected Code:\n```\n" + mc.SelectedCode + "\n```"
	}
	return content
}

// withContext attaches mc to the last message when that message carries no
// context of its own.
func withContext(msgs []types.Message, mc types.MessageContext) []types.Message {
	if len(msgs) == 0 {
		return msgs
	}
	last := msgs[len(msgs)-1]
	if len(last.Context) > 0 {
		return msgs
	}
	ctxMap := mc.Map()
	if ctxMap == nil {
		return msgs
	}
	out := make([]types.Message, len(msgs))
	copy(out, msgs)
	last.Context = ctxMap
	out[len(out)-1] = last
	return out
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}
