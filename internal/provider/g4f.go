package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/xiy/projmem/pkg/types"
)

const (
	g4fServerURL = "http://localhost:1337"
	g4fModel     = "gpt-3.5-turbo"
)

var g4fModels = []string{
	"gpt-3.5-turbo",
	"gpt-4",
	"gpt-4-turbo",
	"gpt-4o",
	"gpt-4o-mini",
	"claude-3-haiku",
	"claude-3.5-sonnet",
	"gemini-1.5-pro",
	"gemini-1.5-flash",
	"llama-3-70b",
	"mixtral-8x7b",
	"deepseek-coder",
	"Qwen/Qwen2.5-Coder-32B-Instruct",
}

// g4fModelPaths are listing paths tried after /v1/models.
var g4fModelPaths = []string{"/models", "/api/models", "/v1/models/list", "/models/list"}

// g4fDiagnosePaths are the paths Diagnose reports on.
var g4fDiagnosePaths = []string{
	"/",
	"/v1/models",
	"/models",
	"/api/models",
	"/v1/chat/completions",
	"/chat/completions",
	"/api/chat/completions",
}

// G4FConfig configures a GPT4Free aggregator server.
type G4FConfig struct {
	ServerURL string
	APIKey    string
	TopP      float64
	TopK      int
	Tuning
}

func (G4FConfig) Kind() string { return IDG4F }

func (c G4FConfig) Validate() error {
	if c.TopP < 0 || c.TopP > 1 {
		return &ConfigError{Provider: IDG4F, Field: "top_p", Reason: "must be between 0 and 1"}
	}
	if c.TopK < 0 {
		return &ConfigError{Provider: IDG4F, Field: "top_k", Reason: "must not be negative"}
	}
	return c.Tuning.validate(IDG4F)
}

// G4F talks to an OpenAI-compatible GPT4Free server.
type G4F struct {
	state state[G4FConfig]
}

// NewG4F returns an unconfigured G4F provider.
func NewG4F(opts ...Option) *G4F {
	return &G4F{state: state[G4FConfig]{opts: buildOptions(opts)}}
}

func (*G4F) ID() string           { return IDG4F }
func (*G4F) Name() string         { return "GPT4Free (G4F)" }
func (p *G4F) IsConfigured() bool { return p.state.configured() }

func (p *G4F) Configure(ctx context.Context, cfg Config) error {
	c, ok := cfg.(G4FConfig)
	if !ok {
		return wrongKind(IDG4F, cfg)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		c.ServerURL = g4fServerURL
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.TopP == 0 {
		c.TopP = 0.95
	}
	if c.TopK == 0 {
		c.TopK = 40
	}
	c.Tuning = c.Tuning.withDefaults(g4fModel, 0.7, 2048, 30*time.Second)

	sess := p.state.newSession(c, c.Tuning)
	if c.Probe && !g4fReachable(ctx, sess) {
		return &ConfigError{Provider: IDG4F, Reason: "server is not running at " + c.ServerURL}
	}
	p.state.set(sess)
	return nil
}

func (c G4FConfig) header() map[string]string {
	if c.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.APIKey}
}

func (p *G4F) SendMessage(ctx context.Context, msgs []types.Message, mc types.MessageContext) (types.Response, error) {
	sess, ok := p.state.get()
	if !ok {
		return types.Response{}, ErrNotConfigured
	}
	if err := sess.wait(ctx, IDG4F); err != nil {
		return types.Response{}, err
	}
	c := sess.cfg
	var resp chatResponse
	err := do(ctx, sess.client, IDG4F, call{
		url:    c.ServerURL + "/v1/chat/completions",
		header: c.header(),
		body: chatRequest{
			Model:       c.Model,
			Messages:    chatMessages(withContext(msgs, mc)),
			Temperature: c.Temperature,
			MaxTokens:   c.MaxTokens,
			TopP:        c.TopP,
			TopK:        c.TopK,
		},
	}, &resp)
	if err != nil {
		return types.Response{}, err
	}
	out, err := resp.toResponse(IDG4F, c.Model)
	if err != nil {
		return types.Response{}, err
	}
	if out.Content == "" {
		return types.Response{}, fmt.Errorf("%w: empty completion from %s", ErrMalformedResponse, c.ServerURL)
	}
	return out, nil
}

// Models asks the server for its model list, trying /v1/models and then the
// alternate listing paths. The first path that answers decides the result.
func (p *G4F) Models(ctx context.Context) []string {
	sess, ok := p.state.get()
	if !ok {
		return append([]string(nil), g4fModels...)
	}
	for _, path := range append([]string{"/v1/models"}, g4fModelPaths...) {
		body, err := doRaw(ctx, sess.client, IDG4F, call{
			method: http.MethodGet,
			url:    sess.cfg.ServerURL + path,
			header: sess.cfg.header(),
		}, nil)
		if err != nil {
			continue
		}
		if ids := g4fModelIDs(body); len(ids) > 0 {
			return ids
		}
		break
	}
	return append([]string(nil), g4fModels...)
}

// g4fModelIDs accepts {"data":[{"id":..}]}, [{"id":..}] and ["..."].
func g4fModelIDs(body []byte) []string {
	var list modelList
	if json.Unmarshal(body, &list) == nil && len(list.Data) > 0 {
		return list.ids("")
	}
	var items []json.RawMessage
	if json.Unmarshal(body, &items) != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, raw := range items {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			out = append(out, s)
			continue
		}
		var obj struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(raw, &obj) == nil && obj.ID != "" {
			out = append(out, obj.ID)
		}
	}
	return out
}

func (p *G4F) TestConnection(ctx context.Context) bool {
	sess, ok := p.state.get()
	if !ok {
		return false
	}
	return g4fReachable(ctx, sess)
}

// g4fReachable treats any HTTP answer from the server as reachable. Only a
// transport failure (refused, unresolved, timed out) means the server is down.
func g4fReachable(ctx context.Context, sess *session[G4FConfig]) bool {
	for _, path := range []string{"/v1/models", "/"} {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := do(pctx, sess.client, IDG4F, call{method: http.MethodGet, url: sess.cfg.ServerURL + path, header: sess.cfg.header()}, nil)
		cancel()
		if err == nil {
			return true
		}
		var up *UpstreamError
		if errors.As(err, &up) && up.Status != 0 {
			return true
		}
		if errors.As(err, &up) && up.Code == CodeConnRefused {
			return false
		}
	}
	return false
}

// Endpoint is one probed path reported by Diagnose.
type Endpoint struct {
	Path      string `json:"path"`
	Status    int    `json:"status,omitempty"`
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

// Diagnose GETs every known path on the server and reports what answered.
func (p *G4F) Diagnose(ctx context.Context) ([]Endpoint, error) {
	sess, ok := p.state.get()
	if !ok {
		return nil, ErrNotConfigured
	}
	out := make([]Endpoint, 0, len(g4fDiagnosePaths))
	for _, path := range g4fDiagnosePaths {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := do(pctx, sess.client, IDG4F, call{method: http.MethodGet, url: sess.cfg.ServerURL + path, header: sess.cfg.header()}, nil)
		cancel()
		ep := Endpoint{Path: path, Available: err == nil}
		if ep.Available {
			ep.Status = http.StatusOK
		}
		var up *UpstreamError
		if errors.As(err, &up) {
			ep.Status = up.Status
			ep.Error = up.Error()
		} else if err != nil {
			ep.Error = err.Error()
		}
		out = append(out, ep)
	}
	return out, nil
}
