package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/xiy/projmem/pkg/types"
)

// LocalConfig configures a model served over HTTP on the local machine
// (Ollama, LM Studio, LocalAI, llama.cpp).
type LocalConfig struct {
	Endpoint string
	// CPUOnly disables GPU offload for servers that honour num_gpu.
	CPUOnly bool
	// GPULayers is the number of layers to offload; zero means all.
	GPULayers     int
	ContextWindow int
	Tuning
}

func (LocalConfig) Kind() string { return IDLocal }

func (c LocalConfig) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return missing(IDLocal, "endpoint")
	}
	if c.ContextWindow < 0 {
		return &ConfigError{Provider: IDLocal, Field: "context_window", Reason: "must not be negative"}
	}
	return c.Tuning.validate(IDLocal)
}

func (c LocalConfig) numGPU() int {
	if c.CPUOnly {
		return 0
	}
	if c.GPULayers == 0 {
		return -1
	}
	return c.GPULayers
}

// Local talks to a local model server whose dialect is discovered per call.
type Local struct {
	state state[LocalConfig]
}

// NewLocal returns an unconfigured local model provider.
func NewLocal(opts ...Option) *Local {
	return &Local{state: state[LocalConfig]{opts: buildOptions(opts)}}
}

func (*Local) ID() string           { return IDLocal }
func (*Local) Name() string         { return "Local Model" }
func (p *Local) IsConfigured() bool { return p.state.configured() }

func (p *Local) Configure(ctx context.Context, cfg Config) error {
	c, ok := cfg.(LocalConfig)
	if !ok {
		return wrongKind(IDLocal, cfg)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	if c.ContextWindow == 0 {
		c.ContextWindow = 4096
	}
	c.Tuning = c.Tuning.withDefaults("", 0.7, 2048, 120*time.Second)

	sess := p.state.newSession(c, c.Tuning)
	if c.Probe && !localReachable(ctx, sess) {
		return &ConfigError{Provider: IDLocal, Reason: "no local model server answered at " + c.Endpoint}
	}
	p.state.set(sess)
	return nil
}

// localPrompt flattens the conversation for completion-style endpoints.
func localPrompt(msgs []types.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var prefix string
		switch m.Role {
		case types.RoleUser:
			prefix = "Human: "
		case types.RoleAssistant:
			prefix = "Assistant: "
		case types.RoleSystem:
			prefix = "System: "
		}
		parts = append(parts, prefix+formatContent(m))
	}
	return strings.Join(parts, "\n\n")
}

type localFormat func(ctx context.Context, sess *session[LocalConfig], msgs []types.Message) (types.Response, error)

// SendMessage tries the Ollama generate API, then the OpenAI-compatible chat
// API, then a plain completion API, and returns the first usable answer.
func (p *Local) SendMessage(ctx context.Context, msgs []types.Message, mc types.MessageContext) (types.Response, error) {
	sess, ok := p.state.get()
	if !ok {
		return types.Response{}, ErrNotConfigured
	}
	if err := sess.wait(ctx, IDLocal); err != nil {
		return types.Response{}, err
	}
	msgs = withContext(msgs, mc)

	var errs []error
	for _, try := range []localFormat{localOllama, localOpenAI, localCompletion} {
		resp, err := try(ctx, sess, msgs)
		if err == nil {
			return resp, nil
		}
		errs = append(errs, err)
		var up *UpstreamError
		if errors.As(err, &up) && (up.Code == CodeConnRefused || up.Code == CodeCanceled || up.Code == CodeNotFound) {
			break
		}
	}
	return types.Response{}, pickError(errs)
}

// pickError prefers an error that says more than "wrong path".
func pickError(errs []error) error {
	for _, err := range errs {
		var up *UpstreamError
		if !errors.As(err, &up) || (up.Status != http.StatusNotFound && up.Status != http.StatusMethodNotAllowed) {
			return err
		}
	}
	return errs[len(errs)-1]
}

func localOllama(ctx context.Context, sess *session[LocalConfig], msgs []types.Message) (types.Response, error) {
	c := sess.cfg
	var resp struct {
		Model           string  `json:"model"`
		Response        *string `json:"response"`
		Done            bool    `json:"done"`
		PromptEvalCount int     `json:"prompt_eval_count"`
		EvalCount       int     `json:"eval_count"`
	}
	err := do(ctx, sess.client, IDLocal, call{
		url: c.Endpoint + "/api/generate",
		body: map[string]any{
			"model":  c.Model,
			"prompt": localPrompt(msgs),
			"stream": false,
			"options": map[string]any{
				"num_gpu": c.numGPU(),
				"num_ctx": c.ContextWindow,
			},
		},
	}, &resp)
	if err != nil {
		return types.Response{}, err
	}
	if resp.Response == nil {
		return types.Response{}, goerr.Wrap(ErrMalformedResponse, "generate response has no text", goerr.V("provider", IDLocal))
	}
	out := types.Response{
		Content: *resp.Response,
		Model:   c.Model,
		Usage: &types.Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}
	if resp.Done {
		out.FinishReason = "stop"
	}
	return out, nil
}

func localOpenAI(ctx context.Context, sess *session[LocalConfig], msgs []types.Message) (types.Response, error) {
	c := sess.cfg
	var resp chatResponse
	err := do(ctx, sess.client, IDLocal, call{
		url: c.Endpoint + "/v1/chat/completions",
		body: chatRequest{
			Model:       c.Model,
			Messages:    chatMessages(msgs),
			MaxTokens:   c.MaxTokens,
			Temperature: c.Temperature,
		},
	}, &resp)
	if err != nil {
		return types.Response{}, err
	}
	return resp.toResponse(IDLocal, c.Model)
}

func localCompletion(ctx context.Context, sess *session[LocalConfig], msgs []types.Message) (types.Response, error) {
	c := sess.cfg
	var resp struct {
		Choices []struct {
			Text string `json:"text"`
		} `json:"choices"`
		Text    string `json:"text"`
		Content string `json:"content"`
	}
	err := do(ctx, sess.client, IDLocal, call{
		url: c.Endpoint + "/completion",
		body: map[string]any{
			"model":       c.Model,
			"prompt":      localPrompt(msgs),
			"max_tokens":  c.MaxTokens,
			"temperature": c.Temperature,
		},
	}, &resp)
	if err != nil {
		return types.Response{}, err
	}
	text := resp.Text
	if len(resp.Choices) > 0 && resp.Choices[0].Text != "" {
		text = resp.Choices[0].Text
	}
	if text == "" {
		text = resp.Content
	}
	if text == "" {
		return types.Response{}, goerr.Wrap(ErrMalformedResponse, "completion response has no text", goerr.V("provider", IDLocal))
	}
	return types.Response{Content: text, Model: c.Model}, nil
}

func (p *Local) Models(ctx context.Context) []string {
	sess, ok := p.state.get()
	if !ok {
		return []string{"unknown"}
	}
	c := sess.cfg

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := do(ctx, sess.client, IDLocal, call{method: http.MethodGet, url: c.Endpoint + "/api/tags"}, &tags); err == nil && len(tags.Models) > 0 {
		out := make([]string, 0, len(tags.Models))
		for _, m := range tags.Models {
			out = append(out, m.Name)
		}
		return out
	}

	var list modelList
	if err := do(ctx, sess.client, IDLocal, call{method: http.MethodGet, url: c.Endpoint + "/v1/models"}, &list); err == nil {
		if ids := list.ids(""); len(ids) > 0 {
			return ids
		}
	}

	if c.Model != "" {
		return []string{c.Model}
	}
	return []string{"unknown"}
}

func (p *Local) TestConnection(ctx context.Context) bool {
	sess, ok := p.state.get()
	if !ok {
		return false
	}
	return localReachable(ctx, sess)
}

// localReachable probes the known listing and health paths, then the root.
func localReachable(ctx context.Context, sess *session[LocalConfig]) bool {
	for _, path := range []string{"/api/tags", "/v1/models", "/health", "/"} {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := do(pctx, sess.client, IDLocal, call{method: http.MethodGet, url: sess.cfg.Endpoint + path}, nil)
		cancel()
		if err == nil {
			return true
		}
	}
	return false
}
