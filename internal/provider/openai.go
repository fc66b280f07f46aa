package provider

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/xiy/projmem/pkg/types"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	openAIModel   = "gpt-4"
)

var openAIFallbackModels = []string{"gpt-4", "gpt-3.5-turbo"}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Tuning
}

func (OpenAIConfig) Kind() string { return IDOpenAI }

func (c OpenAIConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return missing(IDOpenAI, "api_key")
	}
	return c.Tuning.validate(IDOpenAI)
}

// OpenAI talks to the chat completions API.
type OpenAI struct {
	state state[OpenAIConfig]
}

// NewOpenAI returns an unconfigured OpenAI provider.
func NewOpenAI(opts ...Option) *OpenAI {
	return &OpenAI{state: state[OpenAIConfig]{opts: buildOptions(opts)}}
}

func (*OpenAI) ID() string           { return IDOpenAI }
func (*OpenAI) Name() string         { return "OpenAI" }
func (p *OpenAI) IsConfigured() bool { return p.state.configured() }

func (p *OpenAI) Configure(ctx context.Context, cfg Config) error {
	c, ok := cfg.(OpenAIConfig)
	if !ok {
		return wrongKind(IDOpenAI, cfg)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.BaseURL == "" {
		c.BaseURL = openAIBaseURL
	}
	c.Tuning = c.Tuning.withDefaults(openAIModel, 0.7, 4000, 60*time.Second)

	sess := p.state.newSession(c, c.Tuning)
	if c.Probe && !openAIReachable(ctx, sess) {
		return &ConfigError{Provider: IDOpenAI, Reason: "connection test failed"}
	}
	p.state.set(sess)
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	TopK        int           `json:"top_k,omitempty"`
	Stream      bool          `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// toResponse converts an OpenAI-compatible completion.
func (r chatResponse) toResponse(provider, fallbackModel string) (types.Response, error) {
	if len(r.Choices) == 0 || r.Choices[0].Message.Content == nil {
		return types.Response{}, goerr.Wrap(ErrMalformedResponse, "no choices in completion", goerr.V("provider", provider))
	}
	out := types.Response{
		Content:      *r.Choices[0].Message.Content,
		Model:        r.Model,
		FinishReason: r.Choices[0].FinishReason,
	}
	if out.Model == "" {
		out.Model = fallbackModel
	}
	if r.Usage != nil {
		out.Usage = &types.Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		}
	}
	return out, nil
}

func chatMessages(msgs []types.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, chatMessage{Role: string(m.Role), Content: formatContent(m)})
	}
	return out
}

func (p *OpenAI) SendMessage(ctx context.Context, msgs []types.Message, mc types.MessageContext) (types.Response, error) {
	sess, ok := p.state.get()
	if !ok {
		return types.Response{}, ErrNotConfigured
	}
	if err := sess.wait(ctx, IDOpenAI); err != nil {
		return types.Response{}, err
	}
	c := sess.cfg
	req := chatRequest{
		Model:       c.Model,
		Messages:    chatMessages(withContext(msgs, mc)),
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
	var resp chatResponse
	err := do(ctx, sess.client, IDOpenAI, call{
		url:    joinURL(c.BaseURL, "/chat/completions"),
		header: map[string]string{"Authorization": "Bearer " + c.APIKey},
		body:   req,
	}, &resp)
	if err != nil {
		return types.Response{}, err
	}
	return resp.toResponse(IDOpenAI, c.Model)
}

type modelList struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (l modelList) ids(filter string) []string {
	out := make([]string, 0, len(l.Data))
	for _, m := range l.Data {
		if m.ID != "" && strings.Contains(m.ID, filter) {
			out = append(out, m.ID)
		}
	}
	sort.Strings(out)
	return out
}

func (p *OpenAI) Models(ctx context.Context) []string {
	sess, ok := p.state.get()
	if !ok {
		return append([]string(nil), openAIFallbackModels...)
	}
	var list modelList
	err := do(ctx, sess.client, IDOpenAI, call{
		method: http.MethodGet,
		url:    joinURL(sess.cfg.BaseURL, "/models"),
		header: map[string]string{"Authorization": "Bearer " + sess.cfg.APIKey},
	}, &list)
	if ids := list.ids("gpt"); err == nil && len(ids) > 0 {
		return ids
	}
	return append([]string(nil), openAIFallbackModels...)
}

func (p *OpenAI) TestConnection(ctx context.Context) bool {
	sess, ok := p.state.get()
	if !ok {
		return false
	}
	return openAIReachable(ctx, sess)
}

func openAIReachable(ctx context.Context, sess *session[OpenAIConfig]) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	err := do(ctx, sess.client, IDOpenAI, call{
		method: http.MethodGet,
		url:    joinURL(sess.cfg.BaseURL, "/models"),
		header: map[string]string{"Authorization": "Bearer " + sess.cfg.APIKey},
	}, nil)
	return err == nil
}
