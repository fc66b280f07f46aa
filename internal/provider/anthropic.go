package provider

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/xiy/projmem/pkg/types"
)

const (
	anthropicBaseURL = "https://api.anthropic.com"
	anthropicModel   = "claude-3-sonnet-20240229"
	anthropicVersion = "2023-06-01"
)

var anthropicModels = []string{
	"claude-3-opus-20240229",
	"claude-3-sonnet-20240229",
	"claude-3-haiku-20240307",
	"claude-2.1",
	"claude-2.0",
	"claude-instant-1.2",
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Tuning
}

func (AnthropicConfig) Kind() string { return IDAnthropic }

func (c AnthropicConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return missing(IDAnthropic, "api_key")
	}
	return c.Tuning.validate(IDAnthropic)
}

// Anthropic talks to the messages API.
type Anthropic struct {
	state state[AnthropicConfig]
}

// NewAnthropic returns an unconfigured Anthropic provider.
func NewAnthropic(opts ...Option) *Anthropic {
	return &Anthropic{state: state[AnthropicConfig]{opts: buildOptions(opts)}}
}

func (*Anthropic) ID() string           { return IDAnthropic }
func (*Anthropic) Name() string         { return "Anthropic Claude" }
func (p *Anthropic) IsConfigured() bool { return p.state.configured() }

func (p *Anthropic) Configure(ctx context.Context, cfg Config) error {
	c, ok := cfg.(AnthropicConfig)
	if !ok {
		return wrongKind(IDAnthropic, cfg)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.BaseURL == "" {
		c.BaseURL = anthropicBaseURL
	}
	c.Tuning = c.Tuning.withDefaults(anthropicModel, 0.7, 4000, 60*time.Second)

	sess := p.state.newSession(c, c.Tuning)
	if c.Probe {
		if _, err := p.send(ctx, sess, []types.Message{{Role: types.RoleUser, Content: "Hello"}}, 10); err != nil {
			return &ConfigError{Provider: IDAnthropic, Reason: "connection test failed", Err: err}
		}
	}
	p.state.set(sess)
	return nil
}

type anthropicRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
	System      string        `json:"system,omitempty"`
	Messages    []chatMessage `json:"messages"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// anthropicMessages lifts system messages into the separate system field.
func anthropicMessages(msgs []types.Message) (string, []chatMessage) {
	var system []string
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		out = append(out, chatMessage{Role: string(m.Role), Content: formatContent(m)})
	}
	return strings.Join(system, "\n\n"), out
}

func (p *Anthropic) SendMessage(ctx context.Context, msgs []types.Message, mc types.MessageContext) (types.Response, error) {
	sess, ok := p.state.get()
	if !ok {
		return types.Response{}, ErrNotConfigured
	}
	if err := sess.wait(ctx, IDAnthropic); err != nil {
		return types.Response{}, err
	}
	return p.send(ctx, sess, withContext(msgs, mc), sess.cfg.MaxTokens)
}

func (p *Anthropic) send(ctx context.Context, sess *session[AnthropicConfig], msgs []types.Message, maxTokens int) (types.Response, error) {
	c := sess.cfg
	system, chat := anthropicMessages(msgs)
	var resp anthropicResponse
	err := do(ctx, sess.client, IDAnthropic, call{
		url: joinURL(c.BaseURL, "/v1/messages"),
		header: map[string]string{
			"x-api-key":         c.APIKey,
			"anthropic-version": anthropicVersion,
		},
		body: anthropicRequest{
			Model:       c.Model,
			MaxTokens:   maxTokens,
			Temperature: c.Temperature,
			System:      system,
			Messages:    chat,
		},
	}, &resp)
	if err != nil {
		return types.Response{}, err
	}

	var text []string
	for _, block := range resp.Content {
		if block.Type == "" || block.Type == "text" {
			text = append(text, block.Text)
		}
	}
	if len(text) == 0 {
		return types.Response{}, goerr.Wrap(ErrMalformedResponse, "no text content in message", goerr.V("provider", IDAnthropic))
	}
	out := types.Response{
		Content:      strings.Join(text, ""),
		Model:        resp.Model,
		FinishReason: resp.StopReason,
	}
	if out.Model == "" {
		out.Model = c.Model
	}
	if resp.Usage != nil {
		out.Usage = &types.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out, nil
}

// Models returns the fixed model list; the messages API has no listing
// endpoint for these models.
func (p *Anthropic) Models(context.Context) []string {
	return append([]string(nil), anthropicModels...)
}

func (p *Anthropic) TestConnection(ctx context.Context) bool {
	sess, ok := p.state.get()
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := p.send(ctx, sess, []types.Message{{Role: types.RoleUser, Content: "Hello"}}, 10)
	return err == nil
}
