package provider

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/xiy/projmem/pkg/types"
)

const (
	geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	geminiModel   = "gemini-1.5-pro-latest"
	geminiAck     = "Understood, I will follow these instructions."
)

var geminiModels = []string{
	"gemini-pro",
	"gemini-pro-vision",
	"gemini-1.5-pro",
	"gemini-1.5-pro-latest",
	"gemini-1.5-flash",
	"gemini-1.5-flash-latest",
	"gemini-2.5-pro",
	"gemini-2.5-pro-latest",
	"gemini-2.5-flash",
	"gemini-2.5-flash-latest",
}

var geminiSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// GeminiConfig configures the Google Gemini provider.
type GeminiConfig struct {
	APIKey  string
	BaseURL string
	TopK    int
	TopP    float64
	Tuning
}

func (GeminiConfig) Kind() string { return IDGoogle }

func (c GeminiConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return missing(IDGoogle, "api_key")
	}
	if c.TopP < 0 || c.TopP > 1 {
		return &ConfigError{Provider: IDGoogle, Field: "top_p", Reason: "must be between 0 and 1"}
	}
	return c.Tuning.validate(IDGoogle)
}

// Gemini talks to the generateContent API.
type Gemini struct {
	state state[GeminiConfig]
}

// NewGemini returns an unconfigured Gemini provider.
func NewGemini(opts ...Option) *Gemini {
	return &Gemini{state: state[GeminiConfig]{opts: buildOptions(opts)}}
}

func (*Gemini) ID() string           { return IDGoogle }
func (*Gemini) Name() string         { return "Google Gemini" }
func (p *Gemini) IsConfigured() bool { return p.state.configured() }

func (p *Gemini) Configure(ctx context.Context, cfg Config) error {
	c, ok := cfg.(GeminiConfig)
	if !ok {
		return wrongKind(IDGoogle, cfg)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	if c.BaseURL == "" {
		c.BaseURL = geminiBaseURL
	}
	if c.TopK == 0 {
		c.TopK = 40
	}
	if c.TopP == 0 {
		c.TopP = 0.95
	}
	c.Tuning = c.Tuning.withDefaults(geminiModel, 0.7, 2048, 30*time.Second)

	sess := p.state.newSession(c, c.Tuning)
	if c.Probe {
		if _, err := p.send(ctx, sess, []types.Message{{Role: types.RoleUser, Content: "Hello"}}); err != nil {
			return &ConfigError{Provider: IDGoogle, Reason: "API key validation failed", Err: err}
		}
	}
	p.state.set(sess)
	return nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig struct {
		Temperature     float64  `json:"temperature"`
		TopK            int      `json:"topK"`
		TopP            float64  `json:"topP"`
		MaxOutputTokens int      `json:"maxOutputTokens"`
		StopSequences   []string `json:"stopSequences"`
	} `json:"generationConfig"`
	SafetySettings []geminiSafety `json:"safetySettings"`
}

type geminiSafety struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// geminiContents maps the conversation onto user/model turns. System
// messages become a leading user turn answered by a model acknowledgement.
func geminiContents(msgs []types.Message) []geminiContent {
	var system []string
	turns := make([]geminiContent, 0, len(msgs)+2)
	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := "user"
		if m.Role == types.RoleAssistant {
			role = "model"
		}
		turns = append(turns, geminiContent{Role: role, Parts: []geminiPart{{Text: formatContent(m)}}})
	}
	if len(system) == 0 {
		return turns
	}
	lead := []geminiContent{
		{Role: "user", Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}},
		{Role: "model", Parts: []geminiPart{{Text: geminiAck}}},
	}
	return append(lead, turns...)
}

func (p *Gemini) SendMessage(ctx context.Context, msgs []types.Message, mc types.MessageContext) (types.Response, error) {
	sess, ok := p.state.get()
	if !ok {
		return types.Response{}, ErrNotConfigured
	}
	if err := sess.wait(ctx, IDGoogle); err != nil {
		return types.Response{}, err
	}
	resp, err := p.send(ctx, sess, withContext(msgs, mc))
	if err != nil {
		return types.Response{}, err
	}
	resp.Metadata = map[string]any{"provider": "gemini"}
	return resp, nil
}

func (p *Gemini) send(ctx context.Context, sess *session[GeminiConfig], msgs []types.Message) (types.Response, error) {
	c := sess.cfg
	req := geminiRequest{Contents: geminiContents(msgs)}
	req.GenerationConfig.Temperature = c.Temperature
	req.GenerationConfig.TopK = c.TopK
	req.GenerationConfig.TopP = c.TopP
	req.GenerationConfig.MaxOutputTokens = c.MaxTokens
	req.GenerationConfig.StopSequences = []string{}
	for _, cat := range geminiSafetyCategories {
		req.SafetySettings = append(req.SafetySettings, geminiSafety{Category: cat, Threshold: "BLOCK_MEDIUM_AND_ABOVE"})
	}

	endpoint := joinURL(c.BaseURL, "/models/"+url.PathEscape(c.Model)+":generateContent") + "?key=" + url.QueryEscape(c.APIKey)
	var resp geminiResponse
	if err := do(ctx, sess.client, IDGoogle, call{url: endpoint, body: req}, &resp); err != nil {
		return types.Response{}, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return types.Response{}, goerr.Wrap(ErrMalformedResponse, "no candidates in response", goerr.V("provider", IDGoogle))
	}
	cand := resp.Candidates[0]
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		text.WriteString(part.Text)
	}
	out := types.Response{
		Content:      text.String(),
		Model:        c.Model,
		FinishReason: strings.ToLower(cand.FinishReason),
	}
	if out.FinishReason == "" {
		out.FinishReason = "stop"
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &types.Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out, nil
}

func (p *Gemini) Models(context.Context) []string {
	return append([]string(nil), geminiModels...)
}

func (p *Gemini) TestConnection(ctx context.Context) bool {
	sess, ok := p.state.get()
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	_, err := p.send(ctx, sess, []types.Message{{Role: types.RoleUser, Content: "Hello"}})
	return err == nil
}
