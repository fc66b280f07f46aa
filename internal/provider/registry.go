package provider

import (
	"fmt"
	"time"

	"github.com/xiy/projmem/internal/config"
	"github.com/xiy/projmem/pkg/types"
)

// Registry holds one provider per id in a fixed order.
type Registry struct {
	order []string
	byID  map[string]Provider
}

// NewRegistry returns the five built-in providers, all unconfigured.
func NewRegistry(opts ...Option) *Registry {
	return NewRegistryOf(
		NewOpenAI(opts...),
		NewAnthropic(opts...),
		NewGemini(opts...),
		NewLocal(opts...),
		NewG4F(opts...),
	)
}

// NewRegistryOf builds a registry from explicit providers. A later provider
// with a duplicate id replaces the earlier one.
func NewRegistryOf(ps ...Provider) *Registry {
	r := &Registry{byID: make(map[string]Provider, len(ps))}
	for _, p := range ps {
		if _, dup := r.byID[p.ID()]; !dup {
			r.order = append(r.order, p.ID())
		}
		r.byID[p.ID()] = p
	}
	return r
}

// Get returns the provider with the given id.
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// All returns the providers in registry order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// Infos describes every provider; current marks the selected one.
func (r *Registry) Infos(current string) []types.ProviderInfo {
	out := make([]types.ProviderInfo, 0, len(r.order))
	for _, p := range r.All() {
		out = append(out, types.ProviderInfo{
			ID:           p.ID(),
			Name:         p.Name(),
			IsConfigured: p.IsConfigured(),
			IsCurrent:    p.ID() == current,
		})
	}
	return out
}

// ConfigFromSection turns a YAML provider block into the typed configuration
// for id.
func ConfigFromSection(id string, s config.ProviderSection) (Config, error) {
	t := Tuning{
		Model:             s.Model,
		Temperature:       s.Temperature,
		MaxTokens:         s.MaxTokens,
		Timeout:           time.Duration(s.TimeoutSeconds) * time.Second,
		RequestsPerMinute: s.RequestsPerMinute,
		Probe:             s.Probe,
	}
	switch id {
	case IDOpenAI:
		return OpenAIConfig{APIKey: s.APIKey, BaseURL: s.BaseURL, Tuning: t}, nil
	case IDAnthropic:
		return AnthropicConfig{APIKey: s.APIKey, BaseURL: s.BaseURL, Tuning: t}, nil
	case IDGoogle:
		return GeminiConfig{APIKey: s.APIKey, BaseURL: s.BaseURL, TopK: s.TopK, TopP: s.TopP, Tuning: t}, nil
	case IDLocal:
		endpoint := s.Endpoint
		if endpoint == "" {
			endpoint = s.BaseURL
		}
		return LocalConfig{
			Endpoint:      endpoint,
			CPUOnly:       s.CPUOnly,
			GPULayers:     s.GPULayers,
			ContextWindow: s.ContextWindow,
			Tuning:        t,
		}, nil
	case IDG4F:
		server := s.ServerURL
		if server == "" {
			server = s.BaseURL
		}
		return G4FConfig{ServerURL: server, APIKey: s.APIKey, TopP: s.TopP, TopK: s.TopK, Tuning: t}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
}
