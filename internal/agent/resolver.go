package agent

import (
	"fmt"
	"sync"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/providers"
)

// Router resolves an agentId (the segment after "agent:" in a session key,
// e.g. "main") to the Loop that executes its turns.
// One configured provider fallback chain is shared across every identity;
// agentId exists so subagents, cron jobs, and the primary conversation get
// their own workspace subdirectory and system-prompt framing, not a
// separate model or credential set.
type Router struct {
	mu        sync.RWMutex
	base      LoopConfig
	instances map[string]*Loop
}

// NewRouter builds the shared provider fallback chain from cfg and returns a
// Router ready to resolve Loops lazily, one per distinct agentId.
func NewRouter(cfg *config.Config) (*Router, error) {
	chain, err := buildProviderChain(cfg)
	if err != nil {
		return nil, err
	}
	maxChars := cfg.Gateway.MaxMessageChars
	if maxChars <= 0 {
		maxChars = 32000
	}
	return &Router{
		base: LoopConfig{
			Providers:       chain,
			ContextWindow:   200000,
			MaxMessageChars: maxChars,
		},
		instances: make(map[string]*Loop),
	}, nil
}

// buildProviderChain orders providers by how most operators weigh
// cost/quality for a default install: Anthropic first when configured (the
// teacher's default), then OpenAI, then OpenRouter as a catch-all gateway to
// everything else. Only providers with a non-empty API key are included.
func buildProviderChain(cfg *config.Config) ([]providers.Provider, error) {
	var chain []providers.Provider

	if cfg.Providers.Anthropic.APIKey != "" {
		var opts []providers.AnthropicOption
		if cfg.Providers.Anthropic.DefaultModel != "" {
			opts = append(opts, providers.WithAnthropicModel(cfg.Providers.Anthropic.DefaultModel))
		}
		if cfg.Providers.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase))
		}
		chain = append(chain, providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, opts...))
	}

	if cfg.Providers.OpenAI.APIKey != "" {
		chain = append(chain, providers.NewOpenAIProvider(
			"openai", cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, cfg.Providers.OpenAI.DefaultModel,
		))
	}

	if cfg.Providers.OpenRouter.APIKey != "" {
		base := cfg.Providers.OpenRouter.APIBase
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		chain = append(chain, providers.NewOpenAIProvider(
			"openrouter", cfg.Providers.OpenRouter.APIKey, base, cfg.Providers.OpenRouter.DefaultModel,
		))
	}

	if len(chain) == 0 {
		return nil, fmt.Errorf("agent: no provider credentials configured (set ANTHROPIC_API_KEY, OPENAI_API_KEY, or OPENROUTER_API_KEY)")
	}
	return chain, nil
}

// Get returns the Loop for agentId, constructing and caching it on first
// use.
func (r *Router) Get(agentID string) *Loop {
	r.mu.RLock()
	if l, ok := r.instances[agentID]; ok {
		r.mu.RUnlock()
		return l
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.instances[agentID]; ok {
		return l
	}
	cfg := r.base
	cfg.ID = agentID
	l := NewLoop(cfg)
	r.instances[agentID] = l
	return l
}

// ProviderNames returns the configured fallback chain's provider identifiers
// in priority order, for the gateway's `providers.status` method.
func (r *Router) ProviderNames() []string {
	names := make([]string, 0, len(r.base.Providers))
	for _, p := range r.base.Providers {
		names = append(names, p.Name())
	}
	return names
}

// InvalidateAll drops every cached Loop, forcing re-resolution on next Get.
// Used after a config hot-reload changes provider credentials.
func (r *Router) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances = make(map[string]*Loop)
}
