// Package agent implements the agent turn invoker (C7): the component that
// takes one inbound turn (history + new message) and calls the configured
// LLM provider, with a model-fallback chain, heartbeat/tool-pairing repair
// on history, and the assistant-text sanitization pipeline on the way out.
//
// The AI model invocation itself — and anything the model does with
// tools — is treated as an opaque external call per the gateway's design:
// this package does not execute tools, it only passes the tool_calls a
// provider returns straight through to the caller (C5's orchestrator) for
// transcript persistence and optional delivery as an interim event.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clawgate/clawgate/internal/gatewayerr"
	"github.com/clawgate/clawgate/internal/providers"
)

// RunRequest is one agent turn invocation.
type RunRequest struct {
	SessionKey string

	// History is prior transcript turns, oldest first, already decoded from
	// sessions.TranscriptStore into provider message shape by the caller.
	History []providers.Message

	Message    string   // the new inbound message body (directives already stripped)
	MediaPaths []string // local file paths staged by C5's media pipeline

	ExtraSystemPrompt string // appended verbatim after the base system prompt
	HistoryLimit      int    // 0 = no turn limit

	ThinkingLevel    string // session override: off|minimal|low|medium|high, "" = provider default
	ProviderOverride string // session override: provider name, "" = chain default
	ModelOverride    string // session override: model id, "" = provider default

	RunID string
}

// RunResult is the outcome of one agent turn.
type RunResult struct {
	Content string // sanitized, user-facing text; "" if Silent
	Silent  bool   // true when the model replied with the NO_REPLY token

	// AssistantMessage is the raw (pre-sanitize) message to append to the
	// session transcript, preserving tool_calls and provider-native content
	// blocks for the next turn.
	AssistantMessage providers.Message

	Provider     string
	Model        string
	FinishReason string
	Usage        *providers.Usage
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	ID              string
	Providers       []providers.Provider // fallback chain, index 0 tried first
	ContextWindow   int
	MaxMessageChars int
	Workspace       string
	BaseSystemPrompt string // static identity text; "" uses a generic default
}

// Loop is the turn invoker for one agent identity (see Router).
type Loop struct {
	id               string
	providers        []providers.Provider
	contextWindow    int
	maxMessageChars  int
	workspace        string
	baseSystemPrompt string
}

// NewLoop constructs a Loop from cfg.
func NewLoop(cfg LoopConfig) *Loop {
	maxChars := cfg.MaxMessageChars
	if maxChars <= 0 {
		maxChars = 32000
	}
	window := cfg.ContextWindow
	if window <= 0 {
		window = 200000
	}
	base := cfg.BaseSystemPrompt
	if base == "" {
		base = fmt.Sprintf("You are %s, an AI agent reachable over chat. Reply concisely and in plain text unless the channel supports rich formatting. If no reply is warranted, respond with exactly NO_REPLY.", cfg.ID)
	}
	return &Loop{
		id:               cfg.ID,
		providers:        cfg.Providers,
		contextWindow:    window,
		maxMessageChars:  maxChars,
		workspace:        cfg.Workspace,
		baseSystemPrompt: base,
	}
}

// ID returns the agent identity this Loop serves.
func (l *Loop) ID() string { return l.id }

// Run executes one turn: builds the message list from history plus the new
// inbound message, invokes the provider fallback chain, then sanitizes and
// classifies the result.
func (l *Loop) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	ctx, span := startTurnSpan(ctx, l.id, req.SessionKey, req.RunID)
	defer func() { span.End() }()

	message := req.Message
	if l.maxMessageChars > 0 && len(message) > l.maxMessageChars {
		message = message[:l.maxMessageChars]
		slog.Warn("agent: truncated oversized inbound message", "agent", l.id, "session", req.SessionKey, "limit", l.maxMessageChars)
	}

	provider, model, err := l.resolveProviderModel(req.ProviderOverride, req.ModelOverride)
	if err != nil {
		return nil, err
	}

	history := sanitizeHistory(limitHistoryTurns(pruneHeartbeats(req.History), req.HistoryLimit), provider.Name() == "anthropic")

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: l.systemPrompt(req.ExtraSystemPrompt)})
	messages = append(messages, history...)
	messages = append(messages, providers.Message{
		Role:    "user",
		Content: message,
		Images:  loadImages(req.MediaPaths),
	})

	chatReq := providers.ChatRequest{
		Messages: messages,
		Model:    model,
		Options: map[string]interface{}{
			providers.OptMaxTokens:   8192,
			providers.OptTemperature: 0.7,
		},
	}
	if tc, ok := provider.(providers.ThinkingCapable); ok && tc.SupportsThinking() {
		if lvl := req.ThinkingLevel; lvl != "" && lvl != "off" {
			chatReq.Options[providers.OptThinkingLevel] = lvl
		}
	}

	resp, used, err := l.invokeChain(ctx, provider, req.ProviderOverride != "", chatReq)
	if err != nil {
		result := &RunResult{Provider: l.id}
		endTurnSpan(span, result, err)
		return nil, err
	}

	assistantMsg := providers.Message{
		Role:                "assistant",
		Content:             resp.Content,
		ToolCalls:           resp.ToolCalls,
		RawAssistantContent: resp.RawAssistantContent,
	}

	sanitized := SanitizeAssistantContent(resp.Content)
	silent := IsSilentReply(sanitized)
	if silent {
		sanitized = ""
	} else if sanitized == "" && resp.Content != "" {
		// The sanitization pipeline stripped everything (e.g. a garbled
		// tool-call-XML-only reply); don't deliver empty text.
		sanitized = ""
		silent = true
	}

	result := &RunResult{
		Content:          sanitized,
		Silent:           silent,
		AssistantMessage: assistantMsg,
		Provider:         used.Name(),
		Model:            model,
		FinishReason:     resp.FinishReason,
		Usage:            resp.Usage,
	}
	endTurnSpan(span, result, nil)
	return result, nil
}

// systemPrompt appends the per-turn extra prompt (directive-derived context,
// channel framing, etc.) to the agent's static base prompt.
func (l *Loop) systemPrompt(extra string) string {
	if extra == "" {
		return l.baseSystemPrompt
	}
	var b strings.Builder
	b.WriteString(l.baseSystemPrompt)
	b.WriteString("\n\n")
	b.WriteString(extra)
	return b.String()
}

// resolveProviderModel picks the provider to try first: providerOverride if
// it names a provider in the chain, else the chain's first entry. modelOverride
// replaces that provider's default model when set.
func (l *Loop) resolveProviderModel(providerOverride, modelOverride string) (providers.Provider, string, error) {
	if len(l.providers) == 0 {
		return nil, "", gatewayerr.New(gatewayerr.Unavailable, "agent %s has no configured provider", l.id)
	}
	p := l.providers[0]
	if providerOverride != "" {
		found := false
		for _, candidate := range l.providers {
			if candidate.Name() == providerOverride {
				p = candidate
				found = true
				break
			}
		}
		if !found {
			return nil, "", gatewayerr.New(gatewayerr.InvalidRequest, "unknown provider override %q", providerOverride)
		}
	}
	model := p.DefaultModel()
	if modelOverride != "" {
		model = modelOverride
	}
	return p, model, nil
}

// invokeChain calls provider with chatReq, retrying within the provider per
// providers.RetryDo, then advancing to the next provider in the fallback
// chain when the failure's kind is retryable (gatewayerr.Kind.Retryable);
// any other failure is returned at once with its own kind. pinned disables fallback:
// a session's explicit providerOverride means the user asked for that
// provider specifically, so a failure there is reported rather than
// silently routed elsewhere.
func (l *Loop) invokeChain(ctx context.Context, first providers.Provider, pinned bool, chatReq providers.ChatRequest) (*providers.ChatResponse, providers.Provider, error) {
	chain := l.providers
	startIdx := 0
	for i, p := range chain {
		if p == first {
			startIdx = i
			break
		}
	}

	var lastErr error
	tried := []providers.Provider{first}
	if !pinned {
		for _, p := range chain[startIdx+1:] {
			tried = append(tried, p)
		}
		for _, p := range chain[:startIdx] {
			tried = append(tried, p)
		}
	}

	for attempt, p := range tried {
		req := chatReq
		req.Model = chatReq.Model
		if attempt > 0 {
			req.Model = p.DefaultModel()
		}

		llmCtx, span := startLLMSpan(ctx, p.Name(), req.Model, attempt+1)
		resp, err := providers.RetryDo(llmCtx, providers.DefaultRetryConfig(), func() (*providers.ChatResponse, error) {
			return p.Chat(llmCtx, req)
		})
		endLLMSpan(span, resp, err)

		if err == nil {
			return resp, p, nil
		}
		lastErr = err
		kind := providers.KindOf(err)
		slog.Warn("agent: provider call failed", "agent", l.id, "provider", p.Name(), "kind", kind, "error", err)
		if !kind.Retryable() {
			return nil, nil, gatewayerr.Wrap(kind, err, "provider %s failed for agent %s", p.Name(), l.id)
		}
		if pinned {
			break
		}
	}

	return nil, nil, gatewayerr.Wrap(gatewayerr.Unavailable, lastErr, "all providers in fallback chain failed for agent %s", l.id)
}
