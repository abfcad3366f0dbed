package agent

import (
	"context"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clawgate/clawgate/internal/providers"
)

// tracerName identifies this package's spans in the configured otel
// exporter, matching the module path convention the rest of the tree uses
// for instrumentation scopes.
const tracerName = "github.com/clawgate/clawgate/internal/agent"

// tracer returns the global otel tracer for this package. The gateway does
// not install a TracerProvider itself; with no provider configured, otel's no-op tracer makes every span call here a
// zero-cost no-op, so this package never special-cases "tracing off".
func tracer() trace.Tracer { return otel.Tracer(tracerName) }

// startTurnSpan opens the root span for one agent turn invocation (C7).
func startTurnSpan(ctx context.Context, id, sessionKey, runID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("agent.id", id),
		attribute.String("session.key", sessionKey),
		attribute.String("run.id", runID),
	))
}

// startLLMSpan opens a child span around one provider.Chat/ChatStream call,
// attributed so a fallback chain's retries show as siblings under the same
// turn span.
func startLLMSpan(ctx context.Context, provider, model string, attempt int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "agent.llm_call", trace.WithAttributes(
		attribute.String("llm.provider", provider),
		attribute.String("llm.model", model),
		attribute.Int("llm.attempt", attempt),
	))
}

// endLLMSpan records the outcome of an LLM call on its span and closes it.
func endLLMSpan(span trace.Span, resp *providers.ChatResponse, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if resp != nil {
		span.SetAttributes(attribute.String("llm.finish_reason", resp.FinishReason))
		if resp.Usage != nil {
			span.SetAttributes(
				attribute.Int("llm.usage.prompt_tokens", resp.Usage.PromptTokens),
				attribute.Int("llm.usage.completion_tokens", resp.Usage.CompletionTokens),
				attribute.Int("llm.usage.cache_read_tokens", resp.Usage.CacheReadTokens),
				attribute.Int("llm.usage.cache_creation_tokens", resp.Usage.CacheCreationTokens),
			)
		}
	}
	span.SetStatus(codes.Ok, "")
}

// endTurnSpan records the final outcome of a whole turn.
func endTurnSpan(span trace.Span, result *RunResult, err error) {
	defer span.End()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if result != nil {
		span.SetAttributes(
			attribute.String("agent.provider", result.Provider),
			attribute.String("agent.model", result.Model),
			attribute.Bool("agent.silent", result.Silent),
			attribute.Int("agent.output_preview_len", utf8.RuneCountInString(result.Content)),
		)
	}
	span.SetStatus(codes.Ok, "")
}

func truncateStr(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
