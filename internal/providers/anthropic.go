package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultClaudeModel = "claude-sonnet-4-5-20250929"
)

// AnthropicProvider implements Provider on top of the official Anthropic Go
// SDK, replacing the hand-rolled request/SSE-parsing client the rest of this
// package used to carry.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retryConfig  RetryConfig
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey string, opts ...AnthropicOption) *AnthropicProvider {
	p := &AnthropicProvider{
		defaultModel: defaultClaudeModel,
		retryConfig:  DefaultRetryConfig(),
	}
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	for _, o := range opts {
		o(p, &clientOpts)
	}
	p.client = anthropic.NewClient(clientOpts...)
	return p
}

// AnthropicOption configures an AnthropicProvider at construction time.
type AnthropicOption func(*AnthropicProvider, *[]option.RequestOption)

func WithAnthropicModel(model string) AnthropicOption {
	return func(p *AnthropicProvider, _ *[]option.RequestOption) { p.defaultModel = model }
}

func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(_ *AnthropicProvider, opts *[]option.RequestOption) {
		if baseURL != "" {
			*opts = append(*opts, option.WithBaseURL(baseURL))
		}
	}
}

func (p *AnthropicProvider) Name() string          { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string   { return p.defaultModel }
func (p *AnthropicProvider) SupportsThinking() bool { return true }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := p.buildParams(req)
	msg, err := RetryDo(ctx, p.retryConfig, func() (*anthropic.Message, error) {
		m, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, wrapAnthropicErr(err)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return anthropicToChatResponse(msg), nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	params := p.buildParams(req)

	stream := p.client.Messages.NewStreaming(ctx, params)
	var acc anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, wrapAnthropicErr(err)
		}
		if onChunk == nil {
			continue
		}
		switch delta := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch d := delta.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				onChunk(StreamChunk{Content: d.Text})
			case anthropic.ThinkingDelta:
				onChunk(StreamChunk{Thinking: d.Thinking})
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, wrapAnthropicErr(err)
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return anthropicToChatResponse(&acc), nil
}

func (p *AnthropicProvider) buildParams(req ChatRequest) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: 4096,
		Messages:  anthropicMessages(req.Messages),
	}

	system := req.System
	for _, m := range req.Messages {
		if m.Role == "system" && m.Content != "" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		}
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if len(req.Tools) > 0 {
		params.Tools = anthropicTools(req.Tools)
	}

	if v, ok := req.Options[OptMaxTokens].(int); ok && v > 0 {
		params.MaxTokens = int64(v)
	}
	if v, ok := req.Options[OptTemperature].(float64); ok {
		params.Temperature = anthropic.Float(v)
	}
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		budget := anthropicThinkingBudget(level)
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: int64(budget)},
		}
		params.Temperature = anthropic.Float(1) // required by the API when thinking is enabled
		if params.MaxTokens < int64(budget)+4096 {
			params.MaxTokens = int64(budget) + 8192
		}
	}

	return params
}

func anthropicThinkingBudget(level string) int {
	switch level {
	case "minimal", "low":
		return 4096
	case "high":
		return 32000
	default:
		return 10000
	}
}

// anthropicMessages converts the provider-agnostic conversation into
// Anthropic message params. System-role messages are folded into the
// top-level system prompt instead (handled in buildParams).
func anthropicMessages(msgs []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case "system":
			continue
		case "user":
			var blocks []anthropic.ContentBlockParamUnion
			for _, img := range m.Images {
				blocks = append(blocks, anthropic.NewImageBlockBase64(img.MimeType, img.Data))
			}
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		case "assistant":
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		}
	}
	return out
}

func anthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		cleaned := CleanSchemaForProvider("anthropic", t.Function.Parameters)
		props, _ := cleaned["properties"].(map[string]interface{})
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Function.Name,
				Description: anthropic.String(t.Function.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: props},
			},
		})
	}
	return out
}

func anthropicToChatResponse(msg *anthropic.Message) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	thinkingChars := 0

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			result.Content += b.Text
		case anthropic.ThinkingBlock:
			result.Thinking += b.Thinking
			thinkingChars += len(b.Thinking)
		case anthropic.ToolUseBlock:
			args := make(map[string]interface{})
			_ = json.Unmarshal(b.Input, &args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      strings.TrimSpace(b.Name),
				Arguments: args,
			})
		}
	}

	switch msg.StopReason {
	case anthropic.StopReasonToolUse:
		result.FinishReason = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		result.FinishReason = "length"
	}

	result.Usage = &Usage{
		PromptTokens:        int(msg.Usage.InputTokens),
		CompletionTokens:    int(msg.Usage.OutputTokens),
		TotalTokens:         int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		CacheCreationTokens: int(msg.Usage.CacheCreationInputTokens),
		CacheReadTokens:     int(msg.Usage.CacheReadInputTokens),
	}
	if thinkingChars > 0 {
		result.Usage.ThinkingTokens = thinkingChars / 4
	}
	if raw, err := json.Marshal(msg.Content); err == nil {
		result.RawAssistantContent = raw
	}

	return result
}

// wrapAnthropicErr normalizes SDK errors into the shared HTTPError shape so
// IsRetryableError/KindOf can classify them without importing SDK types.
func wrapAnthropicErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		httpErr := &HTTPError{Status: apiErr.StatusCode, Body: apiErr.Error()}
		if apiErr.Response != nil {
			httpErr.RetryAfter = ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return httpErr
	}
	return err
}
