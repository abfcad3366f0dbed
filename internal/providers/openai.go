package providers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIProvider implements Provider for OpenAI-compatible chat completion
// APIs (OpenAI itself, Groq, OpenRouter, DeepSeek, vLLM, ...) on top of the
// official openai-go client, which already speaks the wire format the old
// hand-rolled client reimplemented by hand.
type OpenAIProvider struct {
	name         string
	client       openai.Client
	defaultModel string
	retryConfig  RetryConfig
}

func NewOpenAIProvider(name, apiKey, apiBase, defaultModel string) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if apiBase != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(apiBase, "/")))
	}
	return &OpenAIProvider{
		name:         name,
		client:       openai.NewClient(opts...),
		defaultModel: defaultModel,
		retryConfig:  DefaultRetryConfig(),
	}
}

func (p *OpenAIProvider) Name() string          { return p.name }
func (p *OpenAIProvider) DefaultModel() string   { return p.defaultModel }
func (p *OpenAIProvider) SupportsThinking() bool { return true }

// resolveModel returns the model ID to use for a request. OpenRouter model
// IDs require a provider prefix (e.g. "anthropic/claude-sonnet-4-5"); an
// unprefixed override is assumed to be wrong for this backend and ignored.
func (p *OpenAIProvider) resolveModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	if p.name == "openrouter" && !strings.Contains(model, "/") {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := p.buildParams(req)
	completion, err := RetryDo(ctx, p.retryConfig, func() (*openai.ChatCompletion, error) {
		c, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, p.wrapErr(err)
		}
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return openaiToChatResponse(completion), nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	params := p.buildParams(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if onChunk == nil || len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			onChunk(StreamChunk{Content: delta.Content})
		}
	}
	if err := stream.Err(); err != nil {
		return nil, p.wrapErr(err)
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return openaiToChatResponse(&acc.ChatCompletion), nil
}

func (p *OpenAIProvider) buildParams(req ChatRequest) openai.ChatCompletionNewParams {
	model := p.resolveModel(req.Model)

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: openaiMessages(req),
	}

	if len(req.Tools) > 0 {
		params.Tools = openaiTools(p.name, req.Tools)
	}

	if v, ok := req.Options[OptMaxTokens].(int); ok && v > 0 {
		params.MaxTokens = openai.Int(int64(v))
	}
	if v, ok := req.Options[OptTemperature].(float64); ok {
		params.Temperature = openai.Float(v)
	}
	if level, ok := req.Options[OptThinkingLevel].(string); ok && level != "" && level != "off" {
		params.ReasoningEffort = openai.ReasoningEffort(level)
	}

	return params
}

// openaiMessages converts the provider-agnostic conversation, plus an
// optional system prompt, into the chat completion wire format.
func openaiMessages(req ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "user":
			if len(m.Images) == 0 {
				out = append(out, openai.UserMessage(m.Content))
				continue
			}
			var parts []openai.ChatCompletionContentPartUnionParam
			for _, img := range m.Images {
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
					URL: "data:" + img.MimeType + ";base64," + img.Data,
				}))
			}
			if m.Content != "" {
				parts = append(parts, openai.TextContentPart(m.Content))
			}
			out = append(out, openai.UserMessage(parts))
		case "assistant":
			msg := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				msg.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Arguments)
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func openaiTools(provider string, tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Function.Name,
				Description: openai.String(t.Function.Description),
				Parameters:  CleanSchemaForProvider(provider, t.Function.Parameters),
			},
		})
	}
	return out
}

func openaiToChatResponse(c *openai.ChatCompletion) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	if c == nil || len(c.Choices) == 0 {
		return result
	}

	choice := c.Choices[0]
	result.Content = choice.Message.Content
	if choice.FinishReason != "" {
		result.FinishReason = choice.FinishReason
	}

	for _, tc := range choice.Message.ToolCalls {
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: args,
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	result.Usage = &Usage{
		PromptTokens:     int(c.Usage.PromptTokens),
		CompletionTokens: int(c.Usage.CompletionTokens),
		TotalTokens:      int(c.Usage.TotalTokens),
	}
	if c.Usage.PromptTokensDetails.CachedTokens > 0 {
		result.Usage.CacheReadTokens = int(c.Usage.PromptTokensDetails.CachedTokens)
	}
	if c.Usage.CompletionTokensDetails.ReasoningTokens > 0 {
		result.Usage.ThinkingTokens = int(c.Usage.CompletionTokensDetails.ReasoningTokens)
	}

	return result
}

func (p *OpenAIProvider) wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		httpErr := &HTTPError{Status: apiErr.StatusCode, Body: apiErr.Error()}
		if apiErr.Response != nil {
			httpErr.RetryAfter = ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return httpErr
	}
	return err
}
