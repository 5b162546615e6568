// Package openaiconn adapts the OpenAI Chat Completions API to the
// chat.Connector capability (spec.md §6 ModelConnector), grounded on the
// teacher's pkg/model/provider/openai client.
package openaiconn

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/openai/openai-go/v3/shared"

	"github.com/docker/docker-agent/pkg/chat"
)

// Connector wraps an openai.Client for a single named connection.
type Connector struct {
	id     string
	client openai.Client
	models []chat.ModelInfo
}

// New builds a Connector for connection id, authenticating with apiKey and
// optionally overriding baseURL (empty uses the SDK default).
func New(id, apiKey, baseURL string, models []chat.ModelInfo) *Connector {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Connector{id: id, client: openai.NewClient(opts...), models: models}
}

func (c *Connector) ID() string { return c.id }

// StreamChat implements chat.Connector.StreamChat against the Chat
// Completions streaming endpoint.
func (c *Connector) StreamChat(ctx context.Context, messages []chat.Message, tools []chat.ToolDefinition, opts chat.Options) (chat.MessageStream, error) {
	if len(messages) == 0 {
		return nil, errors.New("at least one message is required")
	}

	params := openai.ChatCompletionNewParams{
		Model:    opts.Model,
		Messages: convertMessages(messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}
	if opts.Thinking {
		params.ReasoningEffort = shared.ReasoningEffortMedium
	}

	slog.Debug("openaiconn: starting chat completion stream", "connector", c.id, "model", opts.Model, "messages", len(messages))

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	return &streamAdapter{stream: stream}, nil
}

// Generate performs a non-streaming one-shot completion by draining
// StreamChat, for callers that only want a single concatenated string.
func (c *Connector) Generate(ctx context.Context, messages []chat.Message, opts chat.Options) (string, error) {
	stream, err := c.StreamChat(ctx, messages, nil, opts)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var out []byte
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return string(out), err
		}
		if len(resp.Choices) > 0 {
			out = append(out, resp.Choices[0].Delta.Content...)
		}
	}
	return string(out), nil
}

// ListModels returns the statically configured model table for this
// connection (spec.md §6 "model listing used by Manager.ensure_model_usage").
func (c *Connector) ListModels(context.Context) ([]chat.ModelInfo, error) {
	return c.models, nil
}

func convertMessages(messages []chat.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case chat.MessageRoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case chat.MessageRoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case chat.MessageRoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		case chat.MessageRoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}

func convertTools(tools []chat.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, len(tools))
	for i, t := range tools {
		params, _ := t.Parameters.(map[string]any)
		out[i] = openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        t.Name,
			Description: openai.String(t.Description),
			Parameters:  params,
		})
	}
	return out
}

// streamAdapter adapts openai-go/v3's ssestream-backed chunk iterator to
// chat.MessageStream's pull-based Recv/Close shape.
type streamAdapter struct {
	stream           *ssestream.Stream[openai.ChatCompletionChunk]
	lastFinishReason chat.FinishReason
}

func (a *streamAdapter) Recv() (chat.StreamResponse, error) {
	if !a.stream.Next() {
		if err := a.stream.Err(); err != nil {
			return chat.StreamResponse{}, err
		}
		return chat.StreamResponse{}, io.EOF
	}

	chunk := a.stream.Current()
	response := chat.StreamResponse{Model: chunk.Model}

	if chunk.Usage.TotalTokens > 0 {
		response.Usage = &chat.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}

	for _, choice := range chunk.Choices {
		finishReason := chat.FinishReason(choice.FinishReason)
		if finishReason != "" {
			a.lastFinishReason = finishReason
		}

		delta := chat.Delta{Content: choice.Delta.Content}
		for _, tc := range choice.Delta.ToolCalls {
			delta.ToolCalls = append(delta.ToolCalls, chat.ToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: chat.FunctionCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments},
			})
		}

		response.Choices = append(response.Choices, chat.Choice{
			Delta:        delta,
			FinishReason: finishReason,
		})
	}

	return response, nil
}

func (a *streamAdapter) Close() error {
	return a.stream.Close()
}
