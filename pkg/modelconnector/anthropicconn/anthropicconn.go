// Package anthropicconn adapts the Anthropic Messages API to the
// chat.Connector capability (spec.md §6 ModelConnector), grounded on the
// teacher's pkg/model/provider/anthropic client/adapter.
package anthropicconn

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/docker/docker-agent/pkg/chat"
)

const defaultMaxTokens = 4096

// Connector wraps an anthropic.Client for a single named connection.
type Connector struct {
	id     string
	client anthropic.Client
	models []chat.ModelInfo
}

// New builds a Connector for connection id, authenticating with apiKey and
// optionally overriding baseURL.
func New(id, apiKey, baseURL string, models []chat.ModelInfo) *Connector {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Connector{id: id, client: anthropic.NewClient(opts...), models: models}
}

func (c *Connector) ID() string { return c.id }

// StreamChat implements chat.Connector.StreamChat against the Messages
// streaming endpoint. Anthropic requires system prompts out-of-band from the
// message list, so every system message is extracted into params.System.
func (c *Connector) StreamChat(ctx context.Context, messages []chat.Message, tools []chat.ToolDefinition, opts chat.Options) (chat.MessageStream, error) {
	if len(messages) == 0 {
		return nil, errors.New("at least one message is required")
	}

	maxTokens := int64(opts.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(opts.Model),
		MaxTokens: maxTokens,
	}

	var system []anthropic.TextBlockParam
	var msgs []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case chat.MessageRoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case chat.MessageRoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case chat.MessageRoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case chat.MessageRoleTool:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		}
	}
	if len(system) > 0 {
		params.System = system
	}
	params.Messages = msgs

	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}
	if opts.Thinking {
		params.Thinking = anthropic.ThinkingConfigParamUnion{
			OfEnabled: &anthropic.ThinkingConfigEnabledParam{BudgetTokens: maxTokens / 2},
		}
	}

	slog.Debug("anthropicconn: starting message stream", "connector", c.id, "model", opts.Model, "messages", len(msgs))

	stream := c.client.Messages.NewStreaming(ctx, params)
	return &streamAdapter{stream: stream}, nil
}

// Generate drains StreamChat into a single string.
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
// connection.
func (c *Connector) ListModels(context.Context) ([]chat.ModelInfo, error) {
	return c.models, nil
}

func convertTools(tools []chat.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		params, _ := t.Parameters.(map[string]any)
		out[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{Properties: params["properties"]},
			},
		}
	}
	return out
}

// streamAdapter adapts Anthropic's event-union stream to chat.MessageStream's
// single-delta-per-chunk shape (grounded on the teacher's streamAdapter.Recv:
// each content-block delta and the final message-delta usage report become
// one chat.StreamResponse).
type streamAdapter struct {
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	toolID   string
	toolName string
}

func (a *streamAdapter) Recv() (chat.StreamResponse, error) {
	if !a.stream.Next() {
		if err := a.stream.Err(); err != nil {
			return chat.StreamResponse{}, err
		}
		return chat.StreamResponse{}, io.EOF
	}

	event := a.stream.Current()
	response := chat.StreamResponse{Choices: []chat.Choice{{}}}

	switch variant := event.AsAny().(type) {
	case anthropic.ContentBlockStartEvent:
		switch block := variant.ContentBlock.AsAny().(type) {
		case anthropic.ToolUseBlock:
			a.toolID, a.toolName = block.ID, block.Name
			response.Choices[0].Delta.ToolCalls = []chat.ToolCall{{
				ID:       a.toolID,
				Type:     "function",
				Function: chat.FunctionCall{Name: a.toolName},
			}}
		case anthropic.ThinkingBlock:
			response.Choices[0].Delta.ReasoningContent = block.Thinking
			response.Choices[0].Delta.ThinkingSignature = block.Signature
		}

	case anthropic.ContentBlockDeltaEvent:
		switch delta := variant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			response.Choices[0].Delta.Content = delta.Text
		case anthropic.ThinkingDelta:
			response.Choices[0].Delta.ReasoningContent = delta.Thinking
		case anthropic.InputJSONDelta:
			response.Choices[0].Delta.ToolCalls = []chat.ToolCall{{
				ID:       a.toolID,
				Type:     "function",
				Function: chat.FunctionCall{Name: a.toolName, Arguments: delta.PartialJSON},
			}}
		}

	case anthropic.MessageDeltaEvent:
		if stop := variant.Delta.StopReason; stop != "" {
			response.Choices[0].FinishReason = convertFinishReason(string(stop))
		}
		response.Usage = &chat.Usage{
			OutputTokens: variant.Usage.OutputTokens,
		}

	case anthropic.MessageStartEvent:
		response.Model = string(variant.Message.Model)
		response.Usage = &chat.Usage{InputTokens: variant.Message.Usage.InputTokens}
	}

	return response, nil
}

func (a *streamAdapter) Close() error {
	return a.stream.Close()
}

func convertFinishReason(stop string) chat.FinishReason {
	switch stop {
	case "tool_use":
		return chat.FinishReasonToolCalls
	case "max_tokens":
		return chat.FinishReasonLength
	default:
		return chat.FinishReasonStop
	}
}
