package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docker/docker-agent/pkg/chat"
)

// EchoTool is a diagnostic tool that returns its input verbatim, useful for
// exercising the tool-call loop in tests and demos without a live backend.
type EchoTool struct{}

func NewEchoTool() *EchoTool { return &EchoTool{} }

func (EchoTool) Definition() chat.ToolDefinition {
	return chat.ToolDefinition{
		Name:        "echo",
		Description: "Echoes back the given text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
	}
}

func (EchoTool) Call(_ context.Context, arguments json.RawMessage) (string, error) {
	var params struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(arguments, &params); err != nil {
		return "", err
	}
	return params.Text, nil
}

// ClockTool reports the current time, in UTC, RFC3339.
type ClockTool struct {
	now func() time.Time
}

func NewClockTool() *ClockTool {
	return &ClockTool{now: time.Now}
}

func (ClockTool) Definition() chat.ToolDefinition {
	return chat.ToolDefinition{
		Name:        "clock",
		Description: "Returns the current UTC time in RFC3339 format.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

func (c ClockTool) Call(context.Context, json.RawMessage) (string, error) {
	now := c.now
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339), nil
}
