package session

import (
	"time"

	"github.com/docker/docker-agent/pkg/chat"
)

// Role classifies a Message (spec.md §3). Roles fall into three classes:
// visible-persisted, streaming scaffolding, and transient signals.
type Role string

const (
	RoleUser          Role = "user"
	RoleUserSent      Role = "user-sent"
	RoleAssistant     Role = "assistant"
	RoleThinkStream   Role = "think-stream"
	RoleContentStream Role = "content-stream"
	RoleEndStream     Role = "end-stream"
	RoleDone          Role = "done"
	RoleUI            Role = "ui"
	RoleTool          Role = "tool"
)

// DefaultAgentName is used for sessions that never activated a named agent.
const DefaultAgentName = "just-ask"

// IsVisiblePersisted reports whether r belongs to the visible-persisted
// class: serialized and counted in total_messages.
func (r Role) IsVisiblePersisted() bool {
	switch r {
	case RoleUserSent, RoleAssistant, RoleUI, RoleTool:
		return true
	default:
		return false
	}
}

// IsStreamingScaffolding reports whether r belongs to the streaming
// scaffolding class: serialized so an interrupted session resumes display,
// finalized at stream completion.
func (r Role) IsStreamingScaffolding() bool {
	switch r {
	case RoleContentStream, RoleThinkStream, RoleEndStream:
		return true
	default:
		return false
	}
}

// IsTransient reports whether r is a transient signal (spec.md: "done"):
// emitted to tools/UI but never persisted.
func (r Role) IsTransient() bool {
	return r == RoleDone
}

// IsPersistable reports whether r should be written to a session document:
// visible-persisted or streaming-scaffolding, but not transient.
func (r Role) IsPersistable() bool {
	return !r.IsTransient()
}

// Message is one entry in a session's MessageLog (spec.md §3).
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// ToolCalls carries the tool calls the model requested on an
	// assistant turn (content-stream or assistant role). buildMessages
	// attaches these to the outbound assistant chat.Message so a
	// following tool result has the preceding assistant tool_calls turn
	// OpenAI and Anthropic both require ahead of it.
	ToolCalls []chat.ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID names the tool call a "tool" role message answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IncludeHistoryInfo is a transient flag, true only during
	// serialization; it is never round-tripped.
	IncludeHistoryInfo bool `json:"-"`
}

// ModelUsage is the triple (connection, model, options) a session will send
// its next request with (spec.md §3, GLOSSARY). It is a plain value and is
// always cloned before mutation so multiple sessions never alias one
// another's options bag.
type ModelUsage struct {
	ConnectionID string         `json:"connection_id"`
	ModelName    string         `json:"model_name"`
	ModelCaps    ModelCaps      `json:"model_caps"`
	Options      map[string]any `json:"options"`
}

// ModelCaps describes what a model supports, namely whether it has a
// thinking/reasoning mode (spec.md §4.5.3 "activate_model ... thinking flag
// (from model_caps)").
type ModelCaps struct {
	Thinking bool `json:"thinking"`
}

// Clone returns a deep-enough copy of u safe to mutate independently.
func (u ModelUsage) Clone() ModelUsage {
	clone := u
	if u.Options != nil {
		clone.Options = make(map[string]any, len(u.Options))
		for k, v := range u.Options {
			clone.Options[k] = v
		}
	}
	return clone
}

// Metadata is the flat relational-index row for one session (spec.md §3).
// id and fid are immutable after creation.
type Metadata struct {
	ID              int64  `json:"id"`
	Fid             string `json:"fid"`
	UpdatedAt       int64  `json:"updated_at"`
	Title           string `json:"title"`
	ModelName       string `json:"model_name"`
	AgentName       string `json:"agent_name"`
	TotalMessages   int    `json:"total_messages"`
	TotalTokens     int64  `json:"total_tokens"`
	DurationSeconds int64  `json:"duration_seconds"`
}
