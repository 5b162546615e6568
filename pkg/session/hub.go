package session

import (
	"context"

	"github.com/docker/docker-agent/pkg/chat"
)

// Hub is the non-owning handle a Session holds back to its Manager (spec.md
// §3 "Weak back-reference: Session holds a non-owning handle to Manager").
// It is the seam that lets Session emit signals upward and look up
// agent/model catalog state without Session importing the manager package
// (which owns SessionList, which owns Session — the cycle runs the other
// way).
type Hub interface {
	// AgentFactory looks up a registered agent factory by name.
	AgentFactory(name string) (AgentFactory, bool)

	// DefaultModelUsage returns the Manager's default ModelUsage, used when
	// an Empty or Placeholder session has none of its own.
	DefaultModelUsage() ModelUsage

	// ResolveModel looks the model up in the known connection-model
	// catalog (spec.md §4.5.2 Placeholder.load step 2). ok is false if the
	// model is not found on any connection.
	ResolveModel(modelName string) (connectionID string, caps ModelCaps, ok bool)

	// OverlayConfig applies per-model option overrides from config onto
	// usage, config overriding usage (spec.md §4.5.3 activate_model).
	OverlayConfig(usage ModelUsage) ModelUsage

	// GenerateTitle asks the TitleGenerator for a title given a session's
	// first user-sent messages. Never fails the save; errors are logged by
	// the Hub implementation and a local title built from the first user
	// message returned instead.
	GenerateTitle(ctx context.Context, sessionID int64, userMessages []string) string

	Store() Store
	FileIO() *FileIO

	// Signal emission, matching the public signal surface in spec.md §4.8.
	EmitSessionActivated(s *Session)
	EmitSessionRemoved(s *Session)
	EmitAgentActivated(s *Session, name string)
	EmitChatSend(s *Session, msg Message)
	EmitStreamStart(s *Session)
	EmitStreamChunk(s *Session, text string, isThinking bool)
	EmitToolMessage(s *Session, msg Message)
	EmitMessageAdded(s *Session, msg Message)

	// ReplaceAt is used by Placeholder.load to swap itself for its Loaded
	// successor in the owning SessionList at the same position.
	ReplaceAt(pos int, loaded *Session) bool

	// PositionOf returns the current position of s in the owning
	// SessionList, or -1 if absent.
	PositionOf(s *Session) int
}

// Agent owns the per-session request loop (spec.md §4.6).
type Agent interface {
	SendAsync(ctx context.Context, msg Message)
	Chat() *chat.Call
	ReplaceChat(other *chat.Call)
	RebuildTools()
}

// AgentFactory constructs an Agent for a session on first use or on agent
// swap (spec.md §4.6 "AgentFactory").
type AgentFactory interface {
	Name() string
	NewAgent(s *Session) Agent
}
