package manager

import "github.com/docker/docker-agent/pkg/session"

// signalBus holds the typed callback slices backing Manager's public signal
// surface (spec.md §4.8). Each On* method appends to its slice; each
// emit* method invokes every registered callback synchronously, in
// registration order, on the same goroutine that triggered the mutation —
// the requirement spec.md §5 states as "Observer signal emission is
// synchronous with the mutation that triggered it" and "Handlers may not
// suspend."
//
// Grounded on the teacher's pkg/runtime.Event naming convention (one
// constructor per event kind: AgentInfo, ToolCall, ToolCallResponse, ...),
// but replacing its delivery mechanism: the teacher hands events to
// consumers over a buffered chan Event, which would let a slow subscriber
// fall behind the log it is describing. A synchronous callback slice
// cannot do that by construction.
type signalBus struct {
	sessionActivated []func(*session.Session)
	sessionRemoved   []func(*session.Session)
	agentActivated   []func(*session.Session, string)
	chatSend         []func(*session.Session, session.Message)
	streamStart      []func(*session.Session)
	streamChunk      []func(*session.Session, string, bool)
	streamContent    []func(*session.Session, string)
	toolMessage      []func(*session.Session, session.Message)
	messageAdded     []func(*session.Session, session.Message)
}

// OnSessionActivated subscribes to session_activated.
func (m *Manager) OnSessionActivated(fn func(*session.Session)) {
	m.signals.sessionActivated = append(m.signals.sessionActivated, fn)
}

// OnSessionRemoved subscribes to session_removed.
func (m *Manager) OnSessionRemoved(fn func(*session.Session)) {
	m.signals.sessionRemoved = append(m.signals.sessionRemoved, fn)
}

// OnAgentActivated subscribes to agent_activated.
func (m *Manager) OnAgentActivated(fn func(*session.Session, string)) {
	m.signals.agentActivated = append(m.signals.agentActivated, fn)
}

// OnChatSend subscribes to chat_send.
func (m *Manager) OnChatSend(fn func(*session.Session, session.Message)) {
	m.signals.chatSend = append(m.signals.chatSend, fn)
}

// OnStreamStart subscribes to stream_start.
func (m *Manager) OnStreamStart(fn func(*session.Session)) {
	m.signals.streamStart = append(m.signals.streamStart, fn)
}

// OnStreamChunk subscribes to stream_chunk(text, is_thinking).
func (m *Manager) OnStreamChunk(fn func(*session.Session, string, bool)) {
	m.signals.streamChunk = append(m.signals.streamChunk, fn)
}

// OnStreamContent subscribes to stream_content, the derived signal that
// fires only for non-thinking chunks (spec.md §4.8 signal surface).
func (m *Manager) OnStreamContent(fn func(*session.Session, string)) {
	m.signals.streamContent = append(m.signals.streamContent, fn)
}

// OnToolMessage subscribes to tool_message.
func (m *Manager) OnToolMessage(fn func(*session.Session, session.Message)) {
	m.signals.toolMessage = append(m.signals.toolMessage, fn)
}

// OnMessageAdded subscribes to message_added.
func (m *Manager) OnMessageAdded(fn func(*session.Session, session.Message)) {
	m.signals.messageAdded = append(m.signals.messageAdded, fn)
}

func (b *signalBus) emitSessionActivated(s *session.Session) {
	for _, fn := range b.sessionActivated {
		fn(s)
	}
}

func (b *signalBus) emitSessionRemoved(s *session.Session) {
	for _, fn := range b.sessionRemoved {
		fn(s)
	}
}

func (b *signalBus) emitAgentActivated(s *session.Session, name string) {
	for _, fn := range b.agentActivated {
		fn(s, name)
	}
}

func (b *signalBus) emitChatSend(s *session.Session, msg session.Message) {
	for _, fn := range b.chatSend {
		fn(s, msg)
	}
}

func (b *signalBus) emitStreamStart(s *session.Session) {
	for _, fn := range b.streamStart {
		fn(s)
	}
}

func (b *signalBus) emitStreamChunk(s *session.Session, text string, isThinking bool) {
	for _, fn := range b.streamChunk {
		fn(s, text, isThinking)
	}
}

func (b *signalBus) emitStreamContent(s *session.Session, text string) {
	for _, fn := range b.streamContent {
		fn(s, text)
	}
}

func (b *signalBus) emitToolMessage(s *session.Session, msg session.Message) {
	for _, fn := range b.toolMessage {
		fn(s, msg)
	}
}

func (b *signalBus) emitMessageAdded(s *session.Session, msg session.Message) {
	for _, fn := range b.messageAdded {
		fn(s, msg)
	}
}
