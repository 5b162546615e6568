package session

import (
	"iter"
	"sync"
	"time"

	"github.com/docker/docker-agent/pkg/chat"
)

// streamState models spec.md §9's StreamState sum: Idle | Streaming{role,
// accumulated}. finalize_stream is the only path from Streaming back to
// Idle.
type streamState struct {
	active bool
	role   Role
	index  int // position of the in-progress streaming message in messages
}

// MessageLog is the ordered, append-only (during a live session) message
// sequence owned by a Loaded session (spec.md §4.3).
type MessageLog struct {
	mu       sync.Mutex
	messages []Message
	stream   streamState
}

// NewMessageLog returns an empty log.
func NewMessageLog() *MessageLog {
	return &MessageLog{}
}

// Append adds msg to the tail. If msg is a streaming role and the current
// tail is an open stream of the same polarity (thinking vs. content), its
// content is concatenated onto that tail instead of opening a new message;
// if the previous open stream has the opposite polarity, it is implicitly
// closed (no explicit end-stream in between — spec.md §4.6 tie-break) and a
// new streaming message is opened with the new role.
func (l *MessageLog) Append(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendLocked(msg)
}

func (l *MessageLog) appendLocked(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	if msg.Role.IsStreamingScaffolding() && msg.Role != RoleEndStream {
		if l.stream.active && l.stream.role == msg.Role {
			l.messages[l.stream.index].Content += msg.Content
			return
		}
		// Polarity flip or first chunk: open a new streaming message,
		// implicitly abandoning any previous open stream of the other role.
		l.messages = append(l.messages, msg)
		l.stream = streamState{active: true, role: msg.Role, index: len(l.messages) - 1}
		return
	}

	l.messages = append(l.messages, msg)
}

// AppendStreamChunk is the entry point used by Agent while draining a
// model stream: it classifies is_thinking into the right streaming role
// and appends via Append. A zero-length chunk with done=true finalizes
// without opening a new segment (spec.md §4.6 tie-break).
func (l *MessageLog) AppendStreamChunk(text string, isThinking, done bool) {
	if text == "" && done {
		l.FinalizeStream()
		return
	}
	role := RoleContentStream
	if isThinking {
		role = RoleThinkStream
	}
	l.Append(Message{Role: role, Content: text})
	if done {
		l.FinalizeStream()
	}
}

// FinalizeStream appends an end-stream marker and clears the
// current-stream pointer (spec.md §4.3). It appends regardless of whether
// a stream was actually open — a response whose first and only chunk is a
// zero-length done signal still produces an end-stream marker with no
// preceding streaming message (spec.md §8 boundary behavior) — but is
// idempotent against the tail already being an end-stream, so cancellation
// settling twice in a row has the same observable effect as once (spec.md
// §8 invariant 7).
func (l *MessageLog) FinalizeStream() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalizeStreamLocked()
}

func (l *MessageLog) finalizeStreamLocked() {
	l.stream = streamState{}
	if n := len(l.messages); n > 0 && l.messages[n-1].Role == RoleEndStream {
		return
	}
	l.messages = append(l.messages, Message{Role: RoleEndStream, Timestamp: time.Now()})
}

// AttachPendingToolCalls records the tool calls the model just requested on
// the content-stream message carrying the turn they belong to, then
// finalizes the stream (spec.md §4.6 step 6): the next buildMessages call
// must see a preceding assistant tool_calls turn ahead of the tool results
// that follow, exactly as OpenAI's ToolMessage and Anthropic's
// NewToolResultBlock both require. If no content was streamed before the
// tool call arrived (the common case), an empty content-stream message is
// opened to carry them.
func (l *MessageLog) AttachPendingToolCalls(calls []chat.ToolCall) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !(l.stream.active && l.stream.role == RoleContentStream) {
		l.messages = append(l.messages, Message{Role: RoleContentStream, Timestamp: time.Now()})
		l.stream = streamState{active: true, role: RoleContentStream, index: len(l.messages) - 1}
	}
	l.messages[l.stream.index].ToolCalls = calls
	l.finalizeStreamLocked()
}

// IsStreaming reports whether a streaming message is currently open.
func (l *MessageLog) IsStreaming() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stream.active
}

// All returns a snapshot copy of every message in order.
func (l *MessageLog) All() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.messages...)
}

// IterPersistable yields every message whose role is persistable (filters
// out transient roles such as "done").
func (l *MessageLog) IterPersistable() iter.Seq[Message] {
	all := l.All()
	return func(yield func(Message) bool) {
		for _, m := range all {
			if !m.Role.IsPersistable() {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// CountAssistantReplies returns the number of assistant-role messages,
// used for display (spec.md §4.3).
func (l *MessageLog) CountAssistantReplies() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, m := range l.messages {
		if m.Role == RoleAssistant {
			count++
		}
	}
	return count
}

// CountVisiblePersisted returns the number of visible-persisted messages,
// i.e. total_messages after a save (spec.md §8 invariant 1).
func (l *MessageLog) CountVisiblePersisted() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, m := range l.messages {
		if m.Role.IsVisiblePersisted() {
			count++
		}
	}
	return count
}

// LoadFrom replaces the log's contents with messages read from a document,
// reconstructing the open-stream pointer if the tail is a streaming
// message whose session is still marked running (spec.md §4.3: "the log
// presents the partial stream back to the UI as if the stream were live").
func (l *MessageLog) LoadFrom(messages []Message, isRunning bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append([]Message(nil), messages...)
	l.stream = streamState{}
	if isRunning && len(l.messages) > 0 {
		tail := l.messages[len(l.messages)-1]
		if tail.Role == RoleContentStream || tail.Role == RoleThinkStream {
			l.stream = streamState{active: true, role: tail.Role, index: len(l.messages) - 1}
		}
	}
}
