package session

import (
	"context"
	"log/slog"
	"time"
)

// Kind discriminates the three closed Session variants (spec.md §3, §4.5,
// §9 design note: "prefer a tagged variant over the closed set"). Shared
// fields live on Session itself; variant-specific state lives behind Kind.
type Kind int

const (
	KindEmpty Kind = iota
	KindPlaceholder
	KindLoaded
)

func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindPlaceholder:
		return "placeholder"
	case KindLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Session is the single non-optional current-session handle (spec.md §9
// "Use a non-optional current field holding the variant"). It is
// polymorphic over {display_info, save, send, load, activate, deactivate,
// cancel, activate_agent, activate_model, serialize, deserialize},
// dispatching through Kind rather than through an inheritance hierarchy.
type Session struct {
	Kind Kind

	Metadata   Metadata
	ModelUsage ModelUsage

	Active      bool
	IsRunning   bool
	UnreadCount int

	// Log and agent are present only for KindLoaded.
	Log   *MessageLog
	agent Agent

	hub Hub
}

// NewEmpty constructs an Empty session inheriting agentName and usage from
// whatever was previously current (spec.md §4.8 create_new_session).
func NewEmpty(hub Hub, agentName string, usage ModelUsage) *Session {
	return &Session{
		Kind: KindEmpty,
		Metadata: Metadata{
			AgentName: agentName,
		},
		ModelUsage: usage,
		hub:        hub,
	}
}

// NewPlaceholder constructs a Placeholder from an index row, used while
// scanning the store at startup (spec.md §4.8 load_sessions).
func NewPlaceholder(hub Hub, metadata Metadata) *Session {
	return &Session{
		Kind:     KindPlaceholder,
		Metadata: metadata,
		hub:      hub,
	}
}

// DisplayInfo is the read-only projection every variant can produce.
type DisplayInfo struct {
	ID              int64
	Fid             string
	Title           string
	ModelName       string
	AgentName       string
	TotalMessages   int
	UpdatedAt       int64
	UnreadCount     int
	IsRunning       bool
}

// DisplayInfo returns the variant's display projection. Valid for all
// three variants.
func (s *Session) DisplayInfo() DisplayInfo {
	return DisplayInfo{
		ID:            s.Metadata.ID,
		Fid:           s.Metadata.Fid,
		Title:         s.Metadata.Title,
		ModelName:     s.Metadata.ModelName,
		AgentName:     s.Metadata.AgentName,
		TotalMessages: s.Metadata.TotalMessages,
		UpdatedAt:     s.Metadata.UpdatedAt,
		UnreadCount:   s.UnreadCount,
		IsRunning:     s.IsRunning,
	}
}

// Activate marks the session active and clears unread_count atomically
// (spec.md §5 "On activate, unread_count is cleared atomically").
func (s *Session) Activate() {
	s.Active = true
	s.UnreadCount = 0
}

// Deactivate marks the session inactive; subsequent stream chunks increment
// unread_count instead of relaying to Manager (spec.md §5).
func (s *Session) Deactivate() {
	s.Active = false
}

// Send dispatches to the variant-specific send behavior (spec.md §4.5.1,
// §4.5.2, §4.5.3). The returned Session is the one that should become (or
// remain) Manager.current: EmptySession.send promotes to a new Loaded
// session; the other variants return s unchanged (after, for Placeholder,
// returning the InvalidArgument-flavored "unsupported" error).
func (s *Session) Send(ctx context.Context, msg Message) (*Session, error) {
	switch s.Kind {
	case KindEmpty:
		return s.sendEmpty(ctx, msg)
	case KindPlaceholder:
		return s, newInvalidArgument("session is a placeholder; call load() first")
	default:
		return s, s.sendLoaded(ctx, msg)
	}
}

// sendEmpty implements spec.md §4.5.1 EmptySession.send.
func (s *Session) sendEmpty(ctx context.Context, msg Message) (*Session, error) {
	loaded := &Session{
		Kind: KindLoaded,
		Metadata: Metadata{
			Fid:       NewFid(time.Now()),
			AgentName: s.Metadata.AgentName,
		},
		ModelUsage: s.ModelUsage,
		Log:        NewMessageLog(),
		hub:        s.hub,
	}
	s.hub.EmitSessionActivated(loaded)
	loaded.Activate()
	if err := loaded.sendLoaded(ctx, msg); err != nil {
		return loaded, err
	}
	return loaded, nil
}

// sendLoaded implements spec.md §4.5.3 LoadedSession.send.
func (s *Session) sendLoaded(ctx context.Context, msg Message) error {
	if msg.Role != RoleUser {
		s.Log.Append(msg)
		s.emitMessageAdded(msg)
		return nil
	}

	if s.IsRunning {
		return newInvalidArgument("a request is already running for this session")
	}

	visible := Message{Role: RoleUserSent, Content: msg.Content, Timestamp: time.Now()}
	s.Log.Append(visible)
	s.emitMessageAdded(visible)

	if err := s.ensureAgent(); err != nil {
		return err
	}

	s.IsRunning = true
	s.hub.EmitChatSend(s, msg)
	s.agent.SendAsync(ctx, msg)
	return nil
}

func (s *Session) emitMessageAdded(msg Message) {
	if s.hub != nil {
		s.hub.EmitMessageAdded(s, msg)
	}
}

// ensureAgent constructs the session's agent on first use via
// ActivateAgent, if one is not already present.
func (s *Session) ensureAgent() error {
	if s.agent != nil {
		return nil
	}
	if err := s.ActivateModel(s.ModelUsage); err != nil {
		return err
	}
	return s.ActivateAgent(s.Metadata.AgentName)
}

// ActivateAgent implements spec.md §4.5.3 LoadedSession.activate_agent
// (Empty/Placeholder defer agent construction, per §4.5.1/§4.5.2, so this
// is a no-op there).
func (s *Session) ActivateAgent(name string) error {
	if s.Kind != KindLoaded {
		return nil
	}
	if s.agent != nil && s.Metadata.AgentName == name {
		return nil
	}

	factory, ok := s.hub.AgentFactory(name)
	if !ok {
		return newInvalidArgument("agent not registered: " + name)
	}

	newAgent := factory.NewAgent(s)
	if s.agent != nil {
		newAgent.ReplaceChat(s.agent.Chat())
	}
	s.agent = newAgent
	s.Metadata.AgentName = name
	s.hub.EmitAgentActivated(s, name)
	return nil
}

// ActivateModel implements spec.md §4.5.3 LoadedSession.activate_model.
func (s *Session) ActivateModel(usage ModelUsage) error {
	clone := usage.Clone()
	clone = s.hub.OverlayConfig(clone)
	s.ModelUsage = clone
	s.Metadata.ModelName = clone.ModelName
	if s.agent != nil {
		// Agent.RebuildTools applies the new connector/model/options/tools
		// to the existing ChatCall in place; the agent has access to the
		// connector registry this package does not.
		s.agent.RebuildTools()
	}
	return nil
}

// Cancel implements spec.md §4.5.3 LoadedSession.cancel / §5 cancellation.
// It is a no-op for Empty/Placeholder.
func (s *Session) Cancel() {
	if s.Kind != KindLoaded || s.agent == nil {
		return
	}
	s.agent.Chat().Cancel()
	s.IsRunning = false
}

// Agent returns the session's current agent, or nil if none exists yet
// (Empty/Placeholder, or a Loaded session that has not sent a message).
func (s *Session) Agent() Agent {
	return s.agent
}

// StreamStart emits the stream_start signal for s (spec.md §4.8 signal
// surface). Agent calls this once per request cycle, right before issuing
// the streaming call.
func (s *Session) StreamStart() {
	if s.hub != nil {
		s.hub.EmitStreamStart(s)
	}
}

// EmitToolMessage relays msg through the tool_message signal (spec.md §4.8
// signal surface), distinct from message_added so a UI can treat tool
// results (e.g. a toast) differently from ordinary log appends.
func (s *Session) EmitToolMessage(msg Message) {
	if s.hub != nil {
		s.hub.EmitToolMessage(s, msg)
	}
}

// HandleStreamChunk appends a model chunk to the log and relays it to the
// Manager if the session is active, otherwise increments unread_count
// (spec.md §4.6 step 4, §5 "Unread tracking").
func (s *Session) HandleStreamChunk(text string, isThinking bool) {
	s.Log.AppendStreamChunk(text, isThinking, false)
	if s.Active {
		s.hub.EmitStreamChunk(s, text, isThinking)
	} else {
		s.UnreadCount++
	}
}

// Save implements spec.md §4.5.3 LoadedSession.save: updates updated_at,
// recomputes total_messages, generates a title via TitleGenerator if empty,
// writes to the store and then the document file. Store/file errors are
// logged and never propagated into the request path (spec.md §7).
func (s *Session) Save(ctx context.Context, touchUpdatedAt bool) {
	if s.Kind != KindLoaded {
		return
	}

	if touchUpdatedAt {
		s.Metadata.UpdatedAt = time.Now().Unix()
	}
	s.Metadata.TotalMessages = s.Log.CountVisiblePersisted()

	if s.Metadata.TotalMessages == 0 {
		// A session with zero messages is never persisted (spec.md §8
		// boundary behavior).
		return
	}

	if s.Metadata.Title == "" {
		var firstUserMessages []string
		for _, m := range s.Log.All() {
			if m.Role == RoleUserSent {
				firstUserMessages = append(firstUserMessages, m.Content)
			}
			if len(firstUserMessages) >= 2 {
				break
			}
		}
		s.Metadata.Title = s.hub.GenerateTitle(ctx, s.Metadata.ID, firstUserMessages)
	}

	if s.Metadata.ID == 0 {
		id, err := s.hub.Store().Insert(ctx, s.Metadata)
		if err != nil {
			slog.Error("failed to insert session", "fid", s.Metadata.Fid, "error", err)
			return
		}
		s.Metadata.ID = id
	} else if err := s.hub.Store().UpdateByID(ctx, s.Metadata); err != nil {
		slog.Error("failed to update session", "id", s.Metadata.ID, "error", err)
		return
	}

	doc := Document{
		ID:              s.Metadata.ID,
		Fid:             s.Metadata.Fid,
		UpdatedAt:       s.Metadata.UpdatedAt,
		Title:           s.Metadata.Title,
		ModelUsage:      s.ModelUsage,
		AgentName:       s.Metadata.AgentName,
		TotalMessages:   s.Metadata.TotalMessages,
		TotalTokens:     s.Metadata.TotalTokens,
		DurationSeconds: s.Metadata.DurationSeconds,
		Messages:        collectPersistable(s.Log),
	}
	if err := s.hub.FileIO().Write(doc); err != nil {
		slog.Error("failed to write session document", "fid", s.Metadata.Fid, "error", err)
	}
}

func collectPersistable(log *MessageLog) []Message {
	var out []Message
	for m := range log.IterPersistable() {
		out = append(out, m)
	}
	return out
}

// Load implements spec.md §4.5.2 SessionPlaceholder.load. Empty and Loaded
// sessions are no-ops: Loaded.load() returns itself (spec.md §4.5 lifecycle
// table).
func (s *Session) Load(ctx context.Context) (*Session, error) {
	if s.Kind == KindLoaded {
		return s, nil
	}
	if s.Kind != KindPlaceholder {
		return s, nil
	}

	path, err := FidPath(s.hub.FileIO().Root, s.Metadata.Fid)
	if err != nil {
		return s, &LoadError{Kind: LoadErrorCorrupt, Fid: s.Metadata.Fid, Err: err}
	}
	doc, err := s.hub.FileIO().Read(path)
	if err != nil {
		if le, ok := err.(*LoadError); ok {
			le.Fid = s.Metadata.Fid
		}
		return s, err
	}

	usage := doc.ModelUsage
	if connID, caps, ok := s.hub.ResolveModel(s.Metadata.ModelName); ok {
		usage.ConnectionID = connID
		usage.ModelCaps = caps
	} else {
		usage = s.hub.DefaultModelUsage()
		usage.ModelName = s.Metadata.ModelName
	}

	loaded := &Session{
		Kind:       KindLoaded,
		Metadata:   s.Metadata,
		ModelUsage: usage,
		Log:        NewMessageLog(),
		hub:        s.hub,
	}
	loaded.Log.LoadFrom(doc.Messages, s.IsRunning)

	pos := s.hub.PositionOf(s)
	if pos >= 0 {
		s.hub.ReplaceAt(pos, loaded)
	}

	return loaded, nil
}
