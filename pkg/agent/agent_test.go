package agent

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/docker-agent/pkg/chat"
	"github.com/docker/docker-agent/pkg/modelconnector/fakeconn"
	"github.com/docker/docker-agent/pkg/session"
	"github.com/docker/docker-agent/pkg/tools"
)

// fakeResolver implements ConnectorResolver by returning one fixed connector
// for every connection id, matching fakeconn's single-connector tests.
type fakeResolver struct {
	conn chat.Connector
}

func (r *fakeResolver) Connector(string) (chat.Connector, bool) {
	return r.conn, r.conn != nil
}

// fakeToolProvider implements ToolProvider with a fixed tool set.
type fakeToolProvider struct {
	set *tools.Set
}

func (p *fakeToolProvider) ToolsFor(string) *tools.Set {
	if p.set == nil {
		return tools.NewSet()
	}
	return p.set
}

// fakeStore is an in-memory session.Store, grounded on the same hand-rolled
// fake style as pkg/session/session_test.go's fakeHub.
type fakeStore struct {
	mu   sync.Mutex
	rows map[int64]session.Metadata
	next int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[int64]session.Metadata{}}
}

func (s *fakeStore) Insert(_ context.Context, m session.Metadata) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	m.ID = s.next
	s.rows[s.next] = m
	return s.next, nil
}

func (s *fakeStore) UpdateByID(_ context.Context, m session.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[m.ID] = m
	return nil
}

func (s *fakeStore) SelectAllOrderedByUpdatedAtDesc(context.Context) iter.Seq2[session.Metadata, error] {
	return func(func(session.Metadata, error) bool) {}
}

func (s *fakeStore) DeleteByID(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *fakeStore) Close() error { return nil }

// fakeHub implements session.Hub, adapted from pkg/session/session_test.go's
// fakeHub to also back Store() with an in-memory fakeStore so Agent's
// finish/finalize paths can Save successfully.
type fakeHub struct {
	factories map[string]session.AgentFactory
	usage     session.ModelUsage
	store     session.Store
	fileIO    *session.FileIO
	list      *session.List

	mu            sync.Mutex
	messagesAdded []session.Message
	streamChunks  []string
}

func newFakeHub(t *testing.T) *fakeHub {
	t.Helper()
	return &fakeHub{
		factories: map[string]session.AgentFactory{},
		store:     newFakeStore(),
		fileIO:    session.NewFileIO(t.TempDir()),
		list:      session.NewList(),
	}
}

func (h *fakeHub) AgentFactory(name string) (session.AgentFactory, bool) {
	f, ok := h.factories[name]
	return f, ok
}
func (h *fakeHub) DefaultModelUsage() session.ModelUsage { return h.usage }
func (h *fakeHub) ResolveModel(string) (string, session.ModelCaps, bool) {
	return "", session.ModelCaps{}, false
}
func (h *fakeHub) OverlayConfig(usage session.ModelUsage) session.ModelUsage { return usage }
func (h *fakeHub) GenerateTitle(context.Context, int64, []string) string    { return "" }
func (h *fakeHub) Store() session.Store                                    { return h.store }
func (h *fakeHub) FileIO() *session.FileIO                                 { return h.fileIO }
func (h *fakeHub) EmitSessionActivated(*session.Session)                   {}
func (h *fakeHub) EmitSessionRemoved(*session.Session)                     {}
func (h *fakeHub) EmitAgentActivated(*session.Session, string)             {}
func (h *fakeHub) EmitChatSend(*session.Session, session.Message)          {}
func (h *fakeHub) EmitStreamStart(*session.Session)                        {}
func (h *fakeHub) EmitStreamChunk(_ *session.Session, text string, _ bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streamChunks = append(h.streamChunks, text)
}
func (h *fakeHub) EmitToolMessage(*session.Session, session.Message) {}
func (h *fakeHub) EmitMessageAdded(_ *session.Session, msg session.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messagesAdded = append(h.messagesAdded, msg)
}
func (h *fakeHub) ReplaceAt(pos int, loaded *session.Session) bool { return h.list.ReplaceAt(pos, loaded) }
func (h *fakeHub) PositionOf(s *session.Session) int               { return h.list.PositionOf(s) }

func (h *fakeHub) addedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messagesAdded)
}

// waitForIdle blocks until the session's background SendAsync goroutine has
// finished, the way TestManager_ConcurrentAccess-style tests in the teacher
// repo wait out a goroutine fan-out, adapted here to a single poll since
// Agent.SendAsync has no completion channel of its own.
func waitForIdle(t *testing.T, s *session.Session) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.IsRunning }, 2*time.Second, time.Millisecond)
}

// TestAgentStreamThinkingThenContent mirrors spec.md §8 Scenario B: a
// thinking segment followed by a content segment produces two streaming
// messages and a single end-stream marker, plus the done/ui wrapper
// messages Agent.finish appends.
func TestAgentStreamThinkingThenContent(t *testing.T) {
	hub := newFakeHub(t)
	script := fakeconn.Script{
		{Text: "reasoning...", IsThinking: true},
		{Text: "more", IsThinking: true},
		{Text: "answer ", IsThinking: false},
		{Text: "done.", IsThinking: false, Done: true},
	}
	conn := fakeconn.New("conn-1", script)
	factory := NewFactory(session.DefaultAgentName, "", &fakeResolver{conn: conn}, &fakeToolProvider{}, nil)
	hub.factories[session.DefaultAgentName] = factory

	empty := session.NewEmpty(hub, session.DefaultAgentName, session.ModelUsage{ModelName: "m"})
	loaded, err := empty.Send(context.Background(), session.Message{Role: session.RoleUser, Content: "hi"})
	require.NoError(t, err)

	waitForIdle(t, loaded)

	all := loaded.Log.All()
	require.Len(t, all, 6)
	assert.Equal(t, session.RoleUserSent, all[0].Role)
	assert.Equal(t, "hi", all[0].Content)
	assert.Equal(t, session.RoleThinkStream, all[1].Role)
	assert.Equal(t, "reasoning...more", all[1].Content)
	assert.Equal(t, session.RoleContentStream, all[2].Role)
	assert.Equal(t, "answer done.", all[2].Content)
	assert.Equal(t, session.RoleEndStream, all[3].Role)
	assert.Equal(t, session.RoleDone, all[4].Role)
	assert.Equal(t, session.RoleUI, all[5].Role)

	require.Len(t, conn.Requests, 1)
	require.Len(t, conn.Requests[0], 1)
	assert.Equal(t, chat.MessageRoleUser, conn.Requests[0][0].Role)
	assert.Equal(t, "hi", conn.Requests[0][0].Content)

	assert.Equal(t, 2, loaded.Metadata.TotalMessages) // user-sent + ui
	assert.NotZero(t, loaded.Metadata.ID)              // persisted via fakeStore
}

// TestAgentCancelMidStream mirrors spec.md §8 Scenario D: a call cancelled
// partway through streaming finalizes the log exactly as if done, but never
// emits the done/ui wrapper messages.
func TestAgentCancelMidStream(t *testing.T) {
	hub := newFakeHub(t)
	stream := &cancelingStream{
		chunks: []chat.Choice{
			{Delta: chat.Delta{Content: "chunk1"}},
			{Delta: chat.Delta{Content: "chunk2"}},
			{Delta: chat.Delta{Content: "chunk3"}},
		},
		cancelAt: 3,
	}
	conn := &cancelingConnector{stream: stream}
	factory := NewFactory(session.DefaultAgentName, "", &fakeResolver{conn: conn}, &fakeToolProvider{}, nil)
	hub.factories[session.DefaultAgentName] = factory

	ctx, cancel := context.WithCancel(context.Background())
	stream.cancel = cancel

	empty := session.NewEmpty(hub, session.DefaultAgentName, session.ModelUsage{ModelName: "m"})
	loaded, err := empty.Send(ctx, session.Message{Role: session.RoleUser, Content: "hi"})
	require.NoError(t, err)

	waitForIdle(t, loaded)

	all := loaded.Log.All()
	require.Len(t, all, 3)
	assert.Equal(t, session.RoleUserSent, all[0].Role)
	assert.Equal(t, session.RoleContentStream, all[1].Role)
	assert.Equal(t, "chunk1chunk2chunk3", all[1].Content)
	assert.Equal(t, session.RoleEndStream, all[2].Role)

	// No done/ui wrapper messages: only the initial user-sent message went
	// through EmitMessageAdded.
	assert.Equal(t, 1, hub.addedCount())
	assert.NotZero(t, loaded.Metadata.ID) // still saved on cancellation
}

// TestAgentProcessToolCallsAppendsResult exercises the tool-call dispatch
// path directly (spec.md §4.6 step 6), independent of the streaming loop
// that invokes it.
func TestAgentProcessToolCallsAppendsResult(t *testing.T) {
	hub := newFakeHub(t)
	conn := fakeconn.New("conn-1", fakeconn.Script{{Text: "ok", Done: true}})
	echoSet := tools.NewSet(tools.EchoTool{})
	factory := NewFactory("echo-agent", "", &fakeResolver{conn: conn}, &fakeToolProvider{set: echoSet}, nil)
	hub.factories["echo-agent"] = factory

	empty := session.NewEmpty(hub, "echo-agent", session.ModelUsage{})
	loaded, err := empty.Send(context.Background(), session.Message{Role: session.RoleUser, Content: "hi"})
	require.NoError(t, err)
	waitForIdle(t, loaded)

	ag, ok := loaded.Agent().(*Agent)
	require.True(t, ok)

	argsJSON, err := json.Marshal(map[string]any{"text": "echoed"})
	require.NoError(t, err)
	calls := []chat.ToolCall{{ID: "call-1", Function: chat.FunctionCall{Name: "echo", Arguments: string(argsJSON)}}}

	before := len(loaded.Log.All())
	ag.processToolCalls(context.Background(), calls)

	all := loaded.Log.All()
	require.Len(t, all, before+1)
	last := all[len(all)-1]
	assert.Equal(t, session.RoleTool, last.Role)
	assert.Equal(t, "echoed", last.Content)
	assert.Equal(t, "call-1", last.ToolCallID)
}

// cancelingStream yields a fixed sequence of chunks, then cancels its own
// context and reports context.Canceled at position cancelAt, simulating a
// concurrent Cancel() call landing mid-stream without relying on real
// goroutine timing.
type cancelingStream struct {
	chunks   []chat.Choice
	pos      int
	cancelAt int
	cancel   context.CancelFunc
}

func (s *cancelingStream) Recv() (chat.StreamResponse, error) {
	if s.pos == s.cancelAt {
		s.cancel()
		return chat.StreamResponse{}, context.Canceled
	}
	c := s.chunks[s.pos]
	s.pos++
	return chat.StreamResponse{Choices: []chat.Choice{c}}, nil
}

func (s *cancelingStream) Close() error { return nil }

type cancelingConnector struct {
	stream *cancelingStream
}

func (c *cancelingConnector) ID() string { return "canceling" }
func (c *cancelingConnector) StreamChat(context.Context, []chat.Message, []chat.ToolDefinition, chat.Options) (chat.MessageStream, error) {
	return c.stream, nil
}
func (c *cancelingConnector) Generate(context.Context, []chat.Message, chat.Options) (string, error) {
	return "", nil
}
func (c *cancelingConnector) ListModels(context.Context) ([]chat.ModelInfo, error) { return nil, nil }

// sequencedConnector replays a different fakeconn.Script on each successive
// StreamChat call, letting a test script a tool-call round followed by a
// final answer, unlike fakeconn.Connector which replays one script forever.
type sequencedConnector struct {
	mu      sync.Mutex
	scripts []fakeconn.Script
	call    int

	Requests [][]chat.Message
}

func (c *sequencedConnector) ID() string { return "sequenced" }

func (c *sequencedConnector) StreamChat(ctx context.Context, messages []chat.Message, _ []chat.ToolDefinition, _ chat.Options) (chat.MessageStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, append([]chat.Message(nil), messages...))
	script := c.scripts[c.call]
	c.call++
	return &sequencedStream{ctx: ctx, chunks: script}, nil
}

func (c *sequencedConnector) Generate(context.Context, []chat.Message, chat.Options) (string, error) {
	return "", nil
}
func (c *sequencedConnector) ListModels(context.Context) ([]chat.ModelInfo, error) { return nil, nil }

type sequencedStream struct {
	ctx    context.Context
	chunks fakeconn.Script
	pos    int
}

func (s *sequencedStream) Recv() (chat.StreamResponse, error) {
	if err := s.ctx.Err(); err != nil {
		return chat.StreamResponse{}, err
	}
	if s.pos >= len(s.chunks) {
		return chat.StreamResponse{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++

	delta := chat.Delta{ToolCalls: c.ToolCalls}
	if c.IsThinking {
		delta.ReasoningContent = c.Text
	} else {
		delta.Content = c.Text
	}
	finish := c.FinishReason
	if finish == "" && c.Done {
		finish = chat.FinishReasonStop
	}
	return chat.StreamResponse{Choices: []chat.Choice{{Delta: delta, FinishReason: finish}}}, nil
}

func (s *sequencedStream) Close() error { return nil }

// TestAgentToolCallRoundTripSendsWellFormedSecondRequest drives a full
// tool-call iteration through Agent.run via Send: the first model turn asks
// for a tool call with no text, and the second request built from the
// resulting log must carry a preceding assistant message naming that tool
// call ahead of the tool result answering it (spec.md §4.6 step 1/6) — the
// shape both OpenAI's ToolMessage and Anthropic's NewToolResultBlock
// require.
func TestAgentToolCallRoundTripSendsWellFormedSecondRequest(t *testing.T) {
	hub := newFakeHub(t)
	argsJSON, err := json.Marshal(map[string]any{"text": "echoed"})
	require.NoError(t, err)

	conn := &sequencedConnector{scripts: []fakeconn.Script{
		{{ToolCalls: []chat.ToolCall{{ID: "call-1", Type: "function", Function: chat.FunctionCall{Name: "echo", Arguments: string(argsJSON)}}}, FinishReason: chat.FinishReasonToolCalls}},
		{{Text: "final answer", Done: true}},
	}}
	factory := NewFactory(session.DefaultAgentName, "", &fakeResolver{conn: conn}, &fakeToolProvider{set: tools.NewSet(tools.EchoTool{})}, nil)
	hub.factories[session.DefaultAgentName] = factory

	empty := session.NewEmpty(hub, session.DefaultAgentName, session.ModelUsage{ModelName: "m"})
	loaded, err := empty.Send(context.Background(), session.Message{Role: session.RoleUser, Content: "hi"})
	require.NoError(t, err)
	waitForIdle(t, loaded)

	require.Len(t, conn.Requests, 2)

	second := conn.Requests[1]
	require.Len(t, second, 3)
	assert.Equal(t, chat.MessageRoleUser, second[0].Role)

	assistantTurn := second[1]
	assert.Equal(t, chat.MessageRoleAssistant, assistantTurn.Role)
	require.Len(t, assistantTurn.ToolCalls, 1)
	assert.Equal(t, "call-1", assistantTurn.ToolCalls[0].ID)

	toolTurn := second[2]
	assert.Equal(t, chat.MessageRoleTool, toolTurn.Role)
	assert.Equal(t, "call-1", toolTurn.ToolCallID)
	assert.Equal(t, "echoed", toolTurn.Content)
}
