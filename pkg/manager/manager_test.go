package manager

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/docker-agent/pkg/agent"
	"github.com/docker/docker-agent/pkg/config"
	"github.com/docker/docker-agent/pkg/modelconnector/fakeconn"
	"github.com/docker/docker-agent/pkg/permissions"
	"github.com/docker/docker-agent/pkg/session"
	"github.com/docker/docker-agent/pkg/tools"
)

// fakeStore is an in-memory session.Store, the same hand-rolled shape used
// by pkg/agent/agent_test.go and pkg/session/session_test.go.
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
	s.mu.Lock()
	rows := make([]session.Metadata, 0, len(s.rows))
	for _, m := range s.rows {
		rows = append(rows, m)
	}
	s.mu.Unlock()
	return func(yield func(session.Metadata, error) bool) {
		for _, m := range rows {
			if !yield(m, nil) {
				return
			}
		}
	}
}

func (s *fakeStore) DeleteByID(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func writeTestConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
connections:
  - id: conn-1
    kind: fake
    models:
      m:
        thinking: false
default_model: m
default_agent: just-ask
tools:
  echo: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func waitForIdle(t *testing.T, s *session.Session) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.IsRunning }, 2*time.Second, time.Millisecond)
}

// setup builds a Manager wired to a fake connector and an echo-capable
// agent factory, ready to drive Scenario-style tests end to end.
func setup(t *testing.T, script fakeconn.Script) (*Manager, *fakeconn.Connector) {
	t.Helper()
	cfg := writeTestConfig(t)
	store := newFakeStore()
	fileIO := session.NewFileIO(t.TempDir())
	checker := permissions.NewChecker(nil)
	toolSet := tools.NewSet(tools.EchoTool{})

	mgr := New(cfg, store, fileIO, checker, nil, toolSet)

	conn := fakeconn.New("conn-1", script)
	mgr.RegisterConnector("conn-1", conn)

	factory := agent.NewFactory(session.DefaultAgentName, "", mgr, mgr, checker)
	mgr.RegisterAgentFactory(factory)

	return mgr, conn
}

// TestManagerSendPromotesEmptyToLoaded mirrors spec.md §8 Scenario A: the
// Empty session returned by create_new_session, once sent a message,
// becomes a Loaded session that is inserted into SessionList and becomes
// current.
func TestManagerSendPromotesEmptyToLoaded(t *testing.T) {
	mgr, conn := setup(t, fakeconn.Script{{Text: "hi there", Done: true}})

	empty := mgr.CreateNewSession()
	require.Equal(t, session.KindEmpty, empty.Kind)
	assert.Equal(t, 0, mgr.List().Len())

	loaded, err := mgr.Send(context.Background(), empty, session.Message{Role: session.RoleUser, Content: "hello"})
	require.NoError(t, err)
	require.NotSame(t, empty, loaded)

	assert.Equal(t, 1, mgr.List().Len())
	assert.Same(t, loaded, mgr.Current())

	waitForIdle(t, loaded)
	require.Len(t, conn.Requests, 1)
	assert.NotZero(t, loaded.Metadata.ID)
	assert.NotEmpty(t, loaded.Metadata.Fid)

	found, ok := mgr.List().GetByFid(loaded.Metadata.Fid)
	require.True(t, ok)
	assert.Same(t, loaded, found)
}

// TestManagerLoadSessionsSkipsUnresolvableModel mirrors spec.md §4.8
// load_sessions's per-row validation: a row naming a model no connection
// serves is skipped rather than aborting startup.
func TestManagerLoadSessionsSkipsUnresolvableModel(t *testing.T) {
	cfg := writeTestConfig(t)
	store := newFakeStore()
	fileIO := session.NewFileIO(t.TempDir())
	mgr := New(cfg, store, fileIO, permissions.NewChecker(nil), nil, tools.NewSet())

	fid := session.NewFid(time.Now())
	require.NoError(t, fileIO.Write(session.Document{
		Fid:           fid,
		ModelUsage:    session.ModelUsage{ModelName: "does-not-exist"},
		AgentName:     session.DefaultAgentName,
		TotalMessages: 1,
		Messages:      []session.Message{{Role: session.RoleUserSent, Content: "hi"}},
	}))
	_, err := store.Insert(context.Background(), session.Metadata{
		Fid:       fid,
		ModelName: "does-not-exist",
		AgentName: session.DefaultAgentName,
	})
	require.NoError(t, err)

	require.NoError(t, mgr.LoadSessions(context.Background()))
	assert.Equal(t, 0, mgr.List().Len())
}

// TestManagerLoadSessionsSkipsMissingDocument mirrors spec.md §4.8
// load_sessions: a row whose document file is missing or empty is skipped.
func TestManagerLoadSessionsSkipsMissingDocument(t *testing.T) {
	cfg := writeTestConfig(t)
	store := newFakeStore()
	fileIO := session.NewFileIO(t.TempDir())
	mgr := New(cfg, store, fileIO, permissions.NewChecker(nil), nil, tools.NewSet())

	fid := session.NewFid(time.Now())
	_, err := store.Insert(context.Background(), session.Metadata{
		Fid:       fid,
		ModelName: "m",
		AgentName: session.DefaultAgentName,
	})
	require.NoError(t, err)

	require.NoError(t, mgr.LoadSessions(context.Background()))
	assert.Equal(t, 0, mgr.List().Len())
}

// TestManagerLoadSessionsInsertsValidPlaceholder mirrors the success path
// of load_sessions, and its second half is spec.md §8 Scenario C: loading
// the resulting Placeholder replaces it in place in SessionList with a
// Loaded session at the same position.
func TestManagerLoadSessionsInsertsValidPlaceholder(t *testing.T) {
	mgr, _ := setup(t, fakeconn.Script{{Text: "ok", Done: true}})

	fid := session.NewFid(time.Now())
	doc := session.Document{
		Fid:           fid,
		UpdatedAt:     time.Now().Unix(),
		Title:         "prior conversation",
		ModelUsage:    session.ModelUsage{ModelName: "m"},
		AgentName:     session.DefaultAgentName,
		TotalMessages: 1,
		Messages:      []session.Message{{Role: session.RoleUserSent, Content: "hi"}},
	}
	require.NoError(t, mgr.fileIO.Write(doc))

	id, err := mgr.store.Insert(context.Background(), session.Metadata{
		Fid:       fid,
		UpdatedAt: doc.UpdatedAt,
		Title:     doc.Title,
		ModelName: "m",
		AgentName: session.DefaultAgentName,
	})
	require.NoError(t, err)

	require.NoError(t, mgr.LoadSessions(context.Background()))
	require.Equal(t, 1, mgr.List().Len())

	placeholder, ok := mgr.List().GetByFid(fid)
	require.True(t, ok)
	assert.Equal(t, session.KindPlaceholder, placeholder.Kind)
	assert.Equal(t, id, placeholder.Metadata.ID)

	loaded, err := mgr.SwitchToSession(context.Background(), placeholder)
	require.NoError(t, err)
	assert.Equal(t, session.KindLoaded, loaded.Kind)
	assert.Same(t, loaded, mgr.Current())

	pos := mgr.List().PositionOf(loaded)
	assert.Equal(t, 0, pos)

	replaced, ok := mgr.List().GetByFid(fid)
	require.True(t, ok)
	assert.Same(t, loaded, replaced)

	require.Len(t, loaded.Log.All(), 1)
	assert.Equal(t, "hi", loaded.Log.All()[0].Content)
}

// TestManagerOnConfigChangedPropagatesWithoutRecreatingAgent mirrors
// spec.md §9 Scenario F: a config reload re-applies model options to a live
// Loaded session's agent without constructing a new one.
func TestManagerOnConfigChangedPropagatesWithoutRecreatingAgent(t *testing.T) {
	mgr, _ := setup(t, fakeconn.Script{{Text: "ok", Done: true}})

	empty := mgr.CreateNewSession()
	loaded, err := mgr.Send(context.Background(), empty, session.Message{Role: session.RoleUser, Content: "hi"})
	require.NoError(t, err)
	waitForIdle(t, loaded)

	before := loaded.Agent()
	require.NotNil(t, before)

	mgr.OnConfigChanged()

	after := loaded.Agent()
	assert.Same(t, before, after, "OnConfigChanged must not recreate the session's agent")
}

// TestManagerSignalsFireSynchronouslyInOrder exercises the On*/Emit* wiring
// directly: three OnMessageAdded subscribers fire in registration order on
// every message_added emission. One send emits message_added three times
// (user-sent, then done and ui when the agent finishes).
func TestManagerSignalsFireSynchronouslyInOrder(t *testing.T) {
	mgr, _ := setup(t, fakeconn.Script{{Text: "ok", Done: true}})

	var order []int
	mgr.OnMessageAdded(func(*session.Session, session.Message) { order = append(order, 1) })
	mgr.OnMessageAdded(func(*session.Session, session.Message) { order = append(order, 2) })
	mgr.OnMessageAdded(func(*session.Session, session.Message) { order = append(order, 3) })

	empty := mgr.CreateNewSession()
	loaded, err := mgr.Send(context.Background(), empty, session.Message{Role: session.RoleUser, Content: "hi"})
	require.NoError(t, err)
	waitForIdle(t, loaded)

	require.Len(t, order, 9)
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3, 1, 2, 3}, order)
}

// TestManagerRemoveSessionEmitsSessionRemoved exercises RemoveSession's
// wiring of the otherwise-unfired session_removed signal.
func TestManagerRemoveSessionEmitsSessionRemoved(t *testing.T) {
	mgr, _ := setup(t, fakeconn.Script{{Text: "ok", Done: true}})

	var removed *session.Session
	mgr.OnSessionRemoved(func(s *session.Session) { removed = s })

	empty := mgr.CreateNewSession()
	loaded, err := mgr.Send(context.Background(), empty, session.Message{Role: session.RoleUser, Content: "hi"})
	require.NoError(t, err)
	waitForIdle(t, loaded)

	require.NoError(t, mgr.RemoveSession(context.Background(), loaded.Metadata.Fid))
	assert.Same(t, loaded, removed)
	assert.Equal(t, 0, mgr.List().Len())

	_, ok := mgr.List().GetByFid(loaded.Metadata.Fid)
	assert.False(t, ok)
}

// TestManagerActivateAgentUnknownSession covers the InvalidArgumentError
// path of activate_agent(fid, name) for a fid SessionList does not know.
func TestManagerActivateAgentUnknownSession(t *testing.T) {
	mgr, _ := setup(t, fakeconn.Script{{Text: "ok", Done: true}})

	err := mgr.ActivateAgent("no-such-fid", session.DefaultAgentName)
	require.Error(t, err)
	var invalidArg *session.InvalidArgumentError
	assert.ErrorAs(t, err, &invalidArg)
}
