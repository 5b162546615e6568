// Package manager implements Manager (spec.md §4.8): the top-level
// coordinator owning the SessionList, the current session, registered
// agent factories and the tool/connector registries, the config handle,
// the default ModelUsage, and the shared permission provider, and fanning
// out the public signal surface. Grounded on the teacher's
// pkg/runtime.LocalRuntime, which plays the same "owns everything, routes
// everything" role for a single conversation loop.
//
// The teacher delivers events over a buffered channel
// (pkg/runtime.LocalRuntime.RunStream returns <-chan Event); this package
// replaces that with a synchronous callback bus, because spec.md §5
// requires signal emission to be "synchronous with the mutation that
// triggered it" on one cooperative execution line — a channel hop would
// let a slow consumer observe mutations out of order with the log they
// describe.
package manager

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/docker/docker-agent/pkg/chat"
	"github.com/docker/docker-agent/pkg/config"
	"github.com/docker/docker-agent/pkg/permissions"
	"github.com/docker/docker-agent/pkg/session"
	"github.com/docker/docker-agent/pkg/sessiontitle"
	"github.com/docker/docker-agent/pkg/tools"
)

// localTitleMaxLen bounds the local-only title fallback (spec.md §4.9 "the
// first non-empty line of the first user message, truncated to ~50
// characters with ellipsis").
const localTitleMaxLen = 50

// Manager is the top-level coordinator (spec.md §4.8). It implements
// session.Hub, agent.ConnectorResolver, and agent.ToolProvider, which keeps
// the dependency cycle Session -> Hub <- Manager -> Agent -> Session
// running through interfaces rather than a package import cycle.
type Manager struct {
	mu      sync.RWMutex
	list    *session.List
	current *session.Session

	store  session.Store
	fileIO *session.FileIO
	cfg    *config.Config

	factories  map[string]session.AgentFactory
	connectors map[string]chat.Connector
	toolSet    *tools.Set

	permissions *permissions.Checker
	titleGen    *sessiontitle.Generator

	signals signalBus
}

// New builds a Manager. toolSet is the full catalog of tools this process
// knows how to invoke; ToolsFor filters it against cfg's tool-enabled map
// whenever a ChatCall is built or rebuilt, the same way for every agent
// (spec.md §4.6 rebuild_tools).
func New(cfg *config.Config, store session.Store, fileIO *session.FileIO, checker *permissions.Checker, titleGen *sessiontitle.Generator, toolSet *tools.Set) *Manager {
	if toolSet == nil {
		toolSet = tools.NewSet()
	}
	m := &Manager{
		list:        session.NewList(),
		store:       store,
		fileIO:      fileIO,
		cfg:         cfg,
		factories:   map[string]session.AgentFactory{},
		connectors:  map[string]chat.Connector{},
		toolSet:     toolSet,
		permissions: checker,
		titleGen:    titleGen,
	}
	if cfg != nil {
		cfg.OnChange(m.OnConfigChanged)
		m.current = session.NewEmpty(m, cfg.DefaultAgentName(), cfg.DefaultModelUsage())
	}
	return m
}

// RegisterAgentFactory makes f available to ActivateAgent/session construction.
func (m *Manager) RegisterAgentFactory(f session.AgentFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[f.Name()] = f
}

// RegisterConnector makes conn resolvable by connection id (agent.ConnectorResolver).
func (m *Manager) RegisterConnector(connectionID string, conn chat.Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[connectionID] = conn
}

// Connector implements agent.ConnectorResolver.
func (m *Manager) Connector(connectionID string) (chat.Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connectors[connectionID]
	return conn, ok
}

// ToolsFor implements agent.ToolProvider: every call re-filters the full
// tool catalog against cfg.ToolEnabled, so a config change is picked up the
// next time RebuildTools runs without recreating the ChatCall (spec.md §9
// Scenario F). agentName is accepted for interface symmetry; this Manager
// keeps one process-wide tool catalog rather than per-agent subsets.
func (m *Manager) ToolsFor(_ string) *tools.Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cfg == nil {
		return m.toolSet
	}
	enabled := make([]tools.Tool, 0, m.toolSet.Len())
	for _, def := range m.toolSet.Definitions() {
		if !m.cfg.ToolEnabled(def.Name) {
			continue
		}
		t, ok := m.toolSet.Lookup(def.Name)
		if ok {
			enabled = append(enabled, t)
		}
	}
	return tools.NewSet(enabled...)
}

// Current returns the current session (spec.md §2 "present an always
// non-null current session").
func (m *Manager) Current() *session.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// List returns the owned SessionList.
func (m *Manager) List() *session.List {
	return m.list
}

// ---- session.Hub ----

func (m *Manager) AgentFactory(name string) (session.AgentFactory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.factories[name]
	return f, ok
}

func (m *Manager) DefaultModelUsage() session.ModelUsage {
	return m.cfg.DefaultModelUsage()
}

func (m *Manager) ResolveModel(modelName string) (string, session.ModelCaps, bool) {
	return m.cfg.ResolveModel(modelName)
}

func (m *Manager) OverlayConfig(usage session.ModelUsage) session.ModelUsage {
	return m.cfg.OverlayConfig(usage)
}

// GenerateTitle implements session.Hub: tries the configured TitleGenerator
// first, falling back to the local-only default on failure or when no
// title connector is configured (spec.md §4.9).
func (m *Manager) GenerateTitle(ctx context.Context, sessionID int64, userMessages []string) string {
	if m.titleGen != nil {
		title, err := m.titleGen.Generate(ctx, sessionID, userMessages)
		if err != nil {
			slog.Error("title generation failed, falling back to local default", "session_id", sessionID, "error", err)
		} else if title != "" {
			return title
		}
	}
	return localTitle(userMessages)
}

func localTitle(userMessages []string) string {
	if len(userMessages) == 0 {
		return ""
	}
	for line := range strings.SplitSeq(userMessages[0], "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) <= localTitleMaxLen {
			return line
		}
		return string(runes[:localTitleMaxLen-1]) + "…"
	}
	return ""
}

func (m *Manager) Store() session.Store    { return m.store }
func (m *Manager) FileIO() *session.FileIO { return m.fileIO }

func (m *Manager) EmitSessionActivated(s *session.Session) { m.signals.emitSessionActivated(s) }
func (m *Manager) EmitSessionRemoved(s *session.Session)   { m.signals.emitSessionRemoved(s) }
func (m *Manager) EmitAgentActivated(s *session.Session, name string) {
	m.signals.emitAgentActivated(s, name)
}
func (m *Manager) EmitChatSend(s *session.Session, msg session.Message) {
	m.signals.emitChatSend(s, msg)
}
func (m *Manager) EmitStreamStart(s *session.Session) { m.signals.emitStreamStart(s) }
func (m *Manager) EmitStreamChunk(s *session.Session, text string, isThinking bool) {
	m.signals.emitStreamChunk(s, text, isThinking)
	if !isThinking {
		m.signals.emitStreamContent(s, text)
	}
}
func (m *Manager) EmitToolMessage(s *session.Session, msg session.Message) {
	m.signals.emitToolMessage(s, msg)
}
func (m *Manager) EmitMessageAdded(s *session.Session, msg session.Message) {
	m.signals.emitMessageAdded(s, msg)
}

func (m *Manager) ReplaceAt(pos int, loaded *session.Session) bool {
	return m.list.ReplaceAt(pos, loaded)
}

func (m *Manager) PositionOf(s *session.Session) int {
	return m.list.PositionOf(s)
}

// ---- Manager operations (spec.md §4.8) ----

// Start runs load_sessions and ensure_model_usage concurrently, since both
// are read-only at startup and the cooperative single-writer model only
// governs mutation (SPEC_FULL.md §4.8). ensure_model_usage failing is
// fatal; load_sessions failures are per-row and never abort startup.
func (m *Manager) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.LoadSessions(gctx) })
	g.Go(func() error { return m.EnsureModelUsage(gctx) })
	return g.Wait()
}

// LoadSessions reads the index and creates a Placeholder for each row whose
// document exists and is non-empty and whose model is resolvable, skipping
// the rest (spec.md §4.8 load_sessions).
func (m *Manager) LoadSessions(ctx context.Context) error {
	for metadata, err := range m.store.SelectAllOrderedByUpdatedAtDesc(ctx) {
		if err != nil {
			slog.Error("failed to read session index", "error", err)
			continue
		}
		if !m.documentExists(metadata.Fid) {
			slog.Warn("skipping session with missing or empty document", "fid", metadata.Fid)
			continue
		}
		if _, _, ok := m.cfg.ResolveModel(metadata.ModelName); !ok {
			slog.Warn("skipping session with unresolvable model", "fid", metadata.Fid, "model", metadata.ModelName)
			continue
		}
		m.list.Insert(session.NewPlaceholder(m, metadata))
	}
	return nil
}

func (m *Manager) documentExists(fid string) bool {
	path, err := session.FidPath(m.fileIO.Root, fid)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// EnsureModelUsage verifies the default model exists on its connection
// before first use; fatal if not (spec.md §4.8 ensure_model_usage).
func (m *Manager) EnsureModelUsage(ctx context.Context) error {
	usage := m.cfg.DefaultModelUsage()
	if usage.ModelName == "" {
		return &session.InvalidArgumentError{Msg: "no default model configured"}
	}
	connID, _, ok := m.cfg.ResolveModel(usage.ModelName)
	if !ok {
		return &session.InvalidArgumentError{Msg: "default model " + usage.ModelName + " is not resolvable on any connection"}
	}
	conn, ok := m.Connector(connID)
	if !ok {
		return &session.InvalidArgumentError{Msg: "no connector registered for connection " + connID}
	}
	models, err := conn.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, info := range models {
		if info.Name == usage.ModelName {
			return nil
		}
	}
	return &session.InvalidArgumentError{Msg: "default model " + usage.ModelName + " is not listed by connection " + connID}
}

// SwitchToSession deactivates the current session, loads target (promoting
// a Placeholder to Loaded in place if needed), sets it as current,
// activates it, and emits session_activated (spec.md §4.8
// switch_to_session).
func (m *Manager) SwitchToSession(ctx context.Context, target *session.Session) (*session.Session, error) {
	m.mu.Lock()
	prior := m.current
	m.mu.Unlock()
	if prior != nil {
		prior.Deactivate()
	}

	loaded, err := target.Load(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.current = loaded
	m.mu.Unlock()

	loaded.Activate()
	m.EmitSessionActivated(loaded)
	return loaded, nil
}

// CreateNewSession returns an Empty session inheriting the current
// session's agent_name and model_usage (spec.md §4.8 create_new_session).
// It does not insert the result into SessionList or make it current;
// Send does that the moment the Empty session first promotes to Loaded.
func (m *Manager) CreateNewSession() *session.Session {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	agentName := m.cfg.DefaultAgentName()
	usage := m.cfg.DefaultModelUsage()
	if cur != nil {
		agentName = cur.Metadata.AgentName
		usage = cur.ModelUsage
	}
	return session.NewEmpty(m, agentName, usage)
}

// Send delegates to session.Send (spec.md §4.8 send(session, msg)). If s
// was Empty and promoted to a new Loaded session, the promoted session is
// inserted into SessionList and becomes current, matching
// EmptySession.send step 2, which Session itself cannot do since it has no
// owning reference to SessionList.
func (m *Manager) Send(ctx context.Context, s *session.Session, msg session.Message) (*session.Session, error) {
	result, err := s.Send(ctx, msg)
	if result != s {
		m.list.Insert(result)
		m.mu.Lock()
		m.current = result
		m.mu.Unlock()
	}
	return result, err
}

// ActivateAgent looks a session up by fid and delegates to its
// activate_agent (spec.md §4.8 activate_agent(fid, name)).
func (m *Manager) ActivateAgent(fid, name string) error {
	s, ok := m.list.GetByFid(fid)
	if !ok {
		return &session.InvalidArgumentError{Msg: "no session with fid: " + fid}
	}
	return s.ActivateAgent(name)
}

// RemoveSession deletes the session identified by fid from the store and
// SessionList, emitting session_removed. Not named as a top-level
// operation in spec.md §4.8, but required to give the session_removed
// signal in its signal surface an actual caller.
func (m *Manager) RemoveSession(ctx context.Context, fid string) error {
	s, ok := m.list.GetByFid(fid)
	if !ok {
		return &session.InvalidArgumentError{Msg: "no session with fid: " + fid}
	}
	if s.Metadata.ID != 0 {
		if err := m.store.DeleteByID(ctx, s.Metadata.ID); err != nil {
			return err
		}
	}
	m.list.RemoveByFid(fid)
	m.EmitSessionRemoved(s)
	return nil
}

// OnConfigChanged propagates config changes into every live Loaded
// session's ChatCall without recreating it (spec.md §9 Scenario F): it
// re-applies activate_model, which overlays config and calls
// Agent.RebuildTools.
func (m *Manager) OnConfigChanged() {
	for _, s := range m.list.All() {
		if s.Kind != session.KindLoaded {
			continue
		}
		if err := s.ActivateModel(s.ModelUsage); err != nil {
			slog.Error("failed to propagate config change", "fid", s.Metadata.Fid, "error", err)
		}
	}
}
