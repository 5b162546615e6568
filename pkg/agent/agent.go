// Package agent implements the per-session request loop spec.md §4.6
// names: building the outbound message array, driving a ChatCall through
// the ModelConnector streaming capability, classifying thinking vs content
// chunks, dispatching tool calls, and relaying stream/done/ui events back
// through the session. Grounded on the teacher's
// pkg/runtime.LocalRuntime.RunStream/handleStream/processToolCalls loop,
// stripped of the TUI/MCP/RAG/hooks machinery that sits outside this
// spec's scope (§1 Non-goals: sandboxed tool execution, permission UI).
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/docker/docker-agent/pkg/chat"
	"github.com/docker/docker-agent/pkg/permissions"
	"github.com/docker/docker-agent/pkg/session"
	"github.com/docker/docker-agent/pkg/tools"
)

// ConnectorResolver looks a connection id up in the live connector
// registry. Manager owns the registry; Agent only needs read access to it,
// which keeps this package from depending on Manager (the cycle runs the
// other way: Manager constructs Factory with itself as the resolver).
type ConnectorResolver interface {
	Connector(connectionID string) (chat.Connector, bool)
}

// ToolProvider resolves the enabled tool set for an agent name, re-queried
// every time RebuildTools runs so a config change (spec.md §9 Scenario F)
// is picked up without recreating the ChatCall.
type ToolProvider interface {
	ToolsFor(agentName string) *tools.Set
}

// Factory constructs Agent instances bound to one named agent
// configuration (spec.md §4.6 AgentFactory).
type Factory struct {
	name         string
	systemPrompt string
	resolver     ConnectorResolver
	toolProvider ToolProvider
	permissions  *permissions.Checker
}

// NewFactory builds a Factory for the named agent. systemPrompt, if
// non-empty, is prefixed as a system message on every outbound request
// (spec.md §4.6 step 1 "applying the agent's own shaping, e.g. prefix
// system prompt").
func NewFactory(name, systemPrompt string, resolver ConnectorResolver, toolProvider ToolProvider, checker *permissions.Checker) *Factory {
	return &Factory{
		name:         name,
		systemPrompt: systemPrompt,
		resolver:     resolver,
		toolProvider: toolProvider,
		permissions:  checker,
	}
}

func (f *Factory) Name() string { return f.name }

// NewAgent implements session.AgentFactory (spec.md §4.6). The returned
// Agent starts with no ChatCall; one is built lazily on first SendAsync (or
// handed over from the prior agent on a swap, via ReplaceChat).
func (f *Factory) NewAgent(s *session.Session) session.Agent {
	return &Agent{
		name:         f.name,
		systemPrompt: f.systemPrompt,
		resolver:     f.resolver,
		toolProvider: f.toolProvider,
		permissions:  f.permissions,
		session:      s,
	}
}

// Agent is the concrete session.Agent implementation (spec.md §4.6).
type Agent struct {
	mu sync.Mutex

	name         string
	systemPrompt string
	resolver     ConnectorResolver
	toolProvider ToolProvider
	permissions  *permissions.Checker

	session *session.Session
	call    *chat.Call
}

// Chat implements session.Agent.
func (a *Agent) Chat() *chat.Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.call
}

// ReplaceChat implements session.Agent (spec.md §4.5.3 activate_agent:
// "move its current ChatCall over to preserve in-flight conversation
// context" — used when swapping agents mid-session, Scenario E).
func (a *Agent) ReplaceChat(other *chat.Call) {
	a.mu.Lock()
	a.call = other
	a.mu.Unlock()
}

// RebuildTools implements session.Agent. It is called both when config's
// tool-enabled map changes (spec.md §9 Scenario F) and, per the comment on
// Session.ActivateModel, whenever the session's ModelUsage changes — this
// package is the one with access to the connector registry, so it owns
// mutating the ChatCall's connector/model/options/thinking/tools fields in
// place rather than replacing the Call (spec.md §4.7).
func (a *Agent) RebuildTools() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.call == nil {
		return
	}
	usage := a.session.ModelUsage
	connector, _ := a.resolver.Connector(usage.ConnectionID)
	a.call.UpdateModel(connector, usage.ModelName, optionsFromUsage(usage), usage.ModelCaps.Thinking)
	a.call.SetTools(a.toolSet().Definitions())
}

func (a *Agent) toolSet() *tools.Set {
	if a.toolProvider == nil {
		return tools.NewSet()
	}
	set := a.toolProvider.ToolsFor(a.name)
	if set == nil {
		return tools.NewSet()
	}
	return set
}

func optionsFromUsage(usage session.ModelUsage) chat.Options {
	opts := chat.Options{Extra: usage.Options}
	if usage.Options != nil {
		if mt, ok := usage.Options["max_tokens"].(int); ok {
			opts.MaxTokens = mt
		}
	}
	return opts
}

func (a *Agent) ensureCall() *chat.Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.call == nil {
		usage := a.session.ModelUsage
		connector, _ := a.resolver.Connector(usage.ConnectionID)
		a.call = chat.NewCall(connector, usage.ModelName, optionsFromUsage(usage), usage.ModelCaps.Thinking, a.toolSet().Definitions())
	}
	return a.call
}

// SendAsync implements session.Agent (spec.md §4.6 request cycle). It runs
// the request/tool-call loop on its own goroutine — the cooperative
// single-suspension-point model spec.md §5 describes is honored per
// session, not per process: Session.Send already refuses a second send
// while IsRunning, so only one SendAsync is ever in flight for a given
// session at a time.
func (a *Agent) SendAsync(ctx context.Context, _ session.Message) {
	go a.run(ctx)
}

func (a *Agent) run(ctx context.Context) {
	s := a.session
	defer func() { s.IsRunning = false }()

	call := a.ensureCall()
	s.StreamStart()

	for {
		outbound := a.buildMessages()
		stream, err := call.Stream(ctx, outbound)
		if err != nil {
			a.handleStreamError(ctx, err)
			return
		}

		result, err := a.drain(ctx, stream)
		if err != nil {
			if isCancellation(err) {
				a.finalizeCancelled(ctx)
				return
			}
			a.finalizeWithError(ctx, err)
			return
		}

		if len(result.toolCalls) == 0 {
			a.finish(ctx, result)
			return
		}

		s.Log.AttachPendingToolCalls(result.toolCalls)
		a.processToolCalls(ctx, result.toolCalls)
		// Loop again: the assistant turn now carries its tool_calls and the
		// tool results are in the log, so the next buildMessages() sends a
		// well-formed assistant/tool pair (spec.md §4.6 step 6).
	}
}

// buildMessages implements spec.md §4.6 step 1: filter transient roles,
// fold the content-stream/think-stream/end-stream scaffolding a Loaded
// session persists back into the assistant turns the model actually
// produced, and prefix the agent's system prompt. A run of content-stream
// messages uninterrupted by a user or tool turn is one assistant turn
// (spec.md §4.6 tie-break: a think-stream interruption does not end it);
// whatever tool calls AttachPendingToolCalls recorded on those messages
// travel with it, so a following tool result always has its required
// preceding assistant tool_calls turn.
func (a *Agent) buildMessages() []chat.Message {
	var out []chat.Message
	if a.systemPrompt != "" {
		out = append(out, chat.Message{Role: chat.MessageRoleSystem, Content: a.systemPrompt})
	}

	var assistant *chat.Message
	flushAssistant := func() {
		if assistant != nil {
			out = append(out, *assistant)
			assistant = nil
		}
	}

	for _, m := range a.session.Log.All() {
		switch m.Role {
		case session.RoleUserSent:
			flushAssistant()
			out = append(out, chat.Message{Role: chat.MessageRoleUser, Content: m.Content})
		case session.RoleAssistant:
			flushAssistant()
			out = append(out, chat.Message{Role: chat.MessageRoleAssistant, Content: m.Content, ToolCalls: m.ToolCalls})
		case session.RoleContentStream:
			if assistant == nil {
				assistant = &chat.Message{Role: chat.MessageRoleAssistant}
			}
			assistant.Content += m.Content
			assistant.ToolCalls = append(assistant.ToolCalls, m.ToolCalls...)
		case session.RoleTool:
			flushAssistant()
			out = append(out, chat.Message{Role: chat.MessageRoleTool, Content: m.Content, ToolCallID: m.ToolCallID})
		default:
			// think-stream, end-stream, done, ui: scaffolding/signals the
			// model never needs echoed back.
		}
	}
	flushAssistant()

	return out
}

type streamResult struct {
	content    string
	reasoning  string
	toolCalls  []chat.ToolCall
	usage      *chat.Usage
}

// drain implements spec.md §4.6 steps 4 (classify chunks) and the tie-break
// rules in §4.6/§4.3 (zero-length+done chunk finalizes without a new
// segment; polarity flips open a new stream implicitly).
func (a *Agent) drain(ctx context.Context, stream chat.MessageStream) (streamResult, error) {
	defer stream.Close()

	var res streamResult
	toolIndex := map[string]int{}

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, err
		}
		if resp.Usage != nil {
			res.usage = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if len(choice.Delta.ToolCalls) > 0 {
			for _, delta := range choice.Delta.ToolCalls {
				idx, ok := toolIndex[delta.ID]
				if !ok {
					idx = len(res.toolCalls)
					toolIndex[delta.ID] = idx
					res.toolCalls = append(res.toolCalls, chat.ToolCall{ID: delta.ID, Type: delta.Type})
				}
				tc := &res.toolCalls[idx]
				if delta.Function.Name != "" {
					tc.Function.Name = delta.Function.Name
				}
				tc.Function.Arguments += delta.Function.Arguments
			}
		}

		if choice.Delta.ReasoningContent != "" {
			a.session.HandleStreamChunk(choice.Delta.ReasoningContent, true)
			res.reasoning += choice.Delta.ReasoningContent
		}
		if choice.Delta.Content != "" {
			a.session.HandleStreamChunk(choice.Delta.Content, false)
			res.content += choice.Delta.Content
		}
		if choice.Delta.Content == "" && choice.Delta.ReasoningContent == "" &&
			choice.FinishReason != "" && len(choice.Delta.ToolCalls) == 0 {
			// Zero-length chunk with a terminal finish reason: finalize
			// without opening a new segment (spec.md §4.6 tie-break).
			a.session.Log.AppendStreamChunk("", false, true)
		}

		if ctx.Err() != nil {
			return res, ctx.Err()
		}
	}
	return res, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// finish implements spec.md §4.6 step 5: finalize the stream, emit the
// transient done signal, emit a ui summary, then persist.
func (a *Agent) finish(ctx context.Context, result streamResult) {
	s := a.session
	s.Log.FinalizeStream()
	if _, err := s.Send(ctx, session.Message{Role: session.RoleDone}); err != nil {
		slog.Error("failed to emit done message", "error", err)
	}
	summary := fmt.Sprintf("%d chars", len(result.content))
	if result.usage != nil {
		summary = fmt.Sprintf("%s, %d in / %d out tokens", summary, result.usage.InputTokens, result.usage.OutputTokens)
	}
	if _, err := s.Send(ctx, session.Message{Role: session.RoleUI, Content: summary}); err != nil {
		slog.Error("failed to emit ui message", "error", err)
	}
	s.Save(ctx, true)
}

// finalizeCancelled implements spec.md §5 cancellation semantics: finalize
// the log exactly as if done, but no done/ui messages, then still save
// (Scenario D).
func (a *Agent) finalizeCancelled(ctx context.Context) {
	s := a.session
	s.Log.FinalizeStream()
	s.Save(ctx, true)
}

// finalizeWithError implements spec.md §7: a model streaming failure
// finalizes the log like cancellation, but still emits done/ui, annotated
// with the error.
func (a *Agent) finalizeWithError(ctx context.Context, err error) {
	s := a.session
	s.Log.FinalizeStream()
	if _, sendErr := s.Send(ctx, session.Message{Role: session.RoleDone}); sendErr != nil {
		slog.Error("failed to emit done message", "error", sendErr)
	}
	if _, sendErr := s.Send(ctx, session.Message{Role: session.RoleUI, Content: "error: " + err.Error()}); sendErr != nil {
		slog.Error("failed to emit ui message", "error", sendErr)
	}
	s.Save(ctx, true)
	slog.Error("model stream failed", "session_fid", s.Metadata.Fid, "error", err)
}

func (a *Agent) handleStreamError(ctx context.Context, err error) {
	if isCancellation(err) {
		a.finalizeCancelled(ctx)
		return
	}
	a.finalizeWithError(ctx, err)
}

// processToolCalls implements spec.md §4.6 step 6: execute each tool call
// via the tool set (consulting the permission provider first, spec.md §6
// Tool capability), appending a "tool" role message per result so the next
// loop iteration's buildMessages picks it up.
func (a *Agent) processToolCalls(ctx context.Context, calls []chat.ToolCall) {
	set := a.toolSet()
	for _, call := range calls {
		result := a.invokeOne(ctx, set, call)
		msg := session.Message{Role: session.RoleTool, Content: result, ToolCallID: call.ID}
		if _, err := a.session.Send(ctx, msg); err != nil {
			slog.Error("failed to append tool result", "tool", call.Function.Name, "error", err)
			continue
		}
		a.session.EmitToolMessage(msg)
	}
}

func (a *Agent) invokeOne(ctx context.Context, set *tools.Set, call chat.ToolCall) string {
	if a.permissions != nil {
		var args map[string]any
		// Malformed arguments just fall back to no argument conditions
		// rather than blocking the call outright.
		_ = json.Unmarshal([]byte(call.Function.Arguments), &args)
		// There is no approval path here, so Ask (the default when no
		// pattern matches) is refused like Deny; only Allow runs the tool.
		if a.permissions.CheckWithArgs(call.Function.Name, args) != permissions.Allow {
			return "tool call denied by policy: " + call.Function.Name
		}
	}
	result, err := tools.Invoke(ctx, set, call)
	if err != nil {
		return "tool error: " + err.Error()
	}
	return result
}
