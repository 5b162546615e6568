package chat

import (
	"context"
	"sync"
)

// Call is a single in-flight (or reusable) model request: model identity,
// options, tool set, cancellation token, and streaming state (spec.md
// §4.7). It is created on first Agent.send_async for a session and reused
// across subsequent requests unless the agent is swapped; mutable fields
// are updated in place when config or model-usage changes rather than
// replacing the Call.
type Call struct {
	mu sync.Mutex

	connector Connector
	model     string
	options   Options
	thinking  bool
	tools     []ToolDefinition

	cancel context.CancelFunc
}

// NewCall constructs a Call bound to connector for model, with the given
// initial options, thinking flag, and tool set.
func NewCall(connector Connector, model string, opts Options, thinking bool, tools []ToolDefinition) *Call {
	return &Call{
		connector: connector,
		model:     model,
		options:   opts,
		thinking:  thinking,
		tools:     tools,
	}
}

// UpdateModel mutates the call's connection, model, options, and thinking
// flag in place (spec.md §4.5.3 activate_model, §4.7 "updated in place").
// It does not touch an in-flight stream; the next Stream call picks up the
// new configuration.
func (c *Call) UpdateModel(connector Connector, model string, opts Options, thinking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connector = connector
	c.model = model
	c.options = opts
	c.thinking = thinking
}

// SetTools replaces the call's tool set, used when Agent.rebuild_tools runs
// after a config change (spec.md §4.6).
func (c *Call) SetTools(tools []ToolDefinition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tools = tools
}

// Model returns the call's current model name.
func (c *Call) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// Thinking returns whether the call's current model is in thinking mode.
func (c *Call) Thinking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thinking
}

// Stream issues a streaming chat completion request against the call's
// current connector/model/options/tools under a context derived from ctx
// that Cancel will cancel. Each call to Stream replaces the previous
// cancellation token: only one request is in flight per Call at a time,
// consistent with the cooperative single-suspension-point model (spec.md
// §5).
func (c *Call) Stream(ctx context.Context, messages []Message) (MessageStream, error) {
	c.mu.Lock()
	connector := c.connector
	model := c.model
	opts := c.options.Clone()
	opts.Model = model
	opts.Thinking = c.thinking
	tools := c.tools
	c.mu.Unlock()

	callCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	stream, err := connector.StreamChat(callCtx, messages, tools, opts)
	if err != nil {
		cancel()
		return nil, err
	}
	return stream, nil
}

// Cancel triggers the call's cancellation token. It is idempotent: calling
// it twice has the same observable effect as once (spec.md §8 invariant 7),
// since context.CancelFunc is itself idempotent and a nil cancel (no
// request in flight) is simply a no-op.
func (c *Call) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
