// Package tools provides the tool-calling capability Agent uses to satisfy
// model-issued tool calls (spec.md §4.6 "tool call loop").
package tools

import (
	"context"
	"encoding/json"

	"github.com/docker/docker-agent/pkg/chat"
)

// Tool is one callable function exposed to a model. Call receives the raw
// JSON arguments the model produced and returns the text result that gets
// appended to the conversation as a "tool" role message.
type Tool interface {
	Definition() chat.ToolDefinition
	Call(ctx context.Context, arguments json.RawMessage) (string, error)
}

// Set is a named collection of tools, keyed by the name each advertises in
// its Definition. It is what Agent.RebuildTools asks for when a session's
// enabled-tools configuration changes (spec.md §4.8 ensure_model_usage,
// §9 config changed propagation).
type Set struct {
	tools map[string]Tool
	order []string
}

// NewSet builds a Set from the given tools, keeping first-registration order
// for Definitions().
func NewSet(tools ...Tool) *Set {
	s := &Set{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		s.add(t)
	}
	return s
}

func (s *Set) add(t Tool) {
	name := t.Definition().Name
	if _, exists := s.tools[name]; !exists {
		s.order = append(s.order, name)
	}
	s.tools[name] = t
}

// Definitions returns the wire-level ToolDefinition for every tool in the
// set, in registration order, ready to pass to ChatCall/Connector.StreamChat.
func (s *Set) Definitions() []chat.ToolDefinition {
	defs := make([]chat.ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		defs = append(defs, s.tools[name].Definition())
	}
	return defs
}

// Lookup returns the tool registered under name, if any.
func (s *Set) Lookup(name string) (Tool, bool) {
	t, ok := s.tools[name]
	return t, ok
}

// Len reports how many tools the set carries.
func (s *Set) Len() int {
	return len(s.order)
}

// Invoke resolves call.Function.Name in s and runs it, returning the result
// text. An unknown tool name is reported as an error string rather than a Go
// error so the model sees it as a normal tool-result turn (spec.md §4.6
// "classify chunks" loop keeps running regardless of individual tool
// failures).
func Invoke(ctx context.Context, s *Set, call chat.ToolCall) (string, error) {
	t, ok := s.Lookup(call.Function.Name)
	if !ok {
		return "unknown tool: " + call.Function.Name, nil
	}
	return t.Call(ctx, json.RawMessage(call.Function.Arguments))
}
