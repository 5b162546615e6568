// Package fakeconn provides a deterministic in-memory chat.Connector for
// exercising Agent/ChatCall/Manager streaming scenarios without a live
// backend (SPEC_FULL.md §6 DOMAIN STACK), grounded on the teacher's own
// preference for hand-rolled fakes over mocking libraries
// (pkg/session/store_test.go-style tests: testify/require+assert, no mock
// framework).
package fakeconn

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/docker/docker-agent/pkg/chat"
)

// Chunk is one scripted response the fake connector's stream will yield.
type Chunk struct {
	Text       string
	IsThinking bool
	ToolCalls  []chat.ToolCall
	Done       bool
	// FinishReason overrides the default ("stop" when Done) if set.
	FinishReason chat.FinishReason
}

// Script is an ordered list of chunks a single StreamChat call replays.
type Script []Chunk

// Connector replays a fixed Script for every StreamChat call, or returns
// StreamErr if set. Generate returns the text and error set by
// WithGenerate.
type Connector struct {
	mu sync.Mutex

	id     string
	script Script
	models []chat.ModelInfo

	streamErr error

	generateText string
	generateErr  error

	// Requests records every StreamChat call's messages, for assertions
	// about what Agent built as the outbound payload.
	Requests [][]chat.Message
	// ToolRequests records the tool definitions passed on each call.
	ToolRequests [][]chat.ToolDefinition
}

// New builds a Connector identified by id that replays script for every
// StreamChat call.
func New(id string, script Script) *Connector {
	return &Connector{id: id, script: script}
}

// WithModels attaches the model catalog ListModels reports.
func (c *Connector) WithModels(models ...chat.ModelInfo) *Connector {
	c.models = models
	return c
}

// WithStreamErr makes every subsequent StreamChat call fail with err.
func (c *Connector) WithStreamErr(err error) *Connector {
	c.streamErr = err
	return c
}

// WithGenerate sets the fixed response Generate returns.
func (c *Connector) WithGenerate(text string, err error) *Connector {
	c.generateText = text
	c.generateErr = err
	return c
}

func (c *Connector) ID() string { return c.id }

// StreamChat returns a stream that replays the configured script in order,
// honoring ctx cancellation between chunks (so tests can exercise
// Scenario D — cancel mid-stream).
func (c *Connector) StreamChat(ctx context.Context, messages []chat.Message, tools []chat.ToolDefinition, _ chat.Options) (chat.MessageStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Requests = append(c.Requests, append([]chat.Message(nil), messages...))
	c.ToolRequests = append(c.ToolRequests, append([]chat.ToolDefinition(nil), tools...))

	if c.streamErr != nil {
		return nil, c.streamErr
	}
	return &stream{ctx: ctx, chunks: append(Script(nil), c.script...)}, nil
}

// Generate implements chat.Connector.Generate.
func (c *Connector) Generate(ctx context.Context, _ []chat.Message, _ chat.Options) (string, error) {
	if c.generateErr != nil {
		return "", c.generateErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return c.generateText, nil
}

// ListModels implements chat.Connector.ListModels.
func (c *Connector) ListModels(context.Context) ([]chat.ModelInfo, error) {
	return append([]chat.ModelInfo(nil), c.models...), nil
}

// stream yields the scripted chunks one at a time, translating each Chunk
// into a chat.StreamResponse the way a real provider adapter would.
type stream struct {
	ctx    context.Context
	chunks Script
	pos    int
	closed bool
}

func (s *stream) Recv() (chat.StreamResponse, error) {
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

	return chat.StreamResponse{
		Choices: []chat.Choice{{Delta: delta, FinishReason: finish}},
		Usage:   &chat.Usage{InputTokens: 1, OutputTokens: 1},
	}, nil
}

func (s *stream) Close() error {
	if s.closed {
		return errors.New("fakeconn: stream already closed")
	}
	s.closed = true
	return nil
}
