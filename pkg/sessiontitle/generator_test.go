package sessiontitle

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/docker-agent/pkg/chat"
)

type fakeConnector struct {
	id       string
	calls    int
	streamFn func() (chat.MessageStream, error)
}

func (c *fakeConnector) ID() string { return c.id }

func (c *fakeConnector) StreamChat(context.Context, []chat.Message, []chat.ToolDefinition, chat.Options) (chat.MessageStream, error) {
	c.calls++
	return c.streamFn()
}

func (c *fakeConnector) Generate(context.Context, []chat.Message, chat.Options) (string, error) {
	return "", errors.New("not implemented")
}

func (c *fakeConnector) ListModels(context.Context) ([]chat.ModelInfo, error) { return nil, nil }

type fakeStream struct {
	responses []chat.StreamResponse
	i         int
	errAt     int
	err       error
}

func (s *fakeStream) Recv() (chat.StreamResponse, error) {
	if s.errAt >= 0 && s.i == s.errAt {
		return chat.StreamResponse{}, s.err
	}
	if s.i >= len(s.responses) {
		return chat.StreamResponse{}, io.EOF
	}
	r := s.responses[s.i]
	s.i++
	return r, nil
}

func (s *fakeStream) Close() error { return nil }

func streamWithContent(content string) chat.MessageStream {
	return &fakeStream{
		responses: []chat.StreamResponse{
			{Choices: []chat.Choice{{Delta: chat.Delta{Content: content}}}},
		},
		errAt: -1,
	}
}

func TestGeneratorFallsBackOnStreamCreateError(t *testing.T) {
	t.Parallel()

	primary := &fakeConnector{
		id:       "primary/fail",
		streamFn: func() (chat.MessageStream, error) { return nil, errors.New("primary boom") },
	}
	fallback := &fakeConnector{
		id:       "fallback/success",
		streamFn: func() (chat.MessageStream, error) { return streamWithContent("My Title"), nil },
	}

	gen := New(primary, fallback)
	title, err := gen.Generate(t.Context(), 1, []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "My Title", title)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestGeneratorFallsBackOnRecvError(t *testing.T) {
	t.Parallel()

	primaryStream := &fakeStream{
		responses: []chat.StreamResponse{
			{Choices: []chat.Choice{{Delta: chat.Delta{Content: "Partial"}}}},
		},
		errAt: 1,
		err:   errors.New("recv boom"),
	}
	primary := &fakeConnector{
		id:       "primary/recv-error",
		streamFn: func() (chat.MessageStream, error) { return primaryStream, nil },
	}
	fallback := &fakeConnector{
		id:       "fallback/success",
		streamFn: func() (chat.MessageStream, error) { return streamWithContent("Recovered Title"), nil },
	}

	gen := New(primary, fallback)
	title, err := gen.Generate(t.Context(), 2, []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "Recovered Title", title)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestGeneratorFallsBackOnEmptyOutput(t *testing.T) {
	t.Parallel()

	primary := &fakeConnector{
		id:       "primary/empty",
		streamFn: func() (chat.MessageStream, error) { return streamWithContent("\n\n"), nil },
	}
	fallback := &fakeConnector{
		id:       "fallback/success",
		streamFn: func() (chat.MessageStream, error) { return streamWithContent("Good Title"), nil },
	}

	gen := New(primary, fallback)
	title, err := gen.Generate(t.Context(), 3, []string{"hello"})
	require.NoError(t, err)
	assert.Equal(t, "Good Title", title)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, fallback.calls)
}

func TestGeneratorNoMessagesReturnsEmpty(t *testing.T) {
	t.Parallel()

	gen := New(&fakeConnector{id: "unused"})
	title, err := gen.Generate(t.Context(), 4, nil)
	require.NoError(t, err)
	assert.Empty(t, title)
}
