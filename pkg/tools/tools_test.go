package tools

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docker/docker-agent/pkg/chat"
)

func TestSetDefinitionsPreserveOrder(t *testing.T) {
	s := NewSet(NewEchoTool(), NewClockTool())
	defs := s.Definitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "echo", defs[0].Name)
	assert.Equal(t, "clock", defs[1].Name)
}

func TestInvokeEchoTool(t *testing.T) {
	s := NewSet(NewEchoTool())
	args, err := json.Marshal(map[string]string{"text": "hi there"})
	require.NoError(t, err)

	result, err := Invoke(t.Context(), s, chat.ToolCall{
		Function: chat.FunctionCall{Name: "echo", Arguments: string(args)},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result)
}

func TestInvokeUnknownToolReturnsMessageNotError(t *testing.T) {
	s := NewSet(NewEchoTool())
	result, err := Invoke(t.Context(), s, chat.ToolCall{
		Function: chat.FunctionCall{Name: "nonexistent", Arguments: "{}"},
	})
	require.NoError(t, err)
	assert.Contains(t, result, "unknown tool")
}

func TestClockToolReturnsRFC3339(t *testing.T) {
	s := NewSet(NewClockTool())
	result, err := Invoke(t.Context(), s, chat.ToolCall{
		Function: chat.FunctionCall{Name: "clock", Arguments: "{}"},
	})
	require.NoError(t, err)
	assert.Contains(t, result, "T")
	assert.Contains(t, result, "Z")
}
