package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	turns [][]StreamChunk
	call  int
}

func (f *fakeProvider) ModelName() string { return "fake-model" }

func (f *fakeProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, Usage, error) {
	return "", nil, Usage{}, nil
}

func (f *fakeProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	turn := f.turns[f.call]
	f.call++
	ch := make(chan StreamChunk, len(turn))
	for _, c := range turn {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestSessionRunsToolCallThenFinishes(t *testing.T) {
	fp := &fakeProvider{
		turns: [][]StreamChunk{
			{
				{Type: "tool_call", ToolCall: &ToolCall{ID: "1", Name: "run_tests", Args: map[string]any{"path": "./..."}}},
				{Type: "done", Tokens: 5},
			},
			{
				{Type: "text", Text: "all tests passed"},
				{Type: "done", Tokens: 3},
			},
		},
	}

	var ran map[string]any
	tools := []Tool{{
		Definition: ToolDefinition{Name: "run_tests"},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			ran = args
			return "PASS", nil
		},
	}}

	sess := NewSession(fp, tools, 5, nil)
	text, transcript, err := sess.Run(context.Background(), "system prompt", "fix the bug")
	require.NoError(t, err)
	assert.Equal(t, "all tests passed", text)
	assert.Equal(t, "./...", ran["path"])

	var sawToolResult bool
	for _, m := range transcript {
		if m.Role == RoleTool && m.Content == "PASS" {
			sawToolResult = true
		}
	}
	assert.True(t, sawToolResult)
}

func TestSessionUnknownToolReportsError(t *testing.T) {
	fp := &fakeProvider{
		turns: [][]StreamChunk{
			{{Type: "tool_call", ToolCall: &ToolCall{ID: "1", Name: "missing_tool"}}},
			{{Type: "text", Text: "done"}},
		},
	}
	sess := NewSession(fp, nil, 5, nil)
	text, transcript, err := sess.Run(context.Background(), "sys", "go")
	require.NoError(t, err)
	assert.Equal(t, "done", text)

	var sawError bool
	for _, m := range transcript {
		if m.Role == RoleTool && m.Content == `error: unknown tool "missing_tool"` {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestSessionIterationBudgetExceeded(t *testing.T) {
	turn := []StreamChunk{{Type: "tool_call", ToolCall: &ToolCall{ID: "1", Name: "loop"}}}
	fp := &fakeProvider{turns: [][]StreamChunk{turn, turn, turn}}
	tools := []Tool{{Definition: ToolDefinition{Name: "loop"}, Handler: func(ctx context.Context, args map[string]any) (string, error) {
		return "again", nil
	}}}

	sess := NewSession(fp, tools, 2, nil)
	_, _, err := sess.Run(context.Background(), "sys", "go")
	require.Error(t, err)
}
