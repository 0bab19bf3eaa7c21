package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcflow-run/conductor/internal/config"
)

func TestAnthropicProviderGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		resp := anthropicResponse{
			Content: []anthropicContent{
				{Type: "text", Text: "hello"},
				{Type: "tool_use", ID: "call_1", Name: "run_tests", Input: &map[string]any{"path": "./..."}},
			},
			Usage: anthropicUsage{InputTokens: 10, OutputTokens: 5},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "test-key")
	p, err := New(config.LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", APIKeyEnv: "TEST_ANTHROPIC_KEY", MaxOutputTokens: 1024})
	require.NoError(t, err)
	p.host = srv.URL

	text, calls, usage, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	require.Len(t, calls, 1)
	assert.Equal(t, "run_tests", calls[0].Name)
	assert.Equal(t, "./...", calls[0].Args["path"])
	assert.Equal(t, 10, usage.InputTokens)
	assert.Equal(t, 5, usage.OutputTokens)
}

func TestAnthropicProviderMissingAPIKey(t *testing.T) {
	_, err := New(config.LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", APIKeyEnv: "TEST_ANTHROPIC_KEY_UNSET"})
	require.Error(t, err)
}

func TestAnthropicProviderGenerateStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
			`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
			`{"type":"content_block_stop","index":0}`,
			`{"type":"message_delta","usage":{"input_tokens":1,"output_tokens":2}}`,
			`{"type":"message_stop"}`,
		}
		for _, e := range events {
			_, _ = w.Write([]byte("data: " + e + "\n\n"))
		}
	}))
	defer srv.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "test-key")
	p, err := New(config.LLMConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", APIKeyEnv: "TEST_ANTHROPIC_KEY"})
	require.NoError(t, err)
	p.host = srv.URL

	ch, err := p.GenerateStreaming(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)

	var gotText string
	var gotDone bool
	for chunk := range ch {
		require.NoError(t, chunk.Error)
		switch chunk.Type {
		case "text":
			gotText += chunk.Text
		case "done":
			gotDone = true
			assert.Equal(t, 2, chunk.Tokens)
		}
	}
	assert.Equal(t, "hi", gotText)
	assert.True(t, gotDone)
}
