package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/arcflow-run/conductor/internal/config"
	cerrors "github.com/arcflow-run/conductor/internal/errors"
	"github.com/arcflow-run/conductor/internal/httpclient"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider drives Claude's Messages API, both single-shot and
// streaming, adapting the teacher's hand-rolled SSE parser and
// tool-call JSON-fragment accumulation to this package's Provider
// contract.
type AnthropicProvider struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	host        string
	httpClient  *httpclient.Client
}

// New builds an AnthropicProvider from cfg, reading the API key from
// the environment variable cfg.APIKeyEnv names.
func New(cfg config.LLMConfig) (*AnthropicProvider, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, cerrors.New(cerrors.KindIntegrity, "llmclient: "+cfg.APIKeyEnv+" is not set")
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{
		apiKey:      apiKey,
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: 1.0,
		host:        "https://api.anthropic.com",
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 120 * time.Second}),
			httpclient.WithMaxRetries(5),
			httpclient.WithBaseDelay(2*time.Second),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) ModelName() string { return p.model }

// --- wire types, mirroring Anthropic's Messages API ---

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamResponse struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Usage        *anthropicUsage   `json:"usage,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// buildRequest converts the provider-agnostic turn into Anthropic's
// message/content-block shape: system messages are pulled out into the
// top-level system field, tool-result turns become user messages with
// a tool_result block, and an assistant turn with ToolCalls becomes a
// content array of text plus tool_use blocks.
func (p *AnthropicProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition) anthropicRequest {
	var systemParts []string
	wire := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if msg.Content != "" {
				systemParts = append(systemParts, msg.Content)
			}
		case RoleUser:
			wire = append(wire, anthropicMessage{Role: "user", Content: []anthropicContent{{Type: "text", Text: msg.Content}}})
		case RoleTool:
			wire = append(wire, anthropicMessage{Role: "user", Content: []anthropicContent{{
				Type: "tool_result", ToolUseID: msg.ToolCallID, Content: msg.Content,
			}}})
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				wire = append(wire, anthropicMessage{Role: "assistant", Content: []anthropicContent{{Type: "text", Text: msg.Content}}})
				continue
			}
			contents := []anthropicContent{}
			if msg.Content != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				contents = append(contents, anthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: &args})
			}
			wire = append(wire, anthropicMessage{Role: "assistant", Content: contents})
		}
	}

	req := anthropicRequest{
		Model:       p.model,
		Messages:    wire,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Stream:      stream,
		System:      strings.Join(systemParts, "\n\n"),
	}
	if len(tools) > 0 {
		req.Tools = make([]anthropicTool, len(tools))
		for i, t := range tools {
			req.Tools[i] = anthropicTool{Name: t.Name, Description: t.Description, InputSchema: t.Parameters}
		}
	}
	return req
}

// Generate runs one non-streaming turn.
func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, Usage, error) {
	req := p.buildRequest(messages, false, tools)
	resp, err := p.doRequest(ctx, req)
	if err != nil {
		return "", nil, Usage{}, err
	}
	if resp.Error != nil {
		return "", nil, Usage{}, cerrors.New(cerrors.KindTransient, "anthropic API error: "+resp.Error.Message)
	}

	var text string
	var calls []ToolCall
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			text += c.Text
		case "tool_use":
			args := map[string]any{}
			if c.Input != nil {
				args = *c.Input
			}
			calls = append(calls, ToolCall{ID: c.ID, Name: c.Name, Args: args})
		}
	}
	usage := Usage{InputTokens: resp.Usage.InputTokens, OutputTokens: resp.Usage.OutputTokens}
	return text, calls, usage, nil
}

func (p *AnthropicProvider) doRequest(ctx context.Context, req anthropicRequest) (*anthropicResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindIntegrity, "anthropic: marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "anthropic: build request", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.KindTransient, "anthropic: request failed", err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, cerrors.New(cerrors.KindTransient, fmt.Sprintf("anthropic: status %d", resp.StatusCode)).WithEvidence(string(out))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, cerrors.Wrap(cerrors.KindIntegrity, "anthropic: decode response", err)
	}
	return &parsed, nil
}

// GenerateStreaming runs one turn over SSE, accumulating tool-call
// argument fragments per content-block index the way Anthropic streams
// them (partial JSON strings that only parse once complete).
func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, true, tools)
	out := make(chan StreamChunk, 64)

	go func() {
		defer close(out)
		if err := p.streamInto(ctx, req, out); err != nil {
			out <- StreamChunk{Type: "error", Error: err}
		}
	}()
	return out, nil
}

func (p *AnthropicProvider) streamInto(ctx context.Context, req anthropicRequest, out chan<- StreamChunk) error {
	body, err := json.Marshal(req)
	if err != nil {
		return cerrors.Wrap(cerrors.KindIntegrity, "anthropic: marshal request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "anthropic: build request", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(body)), nil }
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "anthropic: request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		return cerrors.New(cerrors.KindTransient, fmt.Sprintf("anthropic: status %d", resp.StatusCode)).WithEvidence(string(errBody))
	}

	calls := make(map[int]*ToolCall)
	buffers := make(map[int]string)
	var totalTokens int

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var chunk anthropicStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return cerrors.Wrap(cerrors.KindIntegrity, "anthropic: decode stream chunk", err)
		}

		switch chunk.Type {
		case "content_block_start":
			if chunk.ContentBlock != nil && chunk.ContentBlock.Type == "tool_use" {
				calls[chunk.Index] = &ToolCall{ID: chunk.ContentBlock.ID, Name: chunk.ContentBlock.Name, Args: map[string]any{}}
				buffers[chunk.Index] = ""
			}
		case "content_block_delta":
			if chunk.Delta == nil {
				continue
			}
			if chunk.Delta.Text != "" {
				out <- StreamChunk{Type: "text", Text: chunk.Delta.Text}
			}
			if chunk.Delta.Type == "input_json_delta" && chunk.Delta.PartialJSON != "" {
				buffers[chunk.Index] += chunk.Delta.PartialJSON
			}
		case "content_block_stop":
			if tc, ok := calls[chunk.Index]; ok {
				if jsonStr := buffers[chunk.Index]; jsonStr != "" {
					var args map[string]any
					if err := json.Unmarshal([]byte(jsonStr), &args); err == nil {
						tc.Args = args
					}
				}
				out <- StreamChunk{Type: "tool_call", ToolCall: tc}
			}
		case "message_delta":
			if chunk.Usage != nil {
				totalTokens = chunk.Usage.OutputTokens
			}
		case "message_stop":
			out <- StreamChunk{Type: "done", Tokens: totalTokens}
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return cerrors.Wrap(cerrors.KindTransient, "anthropic: read stream", err)
	}
	return nil
}
