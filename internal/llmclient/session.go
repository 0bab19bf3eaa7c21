package llmclient

import (
	"context"
	"fmt"

	cerrors "github.com/arcflow-run/conductor/internal/errors"
)

// ToolHandler executes one tool call's arguments and returns the
// content a tool_result turn carries back to the model.
type ToolHandler func(ctx context.Context, args map[string]any) (string, error)

// Tool pairs a callable definition with the handler that runs it.
type Tool struct {
	Definition ToolDefinition
	Handler    ToolHandler
}

// Session drives one provider through a tool-calling loop until it
// stops requesting tools or the iteration budget is exhausted,
// generalizing the streaming tool-call protocol (text deltas plus
// accumulated tool_use blocks) into a reusable driver instead of a
// one-shot CLI executor.
type Session struct {
	provider      Provider
	tools         []Tool
	maxIterations int
	onChunk       func(StreamChunk)
}

// NewSession builds a Session over provider with the given tool set.
// onChunk, if non-nil, is called for every chunk the provider streams
// (including tool_call chunks, before the handler runs), letting the
// caller forward text to a transcript or heartbeat as it arrives.
func NewSession(provider Provider, tools []Tool, maxIterations int, onChunk func(StreamChunk)) *Session {
	if maxIterations <= 0 {
		maxIterations = 40
	}
	return &Session{provider: provider, tools: tools, maxIterations: maxIterations, onChunk: onChunk}
}

// Run drives the loop starting from systemPrompt and userPrompt,
// returning the final assistant text and the full message transcript
// the loop accumulated (useful for persisting a run's conversation).
func (s *Session) Run(ctx context.Context, systemPrompt, userPrompt string) (string, []Message, error) {
	messages := []Message{
		{Role: RoleSystem, Content: systemPrompt},
		{Role: RoleUser, Content: userPrompt},
	}

	defs := make([]ToolDefinition, len(s.tools))
	byName := make(map[string]ToolHandler, len(s.tools))
	for i, t := range s.tools {
		defs[i] = t.Definition
		byName[t.Definition.Name] = t.Handler
	}

	var finalText string
	for iteration := 0; iteration < s.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return finalText, messages, err
		}

		text, calls, err := s.runOneTurn(ctx, messages, defs)
		if err != nil {
			return finalText, messages, err
		}
		finalText = text

		if len(calls) == 0 {
			messages = append(messages, Message{Role: RoleAssistant, Content: text})
			return finalText, messages, nil
		}

		messages = append(messages, Message{Role: RoleAssistant, Content: text, ToolCalls: calls})
		for _, call := range calls {
			handler, ok := byName[call.Name]
			if !ok {
				messages = append(messages, Message{Role: RoleTool, ToolCallID: call.ID, Content: fmt.Sprintf("error: unknown tool %q", call.Name)})
				continue
			}
			result, err := handler(ctx, call.Args)
			if err != nil {
				result = "error: " + err.Error()
			}
			messages = append(messages, Message{Role: RoleTool, ToolCallID: call.ID, Content: result})
		}
	}
	return finalText, messages, cerrors.New(cerrors.KindResource, "llmclient: tool-calling loop exceeded iteration budget").WithEvidence(fmt.Sprintf("max_iterations=%d", s.maxIterations))
}

func (s *Session) runOneTurn(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, error) {
	ch, err := s.provider.GenerateStreaming(ctx, messages, tools)
	if err != nil {
		return "", nil, err
	}

	var text string
	var calls []ToolCall
	for chunk := range ch {
		if s.onChunk != nil {
			s.onChunk(chunk)
		}
		switch chunk.Type {
		case "text":
			text += chunk.Text
		case "tool_call":
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case "error":
			return text, calls, chunk.Error
		}
	}
	return text, calls, nil
}
