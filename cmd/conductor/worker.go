package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/arcflow-run/conductor/internal/config"
	"github.com/arcflow-run/conductor/internal/llmclient"
	"github.com/arcflow-run/conductor/internal/observability"
	"github.com/arcflow-run/conductor/internal/registry"
	"github.com/arcflow-run/conductor/internal/store"
	"github.com/arcflow-run/conductor/internal/task"
)

// WorkerCmd is the subprocess the Lifecycle Manager spawns for one
// task's run: it loads the task and run records, drives an LLM
// tool-calling session against the already-checked-out branch in the
// current working directory, and streams progress to stdout/stderr for
// the parent's heartbeat and transcript capture.
type WorkerCmd struct {
	RunID  string `name:"run-id" required:"" help:"Execution run ID."`
	TaskID string `name:"task-id" required:"" help:"Task ID."`
	Branch string `name:"branch" required:"" help:"Git branch the run is executing on."`
}

func (w *WorkerCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_ = config.LoadEnvFiles()
	var cfg *config.Config
	if cli.Config != "" {
		loaded, err := config.Load(config.LoaderOptions{Type: config.SourceFile, Path: cli.Config})
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	pool := config.NewDBPool()
	defer pool.Close()
	reg := registry.New()
	st, err := store.Open(ctx, pool, cfg.Database, reg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	tk, err := st.GetTask(ctx, w.TaskID)
	if err != nil {
		return fmt.Errorf("load task %s: %w", w.TaskID, err)
	}
	run, err := st.GetRun(ctx, w.RunID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", w.RunID, err)
	}

	provider, err := llmclient.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("build llm provider: %w", err)
	}

	obs, err := observability.NewManager(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("observability manager: %w", err)
	}
	defer obs.Shutdown(context.Background())
	rec := obs.NewRecorder(st, run.ID, tk.ID)
	defer rec.Close()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	tools := workerTools(cwd, rec)

	onChunk := func(chunk llmclient.StreamChunk) {
		switch chunk.Type {
		case "text":
			if chunk.Text != "" {
				fmt.Println(strings.TrimRight(chunk.Text, "\n"))
			}
		case "tool_call":
			if chunk.ToolCall != nil {
				fmt.Printf("tool_call: %s\n", chunk.ToolCall.Name)
			}
		}
	}

	session := llmclient.NewSession(provider, tools, 60, onChunk)

	snap := tk.Snapshot()
	system := buildWorkerSystemPrompt()
	prompt := buildWorkerTaskPrompt(snap, run.BranchName)

	_, _, runErr := session.Run(ctx, system, prompt)
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "worker: session ended with error:", runErr)
		return runErr
	}
	fmt.Println("worker: task attempt complete, handing off for verification")
	return nil
}

func buildWorkerSystemPrompt() string {
	return "You are an autonomous coding agent working inside a single git checkout. " +
		"Use the available tools to read and modify files and to run shell commands. " +
		"Make the smallest change that satisfies the task's acceptance criteria, then stop " +
		"calling tools once the change is complete — the coordinator runs verification separately."
}

func buildWorkerTaskPrompt(snap task.Snapshot, branch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Branch: %s\n", branch)
	fmt.Fprintf(&b, "Task: %s (%s/%s, attempt %d)\n\n", snap.Title, snap.Category, snap.RiskLevel, snap.Attempts+1)
	b.WriteString(snap.Description)
	b.WriteString("\n\nAcceptance criteria:\n")
	for _, ac := range snap.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s\n", ac.Statement)
	}
	if len(snap.AffectedFiles) > 0 {
		b.WriteString("\nExpected to touch:\n")
		for _, f := range snap.AffectedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	writeCmdSection(&b, "Codebase-level checks", snap.CodebaseTestCmds)
	writeCmdSection(&b, "API-level checks", snap.APITestCmds)
	writeCmdSection(&b, "UI-level checks", snap.UITestCmds)
	return b.String()
}

func writeCmdSection(b *strings.Builder, label string, cmds []string) {
	if len(cmds) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s (run these yourself before finishing):\n", label)
	for _, c := range cmds {
		fmt.Fprintf(b, "- %s\n", c)
	}
}

// workerTools builds the worker's tool set rooted at root, wrapping
// each handler so its invocation is captured as a Tool-Use record
// through rec.
func workerTools(root string, rec *observability.Recorder) []llmclient.Tool {
	return []llmclient.Tool{
		{
			Definition: llmclient.ToolDefinition{
				Name:        "read_file",
				Description: "Read a UTF-8 text file's contents, given a path relative to the repository root.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": map[string]any{"type": "string"}},
					"required":   []string{"path"},
				},
			},
			Handler: traced(rec, "read_file", func(ctx context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				data, err := os.ReadFile(resolveInRoot(root, path))
				if err != nil {
					return "", err
				}
				return string(data), nil
			}),
		},
		{
			Definition: llmclient.ToolDefinition{
				Name:        "write_file",
				Description: "Create or overwrite a UTF-8 text file, given a path relative to the repository root and its full contents.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string"},
						"content": map[string]any{"type": "string"},
					},
					"required": []string{"path", "content"},
				},
			},
			Handler: traced(rec, "write_file", func(ctx context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				content, _ := args["content"].(string)
				full := resolveInRoot(root, path)
				if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
					return "", err
				}
				if err := os.WriteFile(full, []byte(content), 0644); err != nil {
					return "", err
				}
				return fmt.Sprintf("written %d bytes to %s", len(content), path), nil
			}),
		},
		{
			Definition: llmclient.ToolDefinition{
				Name:        "list_dir",
				Description: "List the entries of a directory, given a path relative to the repository root.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"path": map[string]any{"type": "string"}},
					"required":   []string{"path"},
				},
			},
			Handler: traced(rec, "list_dir", func(ctx context.Context, args map[string]any) (string, error) {
				path, _ := args["path"].(string)
				entries, err := os.ReadDir(resolveInRoot(root, path))
				if err != nil {
					return "", err
				}
				var b strings.Builder
				for _, e := range entries {
					if e.IsDir() {
						b.WriteString(e.Name() + "/\n")
					} else {
						b.WriteString(e.Name() + "\n")
					}
				}
				return b.String(), nil
			}),
		},
		{
			Definition: llmclient.ToolDefinition{
				Name:        "run_shell",
				Description: "Run a shell command in the repository root and return its combined stdout/stderr.",
				Parameters: map[string]any{
					"type":       "object",
					"properties": map[string]any{"command": map[string]any{"type": "string"}},
					"required":   []string{"command"},
				},
			},
			Handler: traced(rec, "run_shell", func(ctx context.Context, args map[string]any) (string, error) {
				command, _ := args["command"].(string)
				runCtx, cancel := context.WithTimeout(ctx, 3*time.Minute)
				defer cancel()
				cmd := exec.CommandContext(runCtx, "sh", "-c", command)
				cmd.Dir = root
				out, err := cmd.CombinedOutput()
				if err != nil {
					return string(out) + "\nexit error: " + err.Error(), nil
				}
				return string(out), nil
			}),
		},
	}
}

// traced wraps a tool handler so its call is recorded as a Tool-Use row
// bracketed by rec.BeginToolUse/End, independent of the handler's own
// success or failure.
func traced(rec *observability.Recorder, name string, fn func(ctx context.Context, args map[string]any) (string, error)) func(context.Context, map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		encodedArgs, _ := json.Marshal(args)
		call := rec.BeginToolUse(name, string(encodedArgs))
		output, err := fn(ctx, args)
		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		if endErr := call.End(ctx, output, errMsg); endErr != nil {
			fmt.Fprintln(os.Stderr, "worker: failed to record tool use:", endErr)
		}
		return output, err
	}
}

// resolveInRoot joins path under root, refusing to escape it via `..`
// segments — a worker should never touch files outside its checkout.
func resolveInRoot(root, path string) string {
	clean := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	return filepath.Join(root, clean)
}
