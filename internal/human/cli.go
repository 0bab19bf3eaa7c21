package human

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/arcflow-run/conductor/internal/store"
)

// CLIPrompter drives an interactive, terminal-based decision prompt: it
// polls for pending decisions and asks an operator to pick one of the
// decision's options, the same "approve/deny" loop generalized to an
// arbitrary option set.
type CLIPrompter struct {
	iface        *Interface
	pollInterval time.Duration
}

// NewCLIPrompter builds a prompter over iface.
func NewCLIPrompter(iface *Interface, pollInterval time.Duration) *CLIPrompter {
	return &CLIPrompter{iface: iface, pollInterval: pollInterval}
}

// Run polls for pending decisions and prompts for each until ctx is
// cancelled. If stdin isn't a terminal, it logs and returns immediately
// rather than blocking on a read that can never resolve.
func (p *CLIPrompter) Run(ctx context.Context) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		slog.Info("human CLI prompter skipped: stdin is not a terminal")
		return nil
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	prompted := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			decisions, err := p.iface.PendingDecisions(ctx)
			if err != nil {
				slog.Error("list pending decisions", "error", err)
				continue
			}
			for _, d := range decisions {
				if prompted[d.ID] {
					continue
				}
				prompted[d.ID] = true
				p.promptAndResolve(ctx, d)
			}
		}
	}
}

func (p *CLIPrompter) promptAndResolve(ctx context.Context, d store.Decision) {
	choice := PromptForChoice(d.Kind, d.Subject, d.Options, d.DefaultChoice)
	if err := p.iface.Decide(ctx, d.ID, choice); err != nil {
		slog.Error("record decision", "decision_id", d.ID, "error", err)
	}
}

// PromptForChoice asks the operator to pick one of options, re-prompting
// on unrecognized input and falling back to defaultChoice if stdin
// closes or errors.
func PromptForChoice(kind, subject string, options []string, defaultChoice string) string {
	reader := bufio.NewReader(os.Stdin)
	normalized := make(map[string]string, len(options))
	for _, opt := range options {
		normalized[strings.ToLower(opt)] = opt
	}

	fmt.Printf("\n[DECISION] %s: %s\n", kind, subject)
	fmt.Printf("Options: %s (default: %s)\n", strings.Join(options, ", "), defaultChoice)

	for {
		fmt.Print("Your choice: ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return defaultChoice
		}

		input = strings.ToLower(strings.TrimSpace(input))
		if input == "" {
			return defaultChoice
		}
		if choice, ok := normalized[input]; ok {
			return choice
		}
		fmt.Printf("Please enter one of: %s\n", strings.Join(options, ", "))
	}
}
