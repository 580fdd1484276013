// Package repl is the interactive checking loop: the human edits the
// spec corpus in their editor, reruns the checker from this shell, and
// decides when the graph is consistent enough to hand off to the
// autonomous phase.
package repl

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/specsync/specsync/internal/session"
	"github.com/specsync/specsync/internal/types"
)

// Outcome is how the loop ended
type Outcome int

const (
	OutcomeCancelled Outcome = iota // Session abandoned
	OutcomeProceed                  // Gate opened; session is consistent
	OutcomeDetached                 // Shell exited, session left as-is
)

// Config holds REPL configuration
type Config struct {
	Orchestrator *session.Orchestrator
}

// REPL is the interactive checking shell
type REPL struct {
	orc      *session.Orchestrator
	rl       *readline.Instance
	ctx      context.Context
	commands map[string]func(args []string) (Outcome, bool, error)
}

// New creates a REPL instance
func New(cfg *Config) (*REPL, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	r := &REPL{
		orc:      cfg.Orchestrator,
		commands: make(map[string]func(args []string) (Outcome, bool, error)),
	}
	r.registerCommands()
	return r, nil
}

// Run starts the checking loop and blocks until the human proceeds,
// cancels, or detaches
func (r *REPL) Run(ctx context.Context) (Outcome, error) {
	r.ctx = ctx

	cyan := color.New(color.FgCyan).SprintFunc()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("specsync> "),
		HistoryFile:       "",
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return OutcomeDetached, fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	r.rl = rl

	r.printWelcome()
	r.printIssues(r.orc.Issues())

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				return OutcomeDetached, nil
			}
			return OutcomeDetached, err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		outcome, done, err := r.processInput(line)
		if err != nil {
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("%s %v\n", red("Error:"), err)
			continue
		}
		if done {
			return outcome, nil
		}
	}
}

func (r *REPL) processInput(line string) (Outcome, bool, error) {
	parts := strings.Fields(line)
	command := parts[0]
	args := parts[1:]

	handler, ok := r.commands[command]
	if !ok {
		return 0, false, fmt.Errorf("unknown command %q, try 'help'", command)
	}
	return handler(args)
}

func (r *REPL) registerCommands() {
	r.commands["check"] = r.cmdCheck
	r.commands["issues"] = r.cmdIssues
	r.commands["proceed"] = r.cmdProceed
	r.commands["cancel"] = r.cmdCancel
	r.commands["help"] = r.cmdHelp
	r.commands["exit"] = r.cmdExit
	r.commands["quit"] = r.cmdExit
}

// cmdCheck reloads the spec corpus and reruns the checker
func (r *REPL) cmdCheck(args []string) (Outcome, bool, error) {
	fmt.Println("Rechecking spec corpus...")
	issues, err := r.orc.Recheck(r.ctx)
	if err != nil {
		return 0, false, err
	}
	r.printIssues(issues)
	return 0, false, nil
}

// cmdIssues reprints the last report without rechecking
func (r *REPL) cmdIssues(args []string) (Outcome, bool, error) {
	r.printIssues(r.orc.Issues())
	return 0, false, nil
}

// cmdProceed opens the gate to the autonomous phase
func (r *REPL) cmdProceed(args []string) (Outcome, bool, error) {
	if err := r.orc.MarkConsistent(r.ctx); err != nil {
		return 0, false, err
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s spec graph is consistent, proceeding to reconciliation\n", green("OK:"))
	return OutcomeProceed, true, nil
}

// cmdCancel abandons the session
func (r *REPL) cmdCancel(args []string) (Outcome, bool, error) {
	if err := r.orc.Cancel(r.ctx); err != nil {
		return 0, false, err
	}
	fmt.Println("Session cancelled.")
	return OutcomeCancelled, true, nil
}

func (r *REPL) cmdExit(args []string) (Outcome, bool, error) {
	return OutcomeDetached, true, nil
}

func (r *REPL) cmdHelp(args []string) (Outcome, bool, error) {
	fmt.Println(`Commands:
  check     re-read the spec corpus and rerun all checks
  issues    reprint the last issue report
  proceed   accept the current graph and start reconciliation
  cancel    abandon this session
  exit      leave the shell without deciding`)
	return 0, false, nil
}

func (r *REPL) printWelcome() {
	fmt.Println("Interactive spec check. Edit the corpus in your editor, then 'check'.")
	fmt.Println("Type 'help' for commands.")
}

// printIssues renders the issue report, blocking issues first
func (r *REPL) printIssues(issues []types.Issue) {
	if len(issues) == 0 {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s no issues\n", green("✓"))
		return
	}

	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	blocking := 0
	for _, issue := range issues {
		var tag string
		switch issue.Severity {
		case types.SeverityError:
			tag = red("ERROR")
			blocking++
		case types.SeverityWarning:
			tag = yellow("WARN ")
		default:
			tag = gray("INFO ")
		}
		fmt.Printf("  %s [%s] %s %s\n", tag, issue.Kind, issue.Location(), issue.Explanation)
	}
	fmt.Printf("%d issue(s)", len(issues))
	if blocking > 0 {
		fmt.Printf(", %s", red(fmt.Sprintf("%d blocking", blocking)))
	}
	fmt.Println()
}
