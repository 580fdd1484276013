package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/specsync/specsync/internal/repl"
	"github.com/specsync/specsync/internal/types"
)

var (
	reconcileNonInteractive bool
	reconcileCommit         bool
	reconcileTrust          bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run a full reconciliation session",
	Long: `Run a session end to end: interactive spec checking, autonomous code
reconciliation, global verification, and (with --commit) the durable
snapshot update.

Exit codes: 0 clean, 1 advisory findings, 2 failed scopes or blocking
issues.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		orc, err := eng.orchestrator()
		if err != nil {
			return err
		}

		ctx := context.Background()
		issues, err := orc.Begin(ctx)
		if err != nil {
			return err
		}

		if reconcileNonInteractive {
			printIssueReport(issues)
			if err := orc.MarkConsistent(ctx); err != nil {
				return err
			}
		} else {
			shell, err := repl.New(&repl.Config{Orchestrator: orc})
			if err != nil {
				return err
			}
			outcome, err := shell.Run(ctx)
			if err != nil {
				return err
			}
			if outcome != repl.OutcomeProceed {
				fmt.Println("No reconciliation performed.")
				return nil
			}
		}

		fmt.Println("Reconciling code artifact...")
		report, err := orc.Reconcile(ctx)
		if err != nil {
			return err
		}
		printReport(report)
		if tokens, calls := eng.budget.Usage(); calls > 0 {
			fmt.Printf("oracle usage: %d calls, %d tokens (%s)\n", calls, tokens, eng.budget.Status())
		}

		if reconcileCommit {
			if err := orc.Commit(ctx, reconcileTrust); err != nil {
				return err
			}
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s committed session %s\n", green("✓"), report.SessionID)
		} else {
			fmt.Println("Dry run: no files written. Re-run with --commit to apply.")
		}

		if code := report.ExitCode(); code != 0 {
			return exit(code)
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileNonInteractive, "non-interactive", false,
		"skip the checking shell; fail instead of waiting for edits")
	reconcileCmd.Flags().BoolVar(&reconcileCommit, "commit", false,
		"write the reconciled units to disk when the session settles")
	reconcileCmd.Flags().BoolVar(&reconcileTrust, "trust-flagged", false,
		"commit even a flagged session (explicit trust decision)")
	rootCmd.AddCommand(reconcileCmd)
}

// printReport renders a session report
func printReport(report *types.SessionReport) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	fmt.Printf("\nSession %s: ", report.SessionID)
	switch report.FinalState {
	case types.StateVerified, types.StateCommitted:
		fmt.Println(green(string(report.FinalState)))
	case types.StateFlagged:
		fmt.Println(yellow(string(report.FinalState)))
	default:
		fmt.Println(string(report.FinalState))
	}

	for _, o := range report.ScopeOutcomes {
		var status string
		switch o.Status {
		case types.ScopeCompleted:
			status = green(string(o.Status))
		case types.ScopeFailed, types.ScopeConflicted:
			status = red(string(o.Status))
		default:
			status = yellow(string(o.Status))
		}
		fmt.Printf("  scope %s: %s (%d passed, %d failed)\n",
			o.ScopeID, status, o.TestsPassed, o.TestsFailed)
	}

	if len(report.ChangedFiles) > 0 {
		fmt.Printf("  changed files: %d\n", len(report.ChangedFiles))
		for _, f := range report.ChangedFiles {
			fmt.Printf("    %s\n", f)
		}
	}
	for _, r := range report.Residue {
		fmt.Printf("  %s residue: %s (%s)\n", yellow("!"), r.Unit, r.Hint)
	}
	for _, flag := range report.ProportionalityFlags {
		fmt.Printf("  %s disproportionate diff: %d code lines / %d files for %d spec lines (ratio %.1f, threshold %.1f)\n",
			yellow("!"), flag.CodeLinesChanged, flag.FilesTouched,
			flag.SpecLinesChanged, flag.Ratio, flag.Threshold)
	}
	if n := len(report.UnresolvedIssues); n > 0 {
		fmt.Printf("  unresolved issues: %d\n", n)
	}
}
