package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/specsync/specsync/internal/checker"
	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/graph"
	"github.com/specsync/specsync/internal/types"
)

var checkStructural bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the spec graph for structural and semantic issues",
	Long: `Parse the spec corpus, build the refinement graph, and report every
issue: cycles, broken links, orphans, contradictions, gaps, ambiguity.

Exit codes: 0 clean, 1 warnings only, 2 blocking issues.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var issues []types.Issue
		if checkStructural {
			spec, err := corpus.LoadSpecSnapshot(resolve(cfg.SpecRoot))
			if err != nil {
				return err
			}
			g, buildIssues := graph.Build(spec)
			issues = checker.Structural(g, buildIssues)
		} else {
			eng, err := buildEngine()
			if err != nil {
				return err
			}
			defer eng.close()

			orc, err := eng.orchestrator()
			if err != nil {
				return err
			}
			issues, err = orc.Begin(context.Background())
			if err != nil {
				return err
			}
			// A bare check decides nothing; don't leave the session open
			if err := orc.Cancel(context.Background()); err != nil {
				return err
			}
		}

		printIssueReport(issues)
		switch {
		case types.HasBlocking(issues):
			return exit(2)
		case len(issues) > 0:
			return exit(1)
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkStructural, "structural", false,
		"run only the offline structural checks, no oracle calls")
	rootCmd.AddCommand(checkCmd)
}

// printIssueReport renders issues sorted as the checker emitted them
func printIssueReport(issues []types.Issue) {
	if len(issues) == 0 {
		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s spec graph is clean\n", green("✓"))
		return
	}

	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	for _, issue := range issues {
		var tag string
		switch issue.Severity {
		case types.SeverityError:
			tag = red("ERROR")
		case types.SeverityWarning:
			tag = yellow("WARN ")
		default:
			tag = gray("INFO ")
		}
		fmt.Printf("%s [%s] %s  %s\n", tag, issue.Kind, issue.Location(), issue.Explanation)
	}
}
