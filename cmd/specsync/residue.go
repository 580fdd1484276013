package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/graph"
	"github.com/specsync/specsync/internal/types"
)

var residueCmd = &cobra.Command{
	Use:   "residue",
	Short: "List code units no spec node accounts for",
	Long: `Rebuild the trace index and report every non-excluded code unit that
no spec node links to, with a best-effort hint: dead-code, needs-spec,
or hallucinated.

Exit codes: 0 no residue, 1 residue found.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		spec, err := corpus.LoadSpecSnapshot(eng.specRoot)
		if err != nil {
			return err
		}
		code, err := corpus.LoadCodeSnapshot(eng.codeRoot, eng.specRoot)
		if err != nil {
			return err
		}
		g, buildIssues := graph.Build(spec)
		if types.HasBlocking(buildIssues) {
			printIssueReport(buildIssues)
			return fmt.Errorf("spec graph has structural errors; fix them before tracing")
		}

		ctx := context.Background()
		links, err := eng.tracer.Rebuild(ctx, g, code)
		if err != nil {
			return err
		}

		findings := eng.residue.Analyze(ctx, code, links, eng.exclusions)
		if len(findings) == 0 {
			green := color.New(color.FgGreen).SprintFunc()
			fmt.Printf("%s every code unit is accounted for\n", green("✓"))
			return nil
		}

		yellow := color.New(color.FgYellow).SprintFunc()
		for _, f := range findings {
			fmt.Printf("%s %s (%s)\n", yellow("!"), f.Unit, f.Hint)
		}
		return exit(1)
	},
}

func init() {
	rootCmd.AddCommand(residueCmd)
}
