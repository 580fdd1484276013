package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/graph"
	"github.com/specsync/specsync/internal/types"
)

var (
	traceNode string
	traceUnit string
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Derive trace links between spec nodes and code units",
	Long: `Rebuild the trace index for the current spec and code snapshots, or
query one direction with --node or --unit. Verdicts are cached per
(node hash, unit hash) pair, so unchanged pairs cost nothing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if traceNode != "" && traceUnit != "" {
			return fmt.Errorf("--node and --unit are mutually exclusive")
		}

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
		var links []types.TraceLink
		switch {
		case traceNode != "":
			id, err := types.ParseNodeID(traceNode)
			if err != nil {
				return err
			}
			links, err = eng.tracer.SpecToCode(ctx, g, code, id)
			if err != nil {
				return err
			}
		case traceUnit != "":
			links, err = eng.tracer.CodeToSpec(ctx, g, code, traceUnit)
			if err != nil {
				return err
			}
		default:
			links, err = eng.tracer.Rebuild(ctx, g, code)
			if err != nil {
				return err
			}
		}

		if len(links) == 0 {
			fmt.Println("no trace links")
			return nil
		}
		for _, l := range links {
			fmt.Printf("%s -> %s (%s)\n", l.Node, l.Unit, l.Confidence)
		}
		return nil
	},
}

func init() {
	traceCmd.Flags().StringVar(&traceNode, "node", "",
		"spec node to trace (file.md#anchor); prints its implementing units")
	traceCmd.Flags().StringVar(&traceUnit, "unit", "",
		"code unit path to trace; prints the spec nodes it implements")
	rootCmd.AddCommand(traceCmd)
}
