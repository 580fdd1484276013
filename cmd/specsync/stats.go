package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show oracle call statistics",
	Long: `Aggregate the oracle call log per role and model: call counts and
token totals. Generation calls are always logged; analysis calls only
when they miss the cache, so this is also a rough cache-hit gauge.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildStoreEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		stats, err := eng.store.CallStats(context.Background())
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("no oracle calls recorded")
			return nil
		}

		fmt.Printf("%-14s %-30s %8s %12s %12s\n", "ROLE", "MODEL", "CALLS", "IN TOKENS", "OUT TOKENS")
		var calls, in, out int64
		for _, s := range stats {
			fmt.Printf("%-14s %-30s %8d %12d %12d\n",
				s.Role, s.Model, s.Calls, s.InputTokens, s.OutputTokens)
			calls += s.Calls
			in += s.InputTokens
			out += s.OutputTokens
		}
		fmt.Printf("%-14s %-30s %8d %12d %12d\n", "total", "", calls, in, out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
