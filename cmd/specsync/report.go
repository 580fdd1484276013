package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var reportSession string

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the report of a past session",
	Long: `Print the stored report for a session. With no --session flag the
most recent session is used. The exit code mirrors the session's
outcome, so scripts can act on a report after the fact.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildStoreEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		ctx := context.Background()
		id := reportSession
		if id == "" {
			sessions, err := eng.store.ListSessions(ctx, 1)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				return fmt.Errorf("no sessions recorded")
			}
			id = sessions[0].ID
		}

		report, err := eng.store.GetReport(ctx, id)
		if err != nil {
			return err
		}
		printReport(report)

		if code := report.ExitCode(); code != 0 {
			return exit(code)
		}
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildStoreEngine()
		if err != nil {
			return err
		}
		defer eng.close()

		sessions, err := eng.store.ListSessions(context.Background(), 20)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions recorded")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%s  %-15s  started %s  scopes %d\n",
				s.ID, s.State, s.StartedAt.Format("2006-01-02 15:04"), len(s.Scopes))
		}
		return nil
	},
}

func init() {
	reportCmd.Flags().StringVar(&reportSession, "session", "", "session ID to report on")
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(sessionsCmd)
}
