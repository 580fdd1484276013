package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/specsync/specsync/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a specsync workspace",
	Long: `Create the .specsync state directory with a default config file
and an empty residue exclusion list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.WriteDefault(workspaceRoot)
		if err != nil {
			return err
		}

		exclusions := filepath.Join(config.StateDir(workspaceRoot), "exclusions")
		if _, err := os.Stat(exclusions); os.IsNotExist(err) {
			content := "# Residue exclusions: one glob per line.\n" +
				"# Units matching these never count as unaccounted code.\n" +
				"vendor/**\n"
			if err := os.WriteFile(exclusions, []byte(content), 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", exclusions, err)
			}
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s wrote %s\n", green("✓"), path)
		fmt.Printf("%s wrote %s\n", green("✓"), exclusions)
		fmt.Println("Edit spec_root and code_root in the config, then run 'specsync check'.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
