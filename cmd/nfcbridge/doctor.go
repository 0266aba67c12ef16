package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/databox/nfcbridge/cli"
	"github.com/databox/nfcbridge/logger"
	"github.com/databox/nfcbridge/paths"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the interpreter and helper scripts are in place",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		layout, err := paths.CurrentLayout()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Paths:  %s\n", layout)
		fmt.Fprintf(out, "Config: %s\n", cfg.FilePath())
		fmt.Fprintf(out, "Log:    %s\n", logger.Path())
		fmt.Fprintf(out, "Layout: %v\n\n", cfg.StatusLayout)

		results := cli.CheckAll(cli.DefaultPrerequisites(cfg))
		fmt.Fprint(out, cli.FormatCheckResults(results))

		for _, r := range results {
			if r.Prerequisite.Required && !r.Found {
				return errors.New("missing required prerequisites")
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
