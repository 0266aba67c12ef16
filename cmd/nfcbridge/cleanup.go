package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/databox/nfcbridge/logger"
	"github.com/databox/nfcbridge/process"
)

var (
	cleanupDryRun bool
	cleanupLogs   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill helper processes left behind by a crashed nfcbridge",
	Long: `Find monitor, read and write script processes whose nfcbridge has
exited and kill them. Only processes started as "<interpreter> <script>" and
reparented to init are touched. A stray monitor keeps the reader device open,
which makes every later start fail.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		scripts := helperScripts(cfg)

		if cleanupDryRun {
			orphans, err := process.FindOrphanedHelpers(cfg.Interpreter, scripts, nil)
			if err != nil {
				return err
			}
			for _, p := range orphans {
				fmt.Fprintf(out, "%d\t%s\n", p.PID, p.Command)
			}
			fmt.Fprintf(out, "Found %d orphaned helper process(es)\n", len(orphans))
		} else {
			killed, err := process.CleanupOrphanedHelpers(cfg.Interpreter, scripts, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Killed %d orphaned helper process(es)\n", killed)
		}

		if cleanupLogs && !cleanupDryRun {
			logger.Close()
			n, err := logger.ClearLogs()
			if err != nil {
				return fmt.Errorf("failed to clear logs: %w", err)
			}
			fmt.Fprintf(out, "Removed %d log file(s)\n", n)
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "list orphaned processes without killing them")
	cleanupCmd.Flags().BoolVar(&cleanupLogs, "logs", false, "also remove log files")
	rootCmd.AddCommand(cleanupCmd)
}
