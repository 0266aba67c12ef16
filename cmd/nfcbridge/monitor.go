package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/databox/nfcbridge/logger"
	"github.com/databox/nfcbridge/nfc"
	"github.com/databox/nfcbridge/server"
)

var monitorCount int

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Print tag events as JSON lines until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b := newBridge(cfg)
		defer b.Close()
		log := logger.WithComponent("monitor")

		events := make(chan nfc.TagEvent, 64)
		b.Subscribe(func(ev nfc.TagEvent) {
			select {
			case events <- ev:
			default:
				log.Warn("event dropped, output too slow", "event", ev.Kind())
			}
		})
		monitorErr := make(chan error, 1)
		b.SetMonitorErrorHandler(func(err error) {
			select {
			case monitorErr <- err:
			default:
			}
		})

		if err := b.StartMonitor(ctx); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetEscapeHTML(false)
		printed := 0
		emit := func(ev nfc.TagEvent) (done bool) {
			if n, ok := server.TagNotification(b, ev); ok {
				enc.Encode(n)
				printed++
			}
			return monitorCount > 0 && printed >= monitorCount
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-events:
				if emit(ev) {
					return nil
				}
			case err := <-monitorErr:
				// Events decoded before the exit are still queued.
				for len(events) > 0 {
					if emit(<-events) {
						return nil
					}
				}
				return err
			}
		}
	},
}

func init() {
	monitorCmd.Flags().IntVarP(&monitorCount, "count", "n", 0, "exit after printing this many events (0 means run until interrupted)")
	rootCmd.AddCommand(monitorCmd)
}
