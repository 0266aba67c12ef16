package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/databox/nfcbridge/cli"
	"github.com/databox/nfcbridge/config"
	"github.com/databox/nfcbridge/logger"
	"github.com/databox/nfcbridge/process"
	"github.com/databox/nfcbridge/server"
)

var (
	serveListen  string
	serveNoWatch bool
	serveCleanup bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the NFC bridge to the UI over a WebSocket",
	Long: `Start the WebSocket endpoint the registration UI connects to.

Clients connect to ws://<listen>/ws and send requests such as
{"id":1,"method":"startMonitor"}. Tag events are pushed to every client as
nfc-data-read and nfc-tag-removed notifications. GET /healthz returns "ok".`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.WithComponent("serve")

		if err := cli.ValidateRequired(cli.DefaultPrerequisites(cfg)); err != nil {
			return err
		}
		if serveCleanup {
			killed, err := process.CleanupOrphanedHelpers(cfg.Interpreter, helperScripts(cfg), nil)
			switch {
			case errors.Is(err, process.ErrUnsupported):
			case err != nil:
				log.Warn("orphan cleanup failed", "error", err)
			case killed > 0:
				fmt.Fprintf(cmd.ErrOrStderr(), "Killed %d orphaned helper process(es)\n", killed)
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b := newBridge(cfg)
		defer func() {
			if err := b.Close(); err != nil {
				log.Warn("shutdown incomplete", "error", err)
			}
		}()
		srv := server.New(b, logger.WithComponent("server"))

		if !serveNoWatch {
			err := config.Watch(ctx, cfg.FilePath(), func(next *config.Config) {
				b.SetConfig(next)
				logger.SetDebug(debugFlag || next.Debug)
			}, logger.WithComponent("config"))
			if err != nil {
				log.Warn("config hot reload disabled", "error", err)
			}
		}

		addr := cfg.Listen
		if serveListen != "" {
			addr = serveListen
		}
		fmt.Fprintf(cmd.OutOrStdout(), "nfcbridge listening on ws://%s/ws\n", addr)
		return srv.ListenAndServe(ctx, addr)
	},
}

// helperScripts lists the scripts that hold the reader open.
func helperScripts(cfg *config.Config) []string {
	var scripts []string
	for _, kind := range config.AllScripts() {
		if kind.UsesReader() {
			scripts = append(scripts, cfg.ScriptPath(kind))
		}
	}
	return scripts
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides the config file)")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "do not reload the config file when it changes")
	serveCmd.Flags().BoolVar(&serveCleanup, "cleanup", true, "kill orphaned helper processes before starting")
	rootCmd.AddCommand(serveCmd)
}
