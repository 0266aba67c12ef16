package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/databox/nfcbridge/bridge"
	"github.com/databox/nfcbridge/config"
	"github.com/databox/nfcbridge/logger"
)

var (
	configPath  string
	debugFlag   bool
	logFilePath string
)

var rootCmd = &cobra.Command{
	Use:   "nfcbridge",
	Short: "Supervise the NFC reader scripts and bridge them to the UI",
	Long: `nfcbridge runs the Python helper scripts that talk to the NFC reader,
decodes what they print, and serves tag events and card read/write
commands to the registration UI over a WebSocket.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging()
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default is <config dir>/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFilePath, "log-file", "", "log file (default is <state dir>/logs/nfcbridge.log)")
}

func setupLogging() {
	path := logFilePath
	if path == "" {
		p, err := logger.DefaultLogPath()
		if err != nil {
			p = os.DevNull
		}
		path = p
	}
	if err := logger.Init(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		logger.Init(os.DevNull)
	}
	logger.SetDebug(debugFlag)
}

// loadConfig reads the config selected by --config and applies its log level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.SetDebug(debugFlag || cfg.Debug)
	logger.WithComponent("main").Debug("config loaded", "path", cfg.FilePath())
	return cfg, nil
}

func newBridge(cfg *config.Config) *bridge.Bridge {
	return bridge.New(bridge.Options{
		Config: cfg,
		Logger: logger.WithComponent("bridge"),
	})
}

func run() int {
	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", bridge.Message(err))
		return 1
	}
	return 0
}

func main() {
	os.Exit(run())
}
