package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/databox/nfcbridge/nfc"
)

var writePayload nfc.WritePayload

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read the card on the reader once and print it as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		b := newBridge(cfg)
		defer b.Close()

		res, err := b.RequestRead(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a participant record to the card on the reader",
	Example: `  nfcbridge write --name Alice --age 20 --money 1000 --class 1
  nfcbridge write --name Admin --class 65535`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		b := newBridge(cfg)
		defer b.Close()

		res, err := b.RequestWrite(cmd.Context(), writePayload)
		if err != nil {
			return err
		}
		if !res.Success {
			return errors.New(res.Message)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Message)
		return nil
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <idm>",
	Short: "Look up the participant registered for a card IDm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		b := newBridge(cfg)
		defer b.Close()

		res, err := b.RequestLookup(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func init() {
	f := writeCmd.Flags()
	f.StringVar(&writePayload.Name, "name", "", "participant name (at most 16 bytes)")
	f.IntVar(&writePayload.Age, "age", 0, "age")
	f.IntVar(&writePayload.Money, "money", 0, "money")
	f.IntVar(&writePayload.Power, "power", 0, "power stat")
	f.IntVar(&writePayload.Stamina, "stamina", 0, "stamina stat")
	f.IntVar(&writePayload.Speed, "speed", 0, "speed stat")
	f.IntVar(&writePayload.Technique, "technique", 0, "technique stat")
	f.IntVar(&writePayload.Luck, "luck", 0, "luck stat")
	f.IntVar(&writePayload.Class, "class", 0, "class code (65535 grants admin rights)")
	writeCmd.MarkFlagRequired("name")

	rootCmd.AddCommand(readCmd, writeCmd, lookupCmd)
}
