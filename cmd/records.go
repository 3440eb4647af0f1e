package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"deskrelay/pkg/config"
	"deskrelay/pkg/ledger"
	"deskrelay/pkg/logger"

	"github.com/spf13/cobra"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and clear processing records",
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one processing record as JSON",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dedupLedger, err := adminLedger()
		if err != nil {
			fmt.Printf("failed to initialize: %v\n", err)
			return
		}

		record, found, err := dedupLedger.GetRecord(context.Background(), args[0])
		if err != nil {
			fmt.Printf("failed to read record: %v\n", err)
			return
		}
		if !found {
			fmt.Printf("no record for id %s\n", args[0])
			return
		}

		payload, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			fmt.Printf("failed to render record: %v\n", err)
			return
		}

		fmt.Println(string(payload))
	},
}

var recordsClearCmd = &cobra.Command{
	Use:   "clear <id>...",
	Short: "Delete processing records so the ids can be handled again",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dedupLedger, err := adminLedger()
		if err != nil {
			fmt.Printf("failed to initialize: %v\n", err)
			return
		}

		if err := dedupLedger.RemoveMany(context.Background(), args); err != nil {
			fmt.Printf("failed to clear records: %v\n", err)
			return
		}

		fmt.Printf("cleared %d record(s)\n", len(args))
	},
}

func init() {
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsClearCmd)
	rootCmd.AddCommand(recordsCmd)
}

func adminLedger() (*ledger.Ledger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(appLogger)

	store, _, err := buildStore(context.Background(), cfg.Storage)
	if err != nil {
		return nil, err
	}

	return ledger.New(store, time.Duration(cfg.Storage.RecordTTLHours)*time.Hour, slog.Default()), nil
}
