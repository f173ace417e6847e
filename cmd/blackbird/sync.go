package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync cycle",
	Long: `Run a single sync cycle against the configured record server:

  1. Push tombstones for locally deleted rows
  2. Queue and send locally modified rows
  3. Pull and apply remote changes`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		eng, _, cleanup, err := openEngine(ctx, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		if err := eng.StartSync(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting sync: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Syncing %s...\n", viper.GetString("database"))
		start := time.Now()
		if err := eng.Sync(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sync complete in %v\n", time.Since(start).Round(time.Millisecond))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
