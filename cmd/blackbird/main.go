// Command blackbird syncs a local SQLite database with a remote record-zone
// server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hannesmnagel/blackbird/internal/engine"
	"github.com/hannesmnagel/blackbird/internal/store"
	"github.com/hannesmnagel/blackbird/internal/transport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "blackbird",
	Short: "Two-way sync between a local SQLite database and a remote record store",
	Long: `Blackbird keeps a local SQLite database and a remote record-zone server
in eventual agreement.

Local writes are captured per row (pending upload, queued) and pushed as
record saves; local deletes leave tombstones that become remote deletions;
remote changes are pulled incrementally from a persisted cursor and applied
with field-level, remote-wins conflict resolution. Table schema is inferred
from the records themselves and grows as new fields appear.

Configuration comes from flags, a config file (--config, ./blackbird.yaml)
or BLACKBIRD_* environment variables.`,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./blackbird.yaml)")
	rootCmd.PersistentFlags().String("database", ".blackbird/app.db", "path to the local SQLite database")
	rootCmd.PersistentFlags().String("endpoint", "", "websocket URL of the record-zone server")
	rootCmd.PersistentFlags().String("service", "", "remote service identifier")

	for _, flag := range []string{"database", "endpoint", "service"} {
		if err := viper.BindPFlag(flag, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding flag %s: %v\n", flag, err)
			os.Exit(1)
		}
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("blackbird")
	}
	viper.SetEnvPrefix("blackbird")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// openEngine opens the store, dials the transport and builds the engine.
// The returned cleanup closes both.
func openEngine(ctx context.Context, logger *log.Logger) (*engine.Engine, *store.Store, func(), error) {
	dbPath := viper.GetString("database")
	endpoint := viper.GetString("endpoint")
	service := viper.GetString("service")

	if endpoint == "" {
		return nil, nil, nil, fmt.Errorf("no endpoint configured (--endpoint or BLACKBIRD_ENDPOINT)")
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	tr, err := transport.DialWS(ctx, endpoint, service, logger)
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	eng := engine.New(st, tr, engine.Options{Service: service, Logger: logger})
	cleanup := func() {
		if err := tr.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close transport: %v\n", err)
		}
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
	}
	return eng, st, cleanup, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
