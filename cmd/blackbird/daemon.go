package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hannesmnagel/blackbird/internal/daemon"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Watch the local database for writes and sync continuously.

The daemon debounces local write bursts into single sync cycles, runs a
periodic cycle to pull remote changes on a quiet store, and serializes
cycles so at most one runs at a time. Stop with SIGINT or SIGTERM.`,
	Run: func(cmd *cobra.Command, args []string) {
		interval := viper.GetDuration("interval")
		logFile := viper.GetString("log-file")

		logger := log.New(os.Stderr, "[daemon] ", log.LstdFlags)
		if logFile != "" {
			logger = log.New(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
			}, "[daemon] ", log.LstdFlags)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		eng, _, cleanup, err := openEngine(ctx, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()

		if err := eng.StartSync(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting sync: %v\n", err)
			os.Exit(1)
		}

		cfg := daemon.DefaultConfig()
		cfg.Logger = logger
		if interval > 0 {
			cfg.Interval = interval
		}

		d, err := daemon.New(eng, viper.GetString("database"), cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating daemon: %v\n", err)
			os.Exit(1)
		}

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().Duration("interval", 30*time.Second, "periodic sync interval")
	daemonCmd.Flags().String("log-file", "", "write daemon logs to this rotating file instead of stderr")

	for _, flag := range []string{"interval", "log-file"} {
		if err := viper.BindPFlag(flag, daemonCmd.Flags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding flag %s: %v\n", flag, err)
			os.Exit(1)
		}
	}

	rootCmd.AddCommand(daemonCmd)
}
