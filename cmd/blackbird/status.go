package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hannesmnagel/blackbird/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Display per-table sync state for the local database:

  - rows pending upload and rows queued for send
  - outstanding tombstones awaiting hand-off`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		dbPath := viper.GetString("database")

		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			fmt.Printf("Database not found: %s\n", dbPath)
			fmt.Println("Run 'blackbird sync' to create it")
			return
		}

		st, err := store.Open(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		tables, err := store.ListTables(ctx, st)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing tables: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Database: %s\n", dbPath)
		for _, table := range tables {
			if store.IsInternalName(table) {
				continue
			}
			pending, queued, err := tableCounts(ctx, st, table)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to inspect %s: %v\n", table, err)
				continue
			}
			fmt.Printf("  %-24s pending=%d queued=%d\n", table, pending, queued)
		}

		tombstones, err := tombstoneCount(ctx, st)
		if err == nil {
			fmt.Printf("Tombstones awaiting hand-off: %d\n", tombstones)
		}
	},
}

// tableCounts returns the pending-upload and queued row counts for a table.
// Tables without sync bookkeeping report zero.
func tableCounts(ctx context.Context, st *store.Store, table string) (pending, queued int, err error) {
	cols, err := store.TableInfo(ctx, st, table)
	if err != nil {
		return 0, 0, err
	}
	hasStatus := false
	for _, c := range cols {
		if c.Name == store.StatusColumn {
			hasStatus = true
			break
		}
	}
	if !hasStatus {
		return 0, 0, nil
	}

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?",
		store.QuoteIdent(table), store.QuoteIdent(store.StatusColumn))
	if err := st.QueryRow(ctx, query, 1).Scan(&pending); err != nil {
		return 0, 0, err
	}
	if err := st.QueryRow(ctx, query, 2).Scan(&queued); err != nil {
		return 0, 0, err
	}
	return pending, queued, nil
}

// tombstoneCount returns the number of outstanding tombstones.
func tombstoneCount(ctx context.Context, st *store.Store) (int, error) {
	exists, err := store.TableExists(ctx, st, store.TombstoneTable)
	if err != nil || !exists {
		return 0, err
	}
	var n int
	err = st.QueryRow(ctx, "SELECT COUNT(*) FROM "+store.TombstoneTable).Scan(&n)
	return n, err
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
