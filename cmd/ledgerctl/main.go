// Command ledgerctl inspects and repairs the ledger store offline. Pebble
// holds an exclusive lock, so run it while the obelisk server is stopped.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/obelisk/pkg/storage"
)

// opener opens the ledger store at path.
type opener func(path string) (storage.LedgerStore, error)

type rootConfig struct {
	DBPath string
	open   opener
}

// withStore opens the store for the duration of fn.
func (rc *rootConfig) withStore(fn func(storage.LedgerStore) error) error {
	store, err := rc.open(rc.DBPath)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", rc.DBPath, err)
	}
	defer store.Close()
	return fn(store)
}

func newRootCmd(open opener) *cobra.Command {
	rc := &rootConfig{open: open}

	cmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Inspect, verify and repair the obelisk margin ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&rc.DBPath, "db", envOr("DB_PATH", "data/ledger"), "path to the Pebble ledger directory")

	cmd.AddCommand(
		newAccountsCmd(rc),
		newHistoryCmd(rc),
		newVerifyCmd(rc),
		newRepairCmd(rc),
	)
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	root := newRootCmd(func(path string) (storage.LedgerStore, error) {
		return storage.OpenPebble(path)
	})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ledgerctl:", err)
		os.Exit(1)
	}
}
