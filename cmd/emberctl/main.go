// Command emberctl is a thin CLI over the engine package: open a store
// and get/set/commit/compact/inspect it from a shell. It is glue, not
// engine logic — every subcommand is a few lines around engine.Engine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "emberctl",
	Short: "emberctl inspects and drives an ember document store",
	Long: `emberctl is a small command-line client for ember, the embedded
append-only document store. It opens a store file, runs one operation,
and exits — it does not hold the store open across invocations.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "ember.db", "path to the store file")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(commitCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statsCmd)
}
