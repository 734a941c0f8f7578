// Command arenactl is a small driver for the fixedarena allocator, the way
// hivectl drives the library it sits on top of: one cobra root, a handful
// of subcommands that each build a fresh arena and report what happened.
// It is not part of the allocator's contract, just a hand-operable way to
// exercise it.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	jsonOut bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "arenactl",
	Short: "Drive the fixedarena two-tier page/slab allocator by hand",
	Long: `arenactl builds a fresh in-process arena and runs a sequence of
allocator operations against it, reporting page/slab routing and sizes as
it goes.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printInfo(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}

func printVerbose(format string, args ...any) {
	if verbose {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	execute()
}
