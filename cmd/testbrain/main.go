package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "testbrain",
	Short:   "Grounded QA artifact generation over a project knowledge base",
	Version: version,
	Long: `testbrain ingests project documentation and a checkout page, indexes it
for semantic retrieval, and generates grounded QA test-case tables and
browser automation scripts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(testcasesCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
