// Package cmd defines the CLI commands for the apicrawl executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apicrawl",
		Short: "A recurring crawl engine for paginated JSON APIs.",
		Long: `apicrawl turns a curl command into a recurring crawl job: it detects the
API's pagination contract, infers a column schema from the responses, and
streams the records into a dynamically managed table.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional; env vars override)")

	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
