// Package main provides the coverage API entry point.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coverage-api",
		Short: "Pharmacy insurance coverage and cost-sharing API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(quoteCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
