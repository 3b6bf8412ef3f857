package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version = "0.3.0"

	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "darkroom",
	Short:         "Darkroom core daemon",
	Long:          "Local-first film camera core: roll lifecycle, durable sync queue and credit ledger.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("darkroom %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.AddCommand(versionCmd, serveCmd, migrateCmd)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}
