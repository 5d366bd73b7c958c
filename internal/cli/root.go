// Package cli wires the warden commands.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Policy enforcement sidecar for AI agents",
	Long:  "Enforces organization tool-use policy against a remote control plane.\nDecisions are local and instant; policy distribution is eventually consistent.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config YAML")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
