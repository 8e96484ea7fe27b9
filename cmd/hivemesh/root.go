package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hivemesh",
	Short: "Broker-less mesh relay for local networks",
	Long: `Hivemesh relays application messages between peers on an ad-hoc local
network. Peers that cannot reach each other directly are served by forwarding
through intermediate hops, with no central coordinator.`,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hivemesh.yaml", "node config file")
}
