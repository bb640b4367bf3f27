package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"peer-sync/pkg/logger"
	"peer-sync/pkg/version"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", logger.Err(err))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:           "peer-sync-agent",
		Short:         "Keeps a WireGuard interface in line with the controller's desired peers",
		Version:       version.Get().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML config file")
	cmd.AddCommand(runCmd(&configFile), planCmd(), versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Get().String())
		},
	}
}
