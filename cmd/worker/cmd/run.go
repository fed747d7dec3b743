package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cbg-ethz/sigcomposer/internal/common"
	"github.com/cbg-ethz/sigcomposer/internal/common/app"
	"github.com/cbg-ethz/sigcomposer/internal/worker"
	"github.com/cbg-ethz/sigcomposer/internal/worker/configuration"
)

const (
	defaultConfigPath = "./config/worker"
	envPrefix         = "WORKER"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start consuming jobs",
		RunE:  runCmdE,
	}

	cmd.Flags().StringSlice("config", []string{}, "Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.Flags().String("logLevel", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func runCmdE(cmd *cobra.Command, _ []string) error {
	userConfigs, err := cmd.Flags().GetStringSlice("config")
	if err != nil {
		return err
	}
	var config configuration.WorkerConfiguration
	common.LoadConfig(&config, defaultConfigPath, userConfigs, envPrefix, cmd.Flags())

	ctx, cancel := app.CreateContextWithShutdown()
	defer cancel()
	return worker.New(&config).StartUp(ctx)
}
