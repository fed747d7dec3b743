package cmd

import (
	"github.com/spf13/cobra"

	"github.com/cbg-ethz/sigcomposer/internal/common"
	"github.com/cbg-ethz/sigcomposer/internal/common/app"
	"github.com/cbg-ethz/sigcomposer/internal/composer"
	"github.com/cbg-ethz/sigcomposer/internal/composer/configuration"
)

const (
	defaultConfigPath = "./config/composer"
	envPrefix         = "COMPOSER"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the composer API",
		RunE:  runCmdE,
	}

	cmd.Flags().StringSlice("config", []string{}, "Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.Flags().String("logLevel", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().Uint16("httpPort", 8080, "Port serving the API, health and metrics")

	return cmd
}

func runCmdE(cmd *cobra.Command, _ []string) error {
	userConfigs, err := cmd.Flags().GetStringSlice("config")
	if err != nil {
		return err
	}
	var config configuration.ComposerConfiguration
	common.LoadConfig(&config, defaultConfigPath, userConfigs, envPrefix, cmd.Flags())

	ctx, cancel := app.CreateContextWithShutdown()
	defer cancel()
	return composer.New(&config).StartUp(ctx)
}
