package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fabricla/connector/internal/collector/configuration"
	"github.com/fabricla/connector/internal/common"
	commonconfig "github.com/fabricla/connector/internal/common/config"
)

const (
	CustomConfigLocation string = "config"
	DefaultConfigPath    string = "./config/collector"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "collector",
		SilenceUsage: true,
		Short:        "Collects Fabric execution telemetry and forwards it to a data collection endpoint",
	}

	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")
	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return common.BindCommandlineArguments(cmd.Flags())
	}

	cmd.AddCommand(
		runCmd(),
		decisionsCmd(),
	)

	return cmd
}

func loadConfig() (configuration.CollectorConfiguration, error) {
	var config configuration.CollectorConfiguration
	userSpecifiedConfigs := viper.GetStringSlice(CustomConfigLocation)

	if _, err := common.LoadConfig(&config, DefaultConfigPath, userSpecifiedConfigs); err != nil {
		return config, err
	}
	if err := common.SetLogLevel(config.LogLevel); err != nil {
		return config, err
	}

	err := commonconfig.Validate(config)
	if err != nil {
		commonconfig.LogValidationErrors(err)
	}
	return config, err
}
