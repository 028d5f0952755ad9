// Package cmd wires the autoclaude CLI.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/autoclaude/autoclaude/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "autoclaude",
	Short: "Coding task orchestrator with credential fallback",
	Long: `Autoclaude runs one worker process per coding task, infers execution
phases from the worker's output, rotates through credential/model fallback
chains when providers rate-limit, and persists task status crash-safely.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/autoclaude/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("AUTOCLAUDE")
	// AUTOCLAUDE_WORKER_GRACE_PERIOD_SECONDS for worker.grace_period_seconds
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
