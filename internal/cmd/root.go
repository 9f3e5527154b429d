// Package cmd implements the impromptu command line.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/impromptu/internal/config"
	"github.com/Iron-Ham/impromptu/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "impromptu",
	Short: "Event hub for agents running in tmux",
	Long: `Impromptu runs several interactive agents side by side in tmux and
tracks what each of them is doing. Every agent gets its own channel; the
agent's hooks write lifecycle and tool-use events to it, and the hub turns
them into a live status view backed by a shared knowledge base.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/impromptu/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Defaults first so they apply even without a config file
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
	viper.SetEnvPrefix("IMPROMPTU")
	// IMPROMPTU_HUB_CHANNEL_DIR maps to hub.channel_dir
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing config file is fine
	_ = viper.ReadInConfig()
}

// openLogger returns the hub logger configured by cfg.
func openLogger(cfg *config.Config) (*logging.Logger, error) {
	return logging.NewLoggerWithRotation(cfg.Hub.StateDir, cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}
