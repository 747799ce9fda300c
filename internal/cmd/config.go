package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ssmcore/mangamerged/internal/config"
	"github.com/ssmcore/mangamerged/internal/logging"
)

// loadConfig loads settings.yml honoring --config-root/--debug, and sets
// the process-wide log level and output from the resolved configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configRoot, _ := cmd.Flags().GetString("config-root")

	getenv := os.Getenv
	if configRoot != "" {
		getenv = func(key string) string {
			if key == "SSM_CONFIG_ROOT" {
				return configRoot
			}
			return os.Getenv(key)
		}
	}

	cfg, err := config.LoadWithEnv(getenv)
	if err != nil {
		return nil, err
	}

	level := logging.ParseLevel(cfg.Log.Level)
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = logging.LevelDebug
	}
	logging.SetLevel(level)

	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err == nil {
			logging.SetOutput(f)
		}
	}

	return cfg, nil
}
