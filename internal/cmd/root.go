package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mangamerged",
	Short: "Merge manga library volumes behind a mergerfs union mount",
	Long:  `mangamerged watches a set of manga source volumes and an override volume, reconciles them into one mergerfs-backed merged view, and keeps per-title cover.jpg/details.json metadata current.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config-root", "c", "", "config root directory (default: $SSM_CONFIG_ROOT or /ssm/config)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "enable debug logging")
}
