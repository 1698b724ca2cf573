package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "Drives long-running coding-agent sessions to completion",
	Long: `taskpilot supervises sessions of an external coding-agent CLI, tracks
their lifecycle, and decides automatically whether a session should keep
running, pause for user input, be marked complete, or be restarted in a
fresh session carrying the original prompt forward.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a config file merged over ~/.taskpilot/config.json")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
