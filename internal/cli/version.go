package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X taskpilot/internal/cli.version=...".
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the taskpilot version",
	Args:  cobra.NoArgs,
	Run: func(*cobra.Command, []string) {
		fmt.Println("taskpilot", version)
	},
}
