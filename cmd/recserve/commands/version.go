package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags "-X .../commands.version=... -X .../commands.commit=...".
var (
	version = "dev"
	commit  = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("recserve %s", version)
		if commit != "" {
			fmt.Printf(" (%s)", commit)
		}
		fmt.Println()
		if verbose {
			fmt.Printf("  go: %s\n", runtime.Version())
		}
	},
}
