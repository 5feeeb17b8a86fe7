package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "recserve",
	Short: "Versioned ANN similarity query service",
	Long: `recserve serves approximate nearest neighbor queries over versioned
index bundles.

Bundles are built offline with 'recserve bundle', published to a file or S3
store, and picked up by running servers through a staleness check against
the store's last-modified time.

Examples:
  # Pack a bundle from a JSONL vectors file and publish it
  recserve bundle --config recserve.yaml toys.jsonl toys.tar.gz

  # Run the service
  recserve serve --config recserve.yaml

  # Query a running server
  recserve query --addr http://localhost:8080 --index toys --id item-42 -k 10
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Command returns the root cobra command for mounting into a parent CLI.
func Command() *cobra.Command {
	return rootCmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(bundleCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(versionCmd)
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}
