package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ekho-app/ekho/cmd/ekho/commands"
	"github.com/ekho-app/ekho/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ekho",
	Short: "Ekho - conversations with your future self",
	Long: `Ekho - an AI persona of your future self.

Ekho answers chat messages in the voice of the user's future self, gathers
memories, emotional trends and safety signals before each reply, and drives
aged-avatar and reply-video generation against a long-running remote service.

Available commands:
  serve   - Start the HTTP API
  am      - Show or initialise configuration ("I am")
  db      - Manage the database
  jobs    - Inspect generation jobs on a running server
  version - Show build information

Examples:
  ekho am init                  # Write a starter ~/.ekho/am.toml
  ekho serve                    # Start the API on server.port
  ekho jobs ls user-1           # List a user's jobs
  ekho jobs status <id> --watch # Poll a job until it finishes`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Config output stays clean for piping
		if cmd.Name() == "show" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (-v for debug)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
