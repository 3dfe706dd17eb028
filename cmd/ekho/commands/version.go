package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ekho-app/ekho/version"
)

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show ekho version information",
	Long:  `Display version, build time, commit hash, and platform information for the ekho binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		info := version.Get()
		if outputFormat != formatTable {
			return printStructured(cmd.OutOrStdout(), info)
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.String())
		fmt.Fprintf(cmd.OutOrStdout(), "Platform: %s\n", info.Platform)
		fmt.Fprintf(cmd.OutOrStdout(), "Go: %s\n", info.GoVersion)
		return nil
	},
}

func init() {
	addOutputFlag(VersionCmd)
}
