package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/GlobalNOC/tsds-services/version"
)

// versionCmd prints build information embedded at compile time.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.GetBuildInfo()
		fmt.Printf("tsds-receiver %s (%s, %s)\n", info.MainVersion, info.MainModule, info.GoVersion)
	},
}

func init() {
	RootCmd.AddCommand(versionCmd)
}
