package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-lvm-extractor/internal/common/osutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/config"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=..."
var Version = "0.1.0"

// versionCmd shows the application version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s v%s (%s/%s, %d CPUs)\n",
			config.AppName, Version, osutil.GetOSType(), osutil.GetArchitecture(), osutil.GetNumCPU())
	},
}
