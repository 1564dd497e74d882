package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-lvm-extractor/internal/common/encodeutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/common/fsutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/config"
)

// configCmd groups configuration helpers
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or save the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if config.ConfigLoaded {
			fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", config.ConfigFile)
		}
		return encodeutil.Encode(cmd.OutOrStdout(), encodeutil.YAML, config.Instance)
	},
}

var configSaveCmd = &cobra.Command{
	Use:   "save <path>",
	Short: "Write the effective configuration to a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := fsutil.ExpandTilde(args[0])
		if err != nil {
			return err
		}
		if err := config.SaveConfig(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "configuration written to %s\n", path)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSaveCmd)
}
