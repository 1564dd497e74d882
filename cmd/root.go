package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/deploymenttheory/go-lvm-extractor/internal/body"
	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
	"github.com/deploymenttheory/go-lvm-extractor/internal/config"
	"github.com/deploymenttheory/go-lvm-extractor/internal/extractor"
	"github.com/deploymenttheory/go-lvm-extractor/internal/logger"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
	"github.com/deploymenttheory/go-lvm-extractor/pkg/recovery"
)

var (
	cfgFile    string
	bodyArgs   []string
	offsetFlag string
)

// rootCmd represents the base CLI command
var rootCmd = &cobra.Command{
	Use:   "lvm-extractor",
	Short: "Recover LVM2 logical volumes from disk images",
	Long: `lvm-extractor reads the LVM2 labels and text metadata found on disk
images, evidence files or block devices, reconstructs the volume groups
they describe and extracts logical volumes as flat images.

Every capture is opened read-only. A physical volume that does not start
at the beginning of its capture is given as path@offset.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// If config file was explicitly specified via flag, reload it
		if cmd.Flags().Changed("config") && cfgFile != "" {
			if err := config.Initialize(cfgFile); err != nil {
				return err
			}
		}

		// CLI flags override config settings
		for key, name := range map[string]string{
			"debug":       "debug",
			"log_format":  "log-format",
			"body.format": "body-format",
		} {
			if err := config.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		for key, name := range boundFlags(cmd) {
			if err := config.BindFlag(key, cmd.Flags().Lookup(name)); err != nil {
				return err
			}
		}
		if err := config.Refresh(); err != nil {
			return err
		}

		if cmd.Flags().Changed("debug") || cmd.Flags().Changed("log-format") || cmd.Flags().Changed("config") {
			return logger.InitLogger(logger.LoggerConfig{
				Debug:     config.Instance.Debug,
				LogFormat: config.Instance.LogFormat,
				LogFile:   config.Instance.LogFile,
			})
		}
		return nil
	},
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// ErrorMessage renders a command error for the terminal, prefixed with its
// kind when it is a decoding error
func ErrorMessage(err error) string {
	if kind := types.Kind(err); kind != "" {
		return fmt.Sprintf("Error (%s): %v", kind, err)
	}
	return fmt.Sprintf("Error: %v", err)
}

func init() {
	flags := rootCmd.PersistentFlags()

	// Config file flag
	flags.StringVar(&cfgFile, "config", "", "config file (default is search in standard locations)")

	// Capture flags
	flags.StringArrayVarP(&bodyArgs, "body", "b", nil, "capture holding a physical volume, as path[@offset] (repeatable)")
	flags.String("body-format", "auto", "capture format: auto, raw, ewf, xz, bzip2 or gzip")
	flags.StringVar(&offsetFlag, "offset", "", "default byte offset of the physical volume in each capture (e.g. 1048576, 0x100000, 2048s)")

	// Logging flags
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("log-format", "human", "Log format: json or human")

	rootCmd.AddCommand(vgsCmd, lvsCmd, metadataCmd, extractCmd, probeCmd, runCmd, configCmd, versionCmd)
}

const configAnnotation = "config"

// bindConfig marks a local flag of cmd as overriding a configuration key
func bindConfig(cmd *cobra.Command, flag, key string) {
	_ = cmd.Flags().SetAnnotation(flag, configAnnotation, []string{key})
}

// boundFlags returns the configuration keys a subcommand's local flags
// override, read from the flag annotation "config"
func boundFlags(cmd *cobra.Command) map[string]string {
	out := make(map[string]string)
	cmd.LocalNonPersistentFlags().VisitAll(func(f *pflag.Flag) {
		if keys, ok := f.Annotations[configAnnotation]; ok && len(keys) == 1 {
			out[keys[0]] = f.Name
		}
	})
	return out
}

// openCaptures opens every capture given as path[@offset]
func openCaptures(args []string) ([]extractor.Device, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: at least one --body is required", commonerrors.ErrInvalidArgument)
	}

	format, err := body.ParseFormat(config.Instance.Body.Format)
	if err != nil {
		return nil, err
	}
	var defaultOffset int64
	if offsetFlag != "" {
		if defaultOffset, err = body.ParseOffset(offsetFlag); err != nil {
			return nil, err
		}
	}
	return extractor.OpenDevices(args, defaultOffset,
		body.Options{Format: format, TempDir: config.Instance.Body.TempDir}, logger.Zap())
}

// openExtractor opens the captures and assembles their volume groups
func openExtractor(ctx context.Context, args []string) (*extractor.Extractor, error) {
	devices, err := openCaptures(args)
	if err != nil {
		return nil, err
	}
	return recovery.Assemble(ctx, devices)
}
