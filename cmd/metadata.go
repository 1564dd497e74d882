package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-lvm-extractor/internal/common/encodeutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/config"
	"github.com/deploymenttheory/go-lvm-extractor/internal/extractor"
)

var (
	metadataMode       string
	metadataGeneration uint64
	metadataList       bool
)

// metadataCmd dumps the metadata of a volume group
var metadataCmd = &cobra.Command{
	Use:   "metadata <vg>",
	Short: "Dump the metadata of a volume group",
	Long: `Dump the metadata of a volume group as stored on disk (raw), as its
parsed syntax tree (tree) or as the typed model the extractor works from
(model). Older generations still present in the metadata areas can be
listed with --list and selected with --generation; --history also searches
the ring buffers for generations no location record points at any more.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openExtractor(cmd.Context(), bodyArgs)
		if err != nil {
			return err
		}
		defer e.Close()
		reportScanWarnings(e)

		history := config.Instance.Metadata.History
		if metadataList {
			gens, err := e.Generations(args[0], history)
			if err != nil {
				return err
			}
			return printGenerations(cmd, gens)
		}

		mode, err := extractor.ParseDumpMode(metadataMode)
		if err != nil {
			return err
		}
		format, err := encodeutil.ParseFormat(config.Instance.Metadata.DumpFormat)
		if err != nil {
			return err
		}
		return e.DumpMetadata(cmd.OutOrStdout(), args[0], extractor.DumpOptions{
			Mode:    mode,
			Format:  format,
			Seqno:   metadataGeneration,
			History: history,
		})
	},
}

func init() {
	f := metadataCmd.Flags()
	f.StringVarP(&metadataMode, "mode", "m", "raw", "what to dump: raw, tree or model")
	f.String("format", "json", "encoding of tree and model dumps: json, yaml or plist")
	f.Uint64VarP(&metadataGeneration, "generation", "g", 0, "dump this seqno instead of the current generation")
	f.Bool("history", false, "search the metadata ring buffers for overwritten generations")
	f.BoolVarP(&metadataList, "list", "l", false, "list the generations found instead of dumping one")

	bindConfig(metadataCmd, "format", "metadata.dump_format")
	bindConfig(metadataCmd, "history", "metadata.history")
}

func printGenerations(cmd *cobra.Command, gens []extractor.GenerationInfo) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQNO\tDEVICE\tAREA\tRECORD\tOFFSET\tSIZE\tCHECKSUM\tSTATE")
	for _, g := range gens {
		record := fmt.Sprint(g.Record)
		if g.Record < 0 {
			record = "-"
		}
		state := "history"
		switch {
		case g.Current:
			state = "current"
		case g.Verified:
			state = "listed"
		}
		if g.Wrapped {
			state += ",wrapped"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\t%d\t%08x\t%s\n",
			g.Seqno, g.Device, g.Area, record, g.Offset, g.Size, g.Checksum, state)
	}
	return w.Flush()
}
