package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-lvm-extractor/internal/body"
	"github.com/deploymenttheory/go-lvm-extractor/internal/config"
	"github.com/deploymenttheory/go-lvm-extractor/internal/extractor"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/label"
)

var (
	probeFrom string
	probeTo   string
)

// probeCmd searches captures for physical volume labels
var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Search the captures for LVM2 labels at any offset",
	Long: `Search the captures for LVM2 labels, for images whose partition table
is missing or damaged. Each hit reports where the physical volume would
begin; pass that back as --body path@offset.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		devices, err := openCaptures(bodyArgs)
		if err != nil {
			return err
		}
		defer extractor.CloseDevices(devices)

		step, err := config.Instance.ProbeStep()
		if err != nil {
			return err
		}
		var from, to int64
		if probeFrom != "" {
			if from, err = body.ParseOffset(probeFrom); err != nil {
				return err
			}
		}
		if probeTo != "" {
			if to, err = body.ParseOffset(probeTo); err != nil {
				return err
			}
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "BODY\tLABEL\tPV START\tPV UUID\tSTATUS")
		for _, dev := range devices {
			end := to
			if end == 0 || end > dev.Source.Size() {
				end = dev.Source.Size()
			}
			hits, err := label.Probe(cmd.Context(), dev.Source, from, end, step)
			if err != nil {
				w.Flush()
				return fmt.Errorf("body %s: %w", dev.Name, err)
			}
			for _, hit := range hits {
				uuid, status := "-", "ok"
				if hit.Label != nil {
					uuid = hit.Label.ID()
				} else {
					status = hit.Err.Error()
				}
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", dev.Name, hit.Offset, hit.Base, uuid, status)
			}
		}
		return w.Flush()
	},
}

func init() {
	f := probeCmd.Flags()
	f.StringVar(&probeFrom, "from", "", "first byte offset searched")
	f.StringVar(&probeTo, "to", "", "end of the searched range (default end of capture)")
	f.String("step", "512", "distance between probed offsets, a multiple of 512 (e.g. 1MiB for aligned partitions)")

	bindConfig(probeCmd, "step", "scan.probe_step")
}
