package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-lvm-extractor/internal/common/encodeutil"
	"github.com/deploymenttheory/go-lvm-extractor/internal/extractor"
	"github.com/deploymenttheory/go-lvm-extractor/internal/logger"
)

var listFormat string

// vgsCmd lists the assembled volume groups
var vgsCmd = &cobra.Command{
	Use:   "vgs",
	Short: "List the volume groups found on the captures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openExtractor(cmd.Context(), bodyArgs)
		if err != nil {
			return err
		}
		defer e.Close()

		reportScanWarnings(e)
		vgs := e.VolumeGroups()
		if listFormat != "table" {
			return encodeList(cmd.OutOrStdout(), vgs)
		}
		return printVolumeGroups(cmd.OutOrStdout(), vgs)
	},
}

// lvsCmd lists logical volumes
var lvsCmd = &cobra.Command{
	Use:   "lvs [vg]",
	Short: "List the logical volumes of one or every volume group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openExtractor(cmd.Context(), bodyArgs)
		if err != nil {
			return err
		}
		defer e.Close()

		reportScanWarnings(e)
		var names []string
		if len(args) == 1 {
			names = args
		} else {
			for _, vg := range e.VolumeGroups() {
				names = append(names, vg.Name)
			}
		}

		rows := make(map[string][]extractor.LogicalVolumeSummary)
		for _, name := range names {
			lvs, err := e.LogicalVolumes(name)
			if err != nil {
				return err
			}
			rows[name] = lvs
		}
		if listFormat != "table" {
			return encodeList(cmd.OutOrStdout(), rows)
		}
		return printLogicalVolumes(cmd.OutOrStdout(), names, rows)
	},
}

func init() {
	for _, c := range []*cobra.Command{vgsCmd, lvsCmd} {
		c.Flags().StringVarP(&listFormat, "format", "f", "table", "output format: table, json, yaml or plist")
	}
}

func encodeList(w io.Writer, v interface{}) error {
	format, err := encodeutil.ParseFormat(listFormat)
	if err != nil {
		return err
	}
	return encodeutil.Encode(w, format, v)
}

func reportScanWarnings(e *extractor.Extractor) {
	for _, w := range e.Warnings() {
		logger.LogWarn("scan warning", map[string]interface{}{"warning": w.Error()})
	}
}

func printVolumeGroups(out io.Writer, vgs []extractor.VolumeGroupSummary) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VG\tSEQNO\tPV\tLV\tEXTENT\tSIZE\tDEVICES\tMISSING")
	for _, vg := range vgs {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			vg.Name, vg.Seqno, vg.PVCount, vg.LVCount,
			units.BytesSize(float64(vg.ExtentSize)),
			units.BytesSize(float64(vg.Size)),
			orDash(strings.Join(vg.Devices, ",")),
			orDash(strings.Join(vg.MissingPVs, ",")))
	}
	return w.Flush()
}

func printLogicalVolumes(out io.Writer, names []string, rows map[string][]extractor.LogicalVolumeSummary) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VG\tLV\tSIZE\tSEG\tTYPE\tATTR")
	var notes []string
	for _, vg := range names {
		for _, lv := range rows[vg] {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				vg, lv.Name, units.BytesSize(float64(lv.Size)), lv.Segments,
				strings.Join(lv.Types, ","), lvAttr(lv))
			for _, p := range lv.Problems {
				notes = append(notes, fmt.Sprintf("%s/%s: %s", vg, lv.Name, p))
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(notes) > 0 {
		fmt.Fprintln(out)
		for _, n := range notes {
			fmt.Fprintln(out, n)
		}
	}
	return nil
}

// lvAttr condenses the state of a logical volume: v visible, h hidden,
// x extractable, p partial (some ranges will be zero-filled)
func lvAttr(lv extractor.LogicalVolumeSummary) string {
	attr := []byte("---")
	if lv.Visible {
		attr[0] = 'v'
	} else {
		attr[0] = 'h'
	}
	if lv.Extractable {
		attr[1] = 'x'
	}
	if lv.Partial {
		attr[2] = 'p'
	}
	return string(attr)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
