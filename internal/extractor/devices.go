package extractor

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/deploymenttheory/go-lvm-extractor/internal/body"
	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

// OpenDevices opens captures given as path[@offset]. A capture without an
// explicit offset gets defaultOffset. On error every capture opened so far
// is closed again.
func OpenDevices(specs []string, defaultOffset int64, opts body.Options, log *zap.Logger) ([]Device, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: at least one capture is required", commonerrors.ErrInvalidArgument)
	}
	if log == nil {
		log = zap.NewNop()
	}

	var devices []Device
	for _, arg := range specs {
		spec, err := body.ParseSpec(arg)
		if err == nil && !strings.Contains(arg, "@") {
			spec.Offset = defaultOffset
		}
		var src body.Source
		if err == nil {
			src, err = body.Open(spec.Path, opts)
		}
		if err != nil {
			CloseDevices(devices)
			return nil, fmt.Errorf("body %s: %w", arg, err)
		}
		if !util.IsAligned(spec.Offset, util.SectorSize) {
			log.Warn("physical volume offset is not sector aligned",
				zap.String("body", spec.String()), zap.Int64("offset", spec.Offset))
		}
		log.Debug("capture opened",
			zap.String("body", spec.String()),
			zap.String("format", string(opts.Format)),
			zap.Int64("size", src.Size()))
		devices = append(devices, Device{Name: spec.String(), Source: src, Offset: spec.Offset})
	}
	return devices, nil
}

// CloseDevices closes the sources of devices
func CloseDevices(devices []Device) {
	for _, d := range devices {
		_ = d.Source.Close()
	}
}
