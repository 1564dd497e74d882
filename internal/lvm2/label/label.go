// Package label locates and decodes LVM2 physical volume labels.
//
// A label lives in one of the first four 512-byte sectors of a physical
// volume. The 32-byte label header is followed, at offset_xl, by the PV
// header: the PV UUID, the device size and two zero-terminated lists of
// disk locations (data areas, then metadata areas). Newer LVM2 versions
// append an extension carrying bootloader areas.
package label

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/go-restruct/restruct"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/checksum"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/util"
)

const (
	// LabelID is the signature at the start of a label sector
	LabelID = "LABELONE"
	// LabelType identifies the LVM2 text-format labeller
	LabelType = "LVM2 001"

	// DefaultScanSectors is how many leading sectors LVM2 searches for a label
	DefaultScanSectors = 4

	headerSize   = 32
	crcOffset    = 20
	pvHeaderSize = util.IDLength + 8
	locnSize     = 16
	extSize      = 8
)

// errNoSignature marks a sector that simply is not a label
var errNoSignature = errors.New("no label signature")

type rawLabelHeader struct {
	ID     [8]byte
	Sector uint64
	CRC    uint32
	Offset uint32
	Type   [8]byte
}

type rawPVHeader struct {
	UUID       [util.IDLength]byte
	DeviceSize uint64
}

type rawDiskLocn struct {
	Offset uint64
	Size   uint64
}

type rawExtension struct {
	Version uint32
	Flags   uint32
}

// Area is a disk location as stored in the PV header. Offsets are relative
// to the start of the physical volume. A data area size of zero means the
// area extends to the end of the device.
type Area struct {
	Offset uint64
	Size   uint64
}

// Label is a decoded physical volume label
type Label struct {
	PVUUID           string // 32 characters, no dashes
	DeviceSize       uint64 // bytes
	Sector           uint64 // sector index of the label within the PV
	Base             int64  // byte offset of the PV within the body
	DataAreas        []Area
	MetadataAreas    []Area
	ExtensionVersion uint32
	ExtensionFlags   uint32
	BootloaderAreas  []Area
}

// ID returns the PV UUID in the dashed form used by the text metadata
func (l *Label) ID() string {
	return util.FormatID(l.PVUUID)
}

// Position returns the absolute byte offset of the label sector in the body
func (l *Label) Position() int64 {
	return l.Base + int64(l.Sector)*util.SectorSize
}

// DataStart returns the byte offset, relative to the PV, of the first data area
func (l *Label) DataStart() (uint64, bool) {
	if len(l.DataAreas) == 0 {
		return 0, false
	}
	return l.DataAreas[0].Offset, true
}

// Decode parses one 512-byte sector that is expected to hold a label at
// sector index idx. The checksum is verified before any PV header field is
// read.
func Decode(sector []byte, idx uint64) (*Label, error) {
	if len(sector) < util.SectorSize {
		return nil, types.NewLVMError(types.ErrIO, "label.Decode", fmt.Sprintf("sector %d", idx),
			fmt.Sprintf("sector buffer is %d bytes", len(sector)))
	}
	sector = sector[:util.SectorSize]

	var hdr rawLabelHeader
	if err := restruct.Unpack(sector[:headerSize], binary.LittleEndian, &hdr); err != nil {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "label.Decode", fmt.Sprintf("sector %d", idx), err.Error())
	}
	if string(hdr.ID[:]) != LabelID {
		return nil, errNoSignature
	}
	// A label copied to the wrong sector is stale, not ours.
	if hdr.Sector != idx {
		return nil, errNoSignature
	}
	if computed := checksum.CRC(sector[crcOffset:]); computed != hdr.CRC {
		return nil, types.NewLVMError(types.ErrInvalidChecksum, "label.Decode", fmt.Sprintf("sector %d", idx),
			fmt.Sprintf("stored %#08x computed %#08x", hdr.CRC, computed))
	}
	if string(hdr.Type[:]) != LabelType {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "label.Decode", fmt.Sprintf("sector %d", idx),
			fmt.Sprintf("label type %q", bytes.TrimRight(hdr.Type[:], "\x00")))
	}
	if hdr.Offset < headerSize || int(hdr.Offset)+pvHeaderSize > util.SectorSize {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "label.Decode", fmt.Sprintf("sector %d", idx),
			fmt.Sprintf("pv header offset %d", hdr.Offset))
	}

	body := sector[hdr.Offset:]
	var pvh rawPVHeader
	if err := restruct.Unpack(body[:pvHeaderSize], binary.LittleEndian, &pvh); err != nil {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "label.Decode", "pv header", err.Error())
	}

	lbl := &Label{
		PVUUID:     string(bytes.TrimRight(pvh.UUID[:], "\x00")),
		DeviceSize: pvh.DeviceSize,
		Sector:     hdr.Sector,
	}

	pos := pvHeaderSize
	var err error
	if lbl.DataAreas, pos, err = readAreas(body, pos); err != nil {
		return nil, err
	}
	if lbl.MetadataAreas, pos, err = readAreas(body, pos); err != nil {
		return nil, err
	}

	// The extension is optional; older labels end right after the lists.
	if pos+extSize <= len(body) {
		var ext rawExtension
		if err := restruct.Unpack(body[pos:pos+extSize], binary.LittleEndian, &ext); err == nil && ext.Version != 0 {
			lbl.ExtensionVersion = ext.Version
			lbl.ExtensionFlags = ext.Flags
			if areas, _, err := readAreas(body, pos+extSize); err == nil {
				lbl.BootloaderAreas = areas
			}
		}
	}

	return lbl, nil
}

// readAreas decodes a zero-terminated disk location list starting at pos
// and returns the position just past the terminator.
func readAreas(buf []byte, pos int) ([]Area, int, error) {
	var areas []Area
	for {
		raw, err := util.ReadBytes(buf, pos, locnSize)
		if err != nil {
			return nil, pos, types.NewLVMError(types.ErrInvalidMagic, "label.readAreas", fmt.Sprintf("offset %d", pos),
				"disk location list runs past the label sector")
		}
		var locn rawDiskLocn
		if err := restruct.Unpack(raw, binary.LittleEndian, &locn); err != nil {
			return nil, pos, types.NewLVMError(types.ErrInvalidMagic, "label.readAreas", fmt.Sprintf("offset %d", pos), err.Error())
		}
		pos += locnSize
		if locn.Offset == 0 {
			return areas, pos, nil
		}
		areas = append(areas, Area{Offset: locn.Offset, Size: locn.Size})
	}
}

// Encode renders a label as the 512-byte sector LVM2 would write at sector
// index l.Sector, checksum included.
func Encode(l *Label) ([]byte, error) {
	raw, err := util.ParseID(l.PVUUID)
	if err != nil {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "label.Encode", l.PVUUID, err.Error())
	}

	var out bytes.Buffer
	hdr := rawLabelHeader{Sector: l.Sector, Offset: headerSize}
	copy(hdr.ID[:], LabelID)
	copy(hdr.Type[:], LabelType)

	pvh := rawPVHeader{DeviceSize: l.DeviceSize}
	copy(pvh.UUID[:], raw)

	parts := []interface{}{&hdr, &pvh}
	appendAreas := func(areas []Area) {
		for _, a := range areas {
			parts = append(parts, &rawDiskLocn{Offset: a.Offset, Size: a.Size})
		}
		parts = append(parts, &rawDiskLocn{})
	}
	appendAreas(l.DataAreas)
	appendAreas(l.MetadataAreas)
	if l.ExtensionVersion != 0 {
		parts = append(parts, &rawExtension{Version: l.ExtensionVersion, Flags: l.ExtensionFlags})
		appendAreas(l.BootloaderAreas)
	}

	for _, p := range parts {
		b, err := restruct.Pack(binary.LittleEndian, p)
		if err != nil {
			return nil, types.NewLVMError(types.ErrInvalidMagic, "label.Encode", l.PVUUID, err.Error())
		}
		out.Write(b)
	}
	if out.Len() > util.SectorSize {
		return nil, types.NewLVMError(types.ErrInvalidMagic, "label.Encode", l.PVUUID,
			fmt.Sprintf("label needs %d bytes", out.Len()))
	}

	sector := make([]byte, util.SectorSize)
	copy(sector, out.Bytes())
	binary.LittleEndian.PutUint32(sector[16:20], checksum.CRC(sector[crcOffset:]))
	return sector, nil
}
