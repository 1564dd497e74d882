// Package checksum implements the CRC-32 variant LVM2 stamps on labels,
// metadata area headers and metadata text.
package checksum

import "hash/crc32"

// InitialCRC is the seed LVM2 uses instead of the usual all-ones value.
const InitialCRC uint32 = 0xf597a6cf

// CRC computes the LVM2 checksum of data. LVM2 runs the reflected IEEE
// polynomial from InitialCRC and skips the final inversion, so the stdlib
// update is wrapped in a pair of complements.
func CRC(data []byte) uint32 {
	return Update(InitialCRC, data)
}

// Update continues a running LVM2 checksum with more data.
func Update(crc uint32, data []byte) uint32 {
	return ^crc32.Update(^crc, crc32.IEEETable, data)
}

// Validate compares the computed checksum of data against expected
func Validate(data []byte, expected uint32) bool {
	return CRC(data) == expected
}
