// File: pkg/util/uuid.go
package util

import (
	"fmt"
	"strings"
)

// IDLength is the length of an LVM2 identifier without dashes
const IDLength = 32

// groups of the canonical 6-4-4-4-4-4-6 rendering
var idGroups = []int{6, 4, 4, 4, 4, 4, 6}

// FormatID renders a raw 32-character LVM2 identifier in the dashed form
// the text metadata uses. Anything that is not 32 characters is returned as-is.
func FormatID(raw string) string {
	raw = strings.TrimRight(raw, "\x00")
	if len(raw) != IDLength {
		return raw
	}
	var b strings.Builder
	pos := 0
	for i, n := range idGroups {
		if i > 0 {
			b.WriteByte('-')
		}
		b.WriteString(raw[pos : pos+n])
		pos += n
	}
	return b.String()
}

// NormalizeID strips dashes so label UUIDs and metadata ids compare equal
func NormalizeID(id string) string {
	return strings.ReplaceAll(strings.TrimRight(id, "\x00"), "-", "")
}

// ParseID validates a dashed or undashed identifier and returns its raw form
func ParseID(s string) (string, error) {
	raw := NormalizeID(s)
	if len(raw) != IDLength {
		return "", fmt.Errorf("invalid LVM2 identifier length: %d", len(raw))
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c == '!' || c == '#') {
			return "", fmt.Errorf("invalid LVM2 identifier character %q", c)
		}
	}
	return raw, nil
}
