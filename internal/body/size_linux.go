//go:build linux

package body

import (
	"os"

	"golang.org/x/sys/unix"
)

// deviceSize queries BLKGETSIZE64, which block devices answer and regular
// files reject
func deviceSize(f *os.File) (int64, error) {
	size, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKGETSIZE64)
	if err != nil {
		return 0, err
	}
	return int64(size), nil
}
