//go:build !linux

package body

import (
	"errors"
	"os"
)

func deviceSize(*os.File) (int64, error) {
	return 0, errors.New("block device size query not supported on this platform")
}
