//go:build !linux && !darwin && !windows

package resource

import "errors"

func diskSpace(path string) (uint64, uint64, error) {
	return 0, 0, errors.New("disk space query not supported on this platform")
}
