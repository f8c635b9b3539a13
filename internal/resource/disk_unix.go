//go:build linux || darwin

package resource

import "golang.org/x/sys/unix"

// diskSpace returns total and available bytes for the volume holding path.
func diskSpace(path string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	return total, free, nil
}
