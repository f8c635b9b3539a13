//go:build windows

package resource

import "golang.org/x/sys/windows"

// diskSpace returns total and available bytes for the volume holding path.
func diskSpace(path string) (uint64, uint64, error) {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var freeAvailable, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeAvailable, &total, &totalFree); err != nil {
		return 0, 0, err
	}
	return total, freeAvailable, nil
}
