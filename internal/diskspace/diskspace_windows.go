//go:build windows

package diskspace

import (
	"fmt"

	"golang.org/x/sys/windows"
)

func stat(path string) (total, free, available uint64, err error) {
	ptr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("diskspace: invalid path %s: %w", path, err)
	}
	if err := windows.GetDiskFreeSpaceEx(ptr, &available, &total, &free); err != nil {
		return 0, 0, 0, fmt.Errorf("diskspace: GetDiskFreeSpaceEx %s: %w", path, err)
	}
	return total, free, available, nil
}
