//go:build darwin

package sysinfo

import (
	"fmt"
	"syscall"
	"unsafe"
)

// TotalMemoryBytes returns the total physical memory of the host in bytes
// via sysctl HW_MEMSIZE.
func TotalMemoryBytes() (uint64, error) {
	mib := []int32{6 /* CTL_HW */, 24 /* HW_MEMSIZE */}
	var memSize uint64

	n := uintptr(8)
	_, _, errno := syscall.Syscall6(
		syscall.SYS___SYSCTL,
		uintptr(unsafe.Pointer(&mib[0])),
		uintptr(len(mib)),
		uintptr(unsafe.Pointer(&memSize)),
		uintptr(unsafe.Pointer(&n)),
		0,
		0,
	)
	if errno != 0 {
		return 0, fmt.Errorf("sysctl hw.memsize: %w", errno)
	}
	return memSize, nil
}
