// Package sysinfo reports host resources for the status endpoint.
package sysinfo

import "runtime"

// Host is a snapshot of host capacity.
type Host struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	CPUs        int    `json:"cpus"`
	MemoryBytes uint64 `json:"memoryBytes,omitempty"`
}

// Snapshot collects host capacity. Memory is omitted when the platform
// query fails; the error is returned alongside the partial snapshot.
func Snapshot() (Host, error) {
	h := Host{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
	}
	mem, err := TotalMemoryBytes()
	if err != nil {
		return h, err
	}
	h.MemoryBytes = mem
	return h, nil
}
