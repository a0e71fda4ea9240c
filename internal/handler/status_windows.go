//go:build windows

package handler

import (
	"os"

	"golang.org/x/sys/windows"
)

// getDiskUsage returns filesystem usage statistics for a given path
func getDiskUsage(path string) *DiskUsageInfo {
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil
	}

	var freeBytesAvailable uint64
	var totalBytes uint64
	var totalFreeBytes uint64

	err = windows.GetDiskFreeSpaceEx(
		pathPtr,
		&freeBytesAvailable,
		&totalBytes,
		&totalFreeBytes,
	)
	if err != nil {
		return nil
	}

	usedBytes := totalBytes - totalFreeBytes

	var usedPercent float64
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}

	return &DiskUsageInfo{
		TotalBytes:     totalBytes,
		UsedBytes:      usedBytes,
		AvailableBytes: freeBytesAvailable,
		UsedPercent:    usedPercent,
	}
}

// getJournalFiles returns size info for the sqlite database at dbPath and
// its sidecar files. Windows reports the apparent size for both fields.
func getJournalFiles(dbPath string) []JournalFileInfo {
	var files []JournalFileInfo
	for _, suffix := range journalFileSuffixes {
		path := dbPath + suffix
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		size := uint64(info.Size())
		files = append(files, JournalFileInfo{
			Path:          path,
			ApparentBytes: size,
			ActualBytes:   size,
		})
	}
	return files
}
