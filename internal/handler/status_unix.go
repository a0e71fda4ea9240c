//go:build unix

package handler

import (
	"os"
	"syscall"
)

// getDiskUsage returns filesystem usage statistics for a given path
func getDiskUsage(path string) *DiskUsageInfo {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return nil
	}

	totalBytes := stat.Blocks * uint64(stat.Bsize)
	availableBytes := stat.Bavail * uint64(stat.Bsize)
	usedBytes := totalBytes - (stat.Bfree * uint64(stat.Bsize))

	var usedPercent float64
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}

	return &DiskUsageInfo{
		TotalBytes:     totalBytes,
		UsedBytes:      usedBytes,
		AvailableBytes: availableBytes,
		UsedPercent:    usedPercent,
	}
}

// getJournalFiles returns size info for the sqlite database at dbPath and
// its sidecar files. Missing files are skipped.
func getJournalFiles(dbPath string) []JournalFileInfo {
	var files []JournalFileInfo
	for _, suffix := range journalFileSuffixes {
		path := dbPath + suffix
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}

		// Actual usage via stat blocks (sparse-aware)
		var stat syscall.Stat_t
		var actualBytes uint64
		if err := syscall.Stat(path, &stat); err == nil {
			actualBytes = uint64(stat.Blocks) * 512
		}

		files = append(files, JournalFileInfo{
			Path:          path,
			ApparentBytes: uint64(info.Size()),
			ActualBytes:   actualBytes,
		})
	}
	return files
}
