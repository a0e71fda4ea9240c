package handler

import (
	"net/http"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/obot-platform/labterm/internal/database"
	"github.com/obot-platform/labterm/internal/image"
	"github.com/obot-platform/labterm/internal/sysinfo"
)

// DiskUsageInfo is filesystem usage for the volume holding the journal.
type DiskUsageInfo struct {
	Path           string  `json:"path"`
	TotalBytes     uint64  `json:"totalBytes"`
	UsedBytes      uint64  `json:"usedBytes"`
	AvailableBytes uint64  `json:"availableBytes"`
	UsedPercent    float64 `json:"usedPercent"`
}

// JournalFileInfo is the size of one sqlite journal file. SQLite files
// can be sparse after vacuuming, so the apparent size may exceed what is
// actually allocated.
type JournalFileInfo struct {
	Path          string `json:"path"`
	ApparentBytes uint64 `json:"apparentBytes"`
	ActualBytes   uint64 `json:"actualBytes"`
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Image         image.Status      `json:"image"`
	LiveSessions  int               `json:"liveSessions"`
	Framing       string            `json:"framing"`
	Host          sysinfo.Host      `json:"host"`
	JournalDriver string            `json:"journalDriver"`
	JournalDisk   *DiskUsageInfo    `json:"journalDisk,omitempty"`
	JournalFiles  []JournalFileInfo `json:"journalFiles,omitempty"`
}

// GetStatus reports image readiness, session load and host resources.
// GET /api/status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Image:         h.images.Status(),
		LiveSessions:  h.manager.Count(),
		Framing:       h.cfg.Framing,
		JournalDriver: h.cfg.DatabaseDriver,
	}

	host, err := sysinfo.Snapshot()
	if err != nil {
		h.logger.Debug("failed to read host memory", zap.Error(err))
	}
	resp.Host = host

	if h.cfg.DatabaseDriver == "sqlite" {
		path := database.SQLitePath(h.cfg.DatabaseDSN)
		if path != ":memory:" {
			dir := filepath.Dir(path)
			if disk := getDiskUsage(dir); disk != nil {
				disk.Path = dir
				resp.JournalDisk = disk
			}
			resp.JournalFiles = getJournalFiles(path)
		}
	}

	h.JSON(w, http.StatusOK, resp)
}

// journalFileSuffixes are the files sqlite keeps next to a database.
var journalFileSuffixes = []string{"", "-wal", "-shm", "-journal"}
