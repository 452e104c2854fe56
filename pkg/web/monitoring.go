package web

import (
	"net/http"

	"github.com/shirou/gopsutil/v4/disk"
)

// DiskStat is the usage of the filesystem holding one of the backup paths.
type DiskStat struct {
	Label       string  `json:"label"`
	Path        string  `json:"path"`
	Total       uint64  `json:"total"` // MB
	Free        uint64  `json:"free"`  // MB
	UsedPercent float64 `json:"usedPercent"`
	BelowMin    bool    `json:"belowMin"`
}

// getSystemStats reports free space where archives are staged and kept,
// so a client can warn before a create fails its preflight.
func (t api) getSystemStats(w http.ResponseWriter, r *http.Request) {
	paths := []struct{ label, path string }{
		{"Backups", t.config.BackupDir},
		{"Staging", t.config.TmpDir},
	}

	stats := []DiskStat{}
	for _, p := range paths {
		usage, err := disk.UsageWithContext(r.Context(), p.path)
		if err != nil {
			t.log.WithError(err).WithField("path", p.path).Debug("disk usage unavailable")
			continue
		}
		stats = append(stats, DiskStat{
			Label:       p.label,
			Path:        p.path,
			Total:       usage.Total / 1024 / 1024,
			Free:        usage.Free / 1024 / 1024,
			UsedPercent: usage.UsedPercent,
			BelowMin:    t.config.MinFreeBytes > 0 && usage.Free < t.config.MinFreeBytes,
		})
	}

	sendResponse(w, map[string]any{
		"success": true,
		"disks":   stats,
	})
}
