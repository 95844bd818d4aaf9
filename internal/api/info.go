package api

import (
	"net/http"
	"os"
	"runtime"

	"github.com/gin-gonic/gin"
)

// handleHealth は GET /health のハンドラーです。
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "epub-forge-api",
		"version": s.version,
	})
}

// handleAPIHealth は GET /api/v1/health のハンドラーです。calibre の有無も返します。
func (s *Server) handleAPIHealth(c *gin.Context) {
	calibre := gin.H{"status": "available"}
	version, err := s.calibre.Version(c.Request.Context())
	if err != nil {
		calibre["status"] = "unavailable"
		calibre["version"] = "Not available"
	} else {
		calibre["version"] = version
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"api_version": "1.0.0",
		"calibre":     calibre,
	})
}

// handleDeviceProfiles は GET /api/v1/device_profiles のハンドラーです。
func (s *Server) handleDeviceProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, s.presets.Profiles())
}

// handleSystemInfo は GET /system-info のハンドラーです。デバッグモード以外では 404 を返します。
func (s *Server) handleSystemInfo(c *gin.Context) {
	if !s.cfg.DebugMode {
		c.String(http.StatusNotFound, "Not Found")
		return
	}

	info := gin.H{
		"calibre_version":         "Unknown",
		"temp_directory":          s.cfg.TempDir,
		"temp_directory_writable": writable(s.cfg.TempDir),
		"go_version":              runtime.Version(),
		"active_jobs":             s.manager.Registry().Len(),
		"completed_files":         s.manager.Index().Len(),
		"job_timeout":             int(s.cfg.JobTimeout.Seconds()),
		"state_backend":           s.cfg.StateBackend,
		"profiles":                s.presets.Names(),
	}
	if version, err := s.calibre.Version(c.Request.Context()); err != nil {
		info["calibre_error"] = err.Error()
	} else {
		info["calibre_version"] = version
	}
	c.JSON(http.StatusOK, info)
}

func writable(dir string) bool {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
