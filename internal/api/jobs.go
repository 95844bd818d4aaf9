package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/epub-forge/internal/ebook"
	"github.com/yourusername/epub-forge/internal/jobs"
)

// handleStatus は GET /api/v1/jobs/:id/status のハンドラーです。
func (s *Server) handleStatus(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("id"))
	rec, err := s.manager.Lookup(c.Request.Context(), jobID, jobs.StatusLogLines)
	if errors.Is(err, jobs.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"status": "not_found",
			"error":  "Job not found or expired",
		})
		return
	}
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.statusPayload(c, rec))
}

func (s *Server) statusPayload(c *gin.Context, rec jobs.Record) gin.H {
	logs := rec.DetailedLogs
	if logs == nil {
		logs = []string{}
	}
	payload := gin.H{
		"job_id":   rec.ID,
		"status":   rec.Status,
		"progress": rec.Progress,
		"message":  rec.Message,
		"logs":     logs,
		"author":   rec.Author,
		"title":    rec.Title,
	}
	if rec.ErrorDetails != "" {
		payload["error_details"] = rec.ErrorDetails
	}
	if rec.Status == jobs.StatusCompleted {
		payload["download_url"] = baseURL(c) + "/api/v1/jobs/" + rec.ID + "/download"
		payload["filename"] = jobs.DownloadName(rec.ID, rec.Author, rec.Title)
		if pages, err := ebook.PageCount(rec.OutputPath); err == nil {
			payload["pages"] = pages
		} else {
			s.logger.DebugContext(c.Request.Context(), "page count unavailable",
				slog.String("job_id", rec.ID), slog.Any("error", err))
		}
	}
	return payload
}

// handleList は GET /api/v1/jobs のハンドラーです。このブラウザから投入したジョブだけを返します。
func (s *Server) handleList(c *gin.Context) {
	ids := recentJobs(c)
	items := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		rec, err := s.manager.Lookup(c.Request.Context(), id, jobs.StatusLogLines)
		if err != nil {
			continue
		}
		items = append(items, s.statusPayload(c, rec))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": items})
}

// handleDownload は変換済みPDFを返します。legacy が真なら失敗時にテキストで応答します。
func (s *Server) handleDownload(legacy bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		dl, err := s.manager.Resolve(c.Request.Context(), jobID)
		if err != nil {
			if legacy && errors.Is(err, jobs.ErrJobNotFound) {
				c.String(http.StatusNotFound, "File not found or job expired")
				return
			}
			if errors.Is(err, jobs.ErrJobNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "File not found or job expired"})
				return
			}
			respondWithError(c, err)
			return
		}
		defer dl.File.Close()

		etag := `"` + dl.ETag + `"`
		c.Header("ETag", etag)
		c.Header("Cache-Control", "public, max-age=86400")
		if etagMatches(c.GetHeader("If-None-Match"), etag) {
			c.Status(http.StatusNotModified)
			return
		}

		encodedName := url.PathEscape(dl.Filename)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", dl.Filename, encodedName))
		c.Header("Last-Modified", dl.ModTime.UTC().Format(http.TimeFormat))
		c.Header("X-Job-Id", jobID)
		c.DataFromReader(http.StatusOK, dl.Size, "application/pdf", dl.File, nil)
	}
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		candidate = strings.TrimPrefix(candidate, "W/")
		if candidate == "*" || candidate == etag || candidate == strings.Trim(etag, `"`) {
			return true
		}
	}
	return false
}
