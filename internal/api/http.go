// Package api は変換ジョブの HTTP エンドポイントを提供します。
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/epub-forge/internal/config"
	"github.com/yourusername/epub-forge/internal/ebook"
	"github.com/yourusername/epub-forge/internal/jobs"
)

// VersionSource は calibre のバージョンを返します。
type VersionSource interface {
	Version(ctx context.Context) (string, error)
}

// Server はハンドラーが共有する依存をまとめます。
type Server struct {
	cfg      *config.Config
	manager  *jobs.Manager
	streamer *jobs.Streamer
	presets  *ebook.Presets
	calibre  VersionSource
	version  string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer は Server を作成します。
func NewServer(cfg *config.Config, manager *jobs.Manager, streamer *jobs.Streamer, presets *ebook.Presets, calibre VersionSource, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		manager:  manager,
		streamer: streamer,
		presets:  presets,
		calibre:  calibre,
		version:  version,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.Origins()),
		},
	}
}

// uploadOverhead はファイル以外のフォーム項目に許す余裕です。
const uploadOverhead = 1 << 20

// handleConvert は POST / と POST /api/v1/convert のハンドラーを返します。
// Web フォームではチェックボックスの有無で真偽値を決め、API では値を解釈します。
func (s *Server) handleConvert(mode ebook.FlagMode, defaultProfile string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxFileSize+uploadOverhead)

		form, err := c.MultipartForm()
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
				respondWithError(c, &jobs.ValidationError{
					Code:    ebook.CodeLimitExceeded,
					Message: fmt.Sprintf("ファイルサイズは最大 %dMB までです。", s.cfg.MaxFileSize/(1024*1024)),
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    ebook.CodeInvalidInput,
				"message": "multipart/form-data でEPUBファイルを送信してください。",
			})
			return
		}
		defer form.RemoveAll()

		file, err := extractSingleFile(form)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    ebook.CodeInvalidInput,
				"message": err.Error(),
			})
			return
		}

		values := formValues(form)
		profile := values["device_profile"]
		if profile == "" {
			profile = defaultProfile
		}
		params, resolved := s.presets.Resolve(profile, values, mode)

		ctx := c.Request.Context()
		jobID, err := s.manager.Submit(ctx, jobs.Upload{
			Filename: file.Filename,
			Size:     file.Size,
			Open: func() (io.ReadCloser, error) {
				f, err := file.Open()
				if err != nil {
					return nil, err
				}
				return f, nil
			},
		}, params)
		if err != nil {
			respondWithError(c, err)
			return
		}
		s.logger.InfoContext(ctx, "conversion submitted",
			slog.String("job_id", jobID),
			slog.String("profile", resolved),
			slog.String("filename", file.Filename))

		if err := rememberJob(c, jobID); err != nil {
			s.logger.WarnContext(ctx, "failed to save session", slog.Any("error", err))
		}

		// 直後のステータス取得で starting 以外を返せるよう少し待つ
		if s.cfg.SubmitGrace > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.SubmitGrace):
			}
		}

		base := baseURL(c)
		if mode == ebook.FlagsFromPresence {
			c.JSON(http.StatusAccepted, gin.H{
				"job_id":       jobID,
				"progress_url": base + "/progress/" + jobID,
				"download_url": base + "/download/" + jobID,
				"status":       "processing",
			})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":       jobID,
			"status_url":   base + "/api/v1/jobs/" + jobID + "/status",
			"download_url": base + "/api/v1/jobs/" + jobID + "/download",
			"status":       "processing",
		})
	}
}

func respondWithError(c *gin.Context, err error) {
	var vErr *jobs.ValidationError
	switch {
	case errors.As(err, &vErr):
		status := http.StatusBadRequest
		if vErr.Code == ebook.CodeLimitExceeded {
			status = http.StatusRequestEntityTooLarge
		}
		c.JSON(status, gin.H{
			"code":    vErr.Code,
			"message": vErr.Message,
		})
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    jobs.CodeJobNotFound,
			"message": "指定されたジョブは存在しないか、期限切れです。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func extractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, errors.New("EPUBファイルを選択してください。")
	}
	for _, key := range []string{"epub_file", "file", "file[]"} {
		if files := form.File[key]; len(files) > 0 {
			return files[0], nil
		}
	}
	return nil, errors.New("EPUBファイルを選択してください。")
}

// formValues は各項目の最初の値だけを取り出します。
func formValues(form *multipart.Form) map[string]string {
	values := make(map[string]string, len(form.Value))
	for key, v := range form.Value {
		if len(v) > 0 {
			values[key] = v[0]
		}
	}
	return values
}

func baseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return scheme + "://" + c.Request.Host
}

// checkOrigin は CORS と同じ許可リストで WebSocket の Origin を検証します。
func checkOrigin(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
