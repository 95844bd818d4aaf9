package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yourusername/epub-forge/internal/jobs"
)

const wsWriteWait = 10 * time.Second

// handleSSE は GET /progress/:id と GET /api/v1/jobs/:id/stream のハンドラーです。
func (s *Server) handleSSE(c *gin.Context) {
	jobID := c.Param("id")
	ctx := c.Request.Context()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Expires", "0")
	c.Header("X-Accel-Buffering", "no")

	err := s.streamer.Stream(ctx, jobID, func(ev jobs.Event) error {
		c.Render(-1, sse.Event{Data: ev})
		c.Writer.Flush()
		return ctx.Err()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.WarnContext(ctx, "progress stream ended", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// handleWebSocket は GET /api/v1/jobs/:id/ws のハンドラーです。
// イベントを1件ずつ JSON で送り、終了イベントの後に正常終了のクローズフレームを送ります。
func (s *Server) handleWebSocket(c *gin.Context) {
	jobID := c.Param("id")
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WarnContext(c.Request.Context(), "failed to upgrade to websocket", slog.Any("error", err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// クライアントからの切断を検知する
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.streamer.Stream(ctx, jobID, func(ev jobs.Event) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return err
		}
		return conn.WriteJSON(ev)
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.WarnContext(ctx, "websocket stream ended", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
