package api

import (
	"log/slog"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/yourusername/epub-forge/internal/ebook"
	applog "github.com/yourusername/epub-forge/internal/log"
)

// NewRouter はミドルウェアとルーティングを設定した gin.Engine を返します。
func NewRouter(s *Server, store sessions.Store) *gin.Engine {
	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(requestID())
	router.Use(sessions.Sessions(SessionCookieName, store))

	corsConfig := cors.DefaultConfig()
	origins := s.cfg.Origins()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "If-None-Match"}
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "ETag", "X-Job-Id", "X-Request-Id"}
	router.Use(cors.New(corsConfig))

	s.Routes(router)
	return router
}

// Routes はエンドポイントを登録します。
func (s *Server) Routes(router gin.IRouter) {
	router.GET("/health", s.handleHealth)
	router.GET("/system-info", s.handleSystemInfo)

	// Web フォーム向け
	router.POST("/", s.handleConvert(ebook.FlagsFromPresence, ""))
	router.GET("/progress/:id", s.handleSSE)
	router.GET("/download/:id", s.handleDownload(true))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", s.handleAPIHealth)
		v1.GET("/device_profiles", s.handleDeviceProfiles)
		v1.POST("/convert", s.handleConvert(ebook.FlagsFromValue, ebook.ProfileRemarkable))
		v1.GET("/jobs", s.handleList)
		v1.GET("/jobs/:id/status", s.handleStatus)
		v1.GET("/jobs/:id/download", s.handleDownload(false))
		v1.GET("/jobs/:id/stream", s.handleSSE)
		v1.GET("/jobs/:id/ws", s.handleWebSocket)
	}
}

// requestID はリクエストごとのIDを発行し、ログ属性とレスポンスヘッダーに付与します。
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-Id", id)
		ctx := applog.ContextAttrs(c.Request.Context(), slog.String("request_id", id))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
