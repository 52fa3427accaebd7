package server

import (
	"net/http"
	"time"

	"github.com/get-sltr/3musketeers-sub002/internal/auth"
	"github.com/get-sltr/3musketeers-sub002/internal/config"
	"github.com/get-sltr/3musketeers-sub002/internal/metrics"
	"github.com/get-sltr/3musketeers-sub002/internal/mw"
	"github.com/get-sltr/3musketeers-sub002/internal/relay"
	"github.com/get-sltr/3musketeers-sub002/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// SetupRouter 统一初始化 Gin 中间件、REST API、上传接口与 WebSocket 端点。
func SetupRouter(cfg config.Config, db *gorm.DB, st *store.Store, rl *relay.Relay) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.AllowedOrigin))
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	h := NewHandler(cfg, db, st)

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"timestamp":   time.Now().UTC(),
			"activeUsers": rl.ActiveUsers(),
			"typingUsers": rl.TypingCount(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/auth/register", h.Register)
	api.POST("/auth/login", h.Login)
	api.POST("/upload", h.Upload)

	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg, db))
	authed.POST("/conversations", h.CreateConversation)
	authed.GET("/conversations/:id/messages", h.ListMessages)

	r.Static("/uploads", cfg.UploadDir)
	r.GET("/ws", relay.Serve(rl, cfg.AllowedOrigin))

	return r
}
