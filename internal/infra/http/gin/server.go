package ginserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"chatsync/internal/infra/config"
	"chatsync/internal/infra/obs"
)

type Handlers struct {
	Chat           *ChatHandler
	Stream         *StateStream
	AuthMiddleware gin.HandlerFunc
}

func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	return &http.Server{Addr: cfg.HTTPAddr, Handler: NewRouter(cfg, obsMW, health, h)}
}

func NewRouter(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.LoggerMiddleware())
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			"X-Request-ID",
		},
		MaxAge: 12 * time.Hour,
	}))
	if h.AuthMiddleware != nil {
		router.Use(h.AuthMiddleware)
	}

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)

	api := router.Group("/api/v1")
	if h.Chat != nil {
		api.POST("/session", h.Chat.StartSession)
		api.DELETE("/session", h.Chat.EndSession)
		api.GET("/state", h.Chat.State)

		convs := api.Group("/conversations")
		convs.GET("", h.Chat.ListConversations)
		convs.POST("", h.Chat.StartConversation)
		convs.POST("/refresh", h.Chat.Refresh)
		convs.POST("/:id/select", h.Chat.SelectConversation)
		convs.POST("/:id/read", h.Chat.MarkRead)
		convs.POST("/:id/clear", h.Chat.ClearConversation)
		convs.PUT("/:id/mute", h.Chat.SetMuted)
		convs.DELETE("/:id", h.Chat.DeleteConversation)
		api.DELETE("/selection", h.Chat.ClearSelection)

		msgs := api.Group("/messages")
		msgs.GET("", h.Chat.ListMessages)
		msgs.POST("", h.Chat.SendMessage)
		msgs.POST("/older", h.Chat.LoadOlder)
		msgs.PATCH("/:id", h.Chat.EditMessage)
		msgs.DELETE("/:id", h.Chat.DeleteMessage)

		api.POST("/attachments", h.Chat.UploadAttachment)
		api.PUT("/typing", h.Chat.SetTyping)
		api.PUT("/presence", h.Chat.SetPresence)
	}
	if h.Stream != nil {
		api.GET("/ws", h.Stream.Serve)
	}
	return router
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
