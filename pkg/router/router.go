package router

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ai-web-chat-demo/backend/chat/api"
	"ai-web-chat-demo/backend/pkg/config"
	"ai-web-chat-demo/backend/pkg/di"
	"ai-web-chat-demo/backend/pkg/errors"
	"ai-web-chat-demo/backend/pkg/health"
	"ai-web-chat-demo/backend/pkg/logger"
	"ai-web-chat-demo/backend/pkg/middleware"
)

// Router is the main router for the application
type Router struct {
	Engine    *gin.Engine
	Container *di.Container
	Logger    *logger.Logger
	Config    *config.Config
	Checker   *health.Checker
}

// New creates a new router with the given container
func New(container *di.Container) *Router {
	logger.SetGlobal(container.Logger)

	cfg := config.New()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// Logger middleware first so every request is captured
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(middleware.RequestIDMiddleware())
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())

	rateLimiter := middleware.NewRateLimiter(container.Logger)
	engine.Use(rateLimiter.Middleware())

	checker := health.NewChecker(container.Logger, 30*time.Second)
	checker.RegisterDatabaseCheck(func() error {
		sqlDB, err := container.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Ping()
	})
	checker.RegisterRedisCheck(container.Redis.Ping)
	checker.RegisterUpstreamCheck(func() bool {
		return cfg.Upstream.BaseURL != "" && cfg.Upstream.APIKey != ""
	})
	checker.Start()

	return &Router{
		Engine:    engine,
		Container: container,
		Logger:    container.Logger,
		Config:    cfg,
		Checker:   checker,
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() {
	r.Engine.Use(corsMiddleware())

	jwtAuth := middleware.JWTAuthMiddleware(r.Container.JWTService, r.Logger)
	deviceAuth := middleware.DeviceAuthMiddleware()

	userHandlers := api.NewChatHandlers(r.Container.UserChats, r.Logger)
	deviceHandlers := api.NewChatHandlers(r.Container.DeviceChats, r.Logger)

	v1 := r.Engine.Group("/api/v1")

	// Authenticated chat routes
	userRoutes := v1.Group("/")
	userRoutes.Use(jwtAuth)
	userHandlers.RegisterRoutes(userRoutes)

	// Anonymous chat routes, scoped by device id header
	anonRoutes := v1.Group("/anonymous")
	anonRoutes.Use(deviceAuth)
	deviceHandlers.RegisterRoutes(anonRoutes)

	// Live transcript updates
	if r.Config.Features.EnableWebSockets {
		r.Engine.GET("/ws/chats/:id", r.Container.Hub.HandleSubscribe)
	}

	// Operational endpoints
	r.Engine.GET("/health", gin.WrapF(r.Checker.HTTPHandler()))
	r.Engine.GET("/api/health", gin.WrapF(r.Checker.HTTPHandler()))
	r.Engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// corsMiddleware allows browser clients, including websocket upgrades
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Accept-Encoding, X-CSRF-Token, Authorization, Origin, Upgrade, Connection, Cache-Control, X-Device-ID, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Upgrade, Connection, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
