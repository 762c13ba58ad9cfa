package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session   *handler.SessionHandler
	WS        *handler.WSHandler
	Monitor   *handler.MonitorHandler
	Admin     *handler.AdminHandler
	Dashboard *handler.DashboardHandler
	System    *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	runLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Streams must reach the client unbuffered.
	brotliCfg := middleware.DefaultBrotliConfig
	brotliCfg.SkipPrefixes = []string{"/ws/", "/api/v1/admin/system/metrics"}
	router.Use(middleware.BrotliWithConfig(brotliCfg))

	router.NoRoute(func(c *gin.Context) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	})

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Test-Taker Group (JWT) ─────────────────────────────────────
	sessions := router.Group("/api/v1/sessions")
	sessions.Use(response.SessionScope(), middleware.RequireJWT(authService), middleware.NoStore())
	{
		sessions.POST("", handlers.Session.StartSession)
		sessions.GET("/:id", handlers.Session.GetSession)
		sessions.POST("/:id/run", runLimiter.Middleware(), handlers.Session.RunCode)
	}

	// ─── 2. WebSocket Group (WS Auth) ──────────────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(response.SessionScope(), middleware.RequireWSAuth(authService))
	{
		ws.GET("/sessions/:id/stream", handlers.WS.SessionStream)
	}

	// ─── 3. Admin Group (JWT + Role) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireJWT(authService), middleware.RequireProctor())
	{
		// Test authoring
		adminAPI.PUT("/tests", middleware.RequireAdmin(), handlers.Admin.SaveTest)
		adminAPI.GET("/tests/:id", handlers.Admin.GetTest)
		adminAPI.POST("/tests/:id/attempt-overrides", middleware.RequireAdmin(), handlers.Admin.CreateAttemptOverride)

		// Reporting and live monitoring
		adminAPI.GET("/tests/:id/sessions", handlers.Admin.ListTestSessions)
		adminAPI.GET("/tests/:id/monitor", handlers.Monitor.MonitorTestSSE)
		adminAPI.GET("/sessions/:id", handlers.Admin.GetSessionRecord)
		adminAPI.GET("/sessions/:id/connectivity", handlers.Admin.GetSessionConnectivity)

		// Dashboard
		adminAPI.GET("/dashboard", handlers.Dashboard.GetDashboardData)

		// System Monitoring
		adminAPI.GET("/system/metrics", middleware.RequireAdmin(), handlers.System.SystemMetricsSSE)
	}

	return router
}
