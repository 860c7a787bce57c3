package server

import (
	"net/http"

	"github.com/doc2288/streeming-app/internal/auth"
	"github.com/doc2288/streeming-app/internal/config"
	"github.com/doc2288/streeming-app/internal/metrics"
	"github.com/doc2288/streeming-app/internal/mw"
	"github.com/doc2288/streeming-app/internal/service"
	"github.com/doc2288/streeming-app/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 是路由需要的全部依赖，由 main 组装。
type Deps struct {
	Sessions *service.SessionService
	Tokens   *auth.TokenService
	Registry *ws.Registry
	Limiter  *mw.Limiter
	Health   HealthCheck
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	h := NewHandler(d.Sessions, service.NewRoomService(d.Registry), d.Health)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.CORSOrigin))

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/chat/:streamId", ws.Serve(d.Registry, d.Tokens))

	api := r.Group("/api/v1")
	if d.Limiter != nil {
		api.Use(d.Limiter.Middleware())
	}

	authGroup := api.Group("/auth")
	authGroup.POST("/register", h.Register)
	authGroup.POST("/login", h.Login)
	authGroup.POST("/refresh", h.Refresh)
	authGroup.GET("/me", h.Me)

	authed := api.Group("")
	authed.Use(auth.RequireAuth(d.Tokens))
	authed.POST("/auth/logout", h.Logout)
	authed.DELETE("/users/:id/sessions", h.RevokeSessions)

	api.GET("/chat/rooms", h.ListRooms)
	api.GET("/chat/rooms/:streamId", h.GetRoom)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}
