package api

import (
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
)

// Mounts are the non-API handlers served by the same engine.
type Mounts struct {
	WebSocket      http.Handler
	Metrics        http.Handler
	AllowedOrigins []string
}

// Router builds the gin engine with every HTTP route.
func (a *API) Router(m Mounts) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), cors(m.AllowedOrigins))

	r.GET("/health", a.Health)
	if m.WebSocket != nil {
		r.GET("/ws", gin.WrapH(m.WebSocket))
	}
	if m.Metrics != nil {
		r.GET("/metrics", gin.WrapH(m.Metrics))
	}

	api := r.Group("/api", a.identify)
	api.GET("/stats", a.Stats)
	api.GET("/sessions", a.ListSessions)
	api.GET("/sessions/:id", a.GetSession)
	api.GET("/sessions/:id/participants", a.Participants)
	api.POST("/users", a.CreateUser)

	authed := api.Group("", requireCaller)
	authed.POST("/sessions", a.CreateSession)
	authed.POST("/sessions/:id/files", a.CreateFile)
	authed.POST("/sessions/:id/requests", a.SubmitRequest)
	authed.GET("/sessions/:id/requests", a.ListSessionRequests)
	authed.GET("/users/:id/requests", a.ListUserRequests)
	authed.GET("/users/:id/notifications", a.Notifications)
	authed.POST("/requests/:id/decision", a.Decide)

	return r
}

func cors(allowed []string) gin.HandlerFunc {
	allowAll := len(allowed) == 0 || slices.Contains(allowed, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(allowed, origin):
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+UserHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
