package main

import (
	"pbx-controlplane/internal/auth"
	"pbx-controlplane/internal/httpapi"
	"pbx-controlplane/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "role": role})
		})

		// STATUS reads (any valid role)
		reads := v1.Group("")
		reads.Use(rbac.RequireAnyRole(rbac.RoleViewer, rbac.RoleSupervisor))
		{
			reads.GET("/operators/*member_id", h.GetOperator)
			reads.GET("/queues/:queue", h.GetQueue)
			reads.GET("/queues/:queue/operators", h.GetQueueOperators)
			reads.GET("/channels", h.ListChannels)
			reads.GET("/channels/:id", h.GetChannel)
			reads.GET("/snapshot", h.Snapshot)
			reads.GET("/sessions", h.Sessions)
		}

		// AMI commands
		amiGroup := v1.Group("/ami")
		amiGroup.Use(rbac.RequireAnyRole(rbac.RoleSupervisor))
		{
			amiGroup.POST("/originate", h.Originate)
			amiGroup.POST("/hangup", h.Hangup)
			amiGroup.POST("/redirect", h.Redirect)
			amiGroup.GET("/queues", h.QueueStatus)
			amiGroup.POST("/queues/:queue/pause", h.QueuePause)
			amiGroup.GET("/peers", h.PeerStatus)
		}

		// ARI commands
		ariGroup := v1.Group("/ari")
		ariGroup.Use(rbac.RequireAnyRole(rbac.RoleSupervisor))
		{
			ariGroup.GET("/channels", h.ARIChannels)
			ariGroup.POST("/channels/:id/answer", h.AnswerChannel)
			ariGroup.DELETE("/channels/:id", h.HangupChannel)
			ariGroup.POST("/channels/:id/play", h.PlayMedia)
			ariGroup.GET("/bridges", h.ARIBridges)
			ariGroup.POST("/bridges", h.CreateBridge)
			ariGroup.POST("/bridges/:id/channels", h.AddChannelsToBridge)
			ariGroup.GET("/endpoints", h.ARIEndpoints)
		}

		// ADMIN routes
		// Direct cache writes bypass the PBX; only admin may use them.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.PUT("/operators/*member_id", h.PutOperator)
			admin.DELETE("/operators/*member_id", h.DeleteOperator)
			admin.PUT("/channels/:id", h.PutChannel)
			admin.PUT("/queues/:queue", h.PutQueue)
			admin.POST("/clear", h.ClearAll)
		}
	}
}
