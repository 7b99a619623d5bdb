package api

import (
	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the control and query API under g.
func RegisterRoutes(g *gin.RouterGroup, contacts *ContactHandler, automation *AutomationHandler, dashboard *DashboardHandler) {
	// CRM Routes
	g.GET("/contacts", contacts.GetContacts)
	g.POST("/contacts", contacts.CreateContact)
	g.POST("/contacts/import", contacts.ImportContacts)
	g.GET("/contacts/:waId", contacts.GetContact)
	g.GET("/contacts/:waId/turns", contacts.GetTurns)

	// Control signals
	g.POST("/contacts/:waId/pause", automation.Pause)
	g.POST("/contacts/:waId/resume", automation.Resume)
	g.POST("/contacts/:waId/blacklist", automation.Blacklist)
	g.POST("/contacts/:waId/close", automation.Close)

	g.GET("/campaign/status", dashboard.CampaignStatus)
	g.GET("/automation/logs", automation.GetLogs)
}

// CORS allows the dashboard to call the API from another origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
