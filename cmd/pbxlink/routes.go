package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pbxlink/internal/statusapi"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of logic; handlers live in internal/statusapi.
func registerRoutes(r *gin.Engine, h statusapi.Handlers) {
	statusapi.Register(r, h)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}
