// Package router wires the HTTP routes.
package router

import (
	"net/http"

	"github.com/coulsontl/gemini-antiblock/internal/middleware"
	"github.com/coulsontl/gemini-antiblock/internal/proxy"
	"github.com/coulsontl/gemini-antiblock/internal/types"
	"github.com/coulsontl/gemini-antiblock/internal/version"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine: logging and CORS middleware, a health
// endpoint, and the catch-all proxy route.
func NewRouter(configManager types.ConfigManager, proxyServer *proxy.ProxyServer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Logger(configManager.GetLogConfig()))
	engine.Use(middleware.CORS(configManager.GetCORSConfig()))

	engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "gemini-antiblock",
			"version": version.Version,
		})
	})
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	engine.NoRoute(proxyServer.HandleProxy)
	return engine
}
