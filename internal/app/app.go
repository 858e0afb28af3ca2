// Package app provides the main application logic and lifecycle management.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coulsontl/gemini-antiblock/internal/types"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
)

// App holds all services and manages the application lifecycle.
type App struct {
	engine        *gin.Engine
	configManager types.ConfigManager
	httpServer    *http.Server
}

// AppParams defines the dependencies for the App.
type AppParams struct {
	dig.In
	Engine        *gin.Engine
	ConfigManager types.ConfigManager
}

// NewApp is the constructor for App, with dependencies injected by dig.
func NewApp(params AppParams) *App {
	return &App{
		engine:        params.Engine,
		configManager: params.ConfigManager,
	}
}

// Start runs the HTTP server in the background.
func (a *App) Start() error {
	serverConfig := a.configManager.GetServerConfig()
	a.configManager.DisplayServerConfig()

	a.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", serverConfig.Host, serverConfig.Port),
		Handler:     a.engine,
		ReadTimeout: time.Duration(serverConfig.ReadTimeout) * time.Second,
		// WriteTimeout defaults to zero (SERVER_WRITE_TIMEOUT unset): a
		// streaming response with retries can legitimately stay open for
		// many minutes.
		WriteTimeout: time.Duration(serverConfig.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(serverConfig.IdleTimeout) * time.Second,
	}

	go func() {
		logrus.Infof("Server listening on %s", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server failed: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (a *App) Stop(ctx context.Context) {
	if a.httpServer == nil {
		return
	}
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logrus.Warnf("Server shutdown error: %v", err)
	} else {
		logrus.Info("Server stopped")
	}
}
