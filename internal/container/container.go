// Package container builds the dependency injection container.
package container

import (
	"github.com/coulsontl/gemini-antiblock/internal/app"
	"github.com/coulsontl/gemini-antiblock/internal/config"
	"github.com/coulsontl/gemini-antiblock/internal/httpclient"
	"github.com/coulsontl/gemini-antiblock/internal/proxy"
	"github.com/coulsontl/gemini-antiblock/internal/router"

	"go.uber.org/dig"
)

// BuildContainer registers every constructor and returns the container.
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	constructors := []any{
		config.NewManager,
		httpclient.NewManager,
		proxy.NewProxyServer,
		router.NewRouter,
		app.NewApp,
	}

	for _, constructor := range constructors {
		if err := container.Provide(constructor); err != nil {
			return nil, err
		}
	}

	return container, nil
}
