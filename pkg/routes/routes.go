// Package routes assembles the HTTP API: judgements, merged entities, health
// and Prometheus metrics.
package routes

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/thistle/pkg/middleware"
	"github.com/Ramsey-B/thistle/pkg/routes/entity"
	"github.com/Ramsey-B/thistle/pkg/routes/health"
	"github.com/Ramsey-B/thistle/pkg/routes/judgement"
)

type Deps struct {
	AppName  string
	Resolver interface {
		judgement.Resolver
		entity.Clusters
	}
	View   entity.View
	Health *health.Checker
	Logger ectologger.Logger
}

// NewRouter builds the echo instance with middleware and every route.
func NewRouter(deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(deps.Logger)

	e.Use(otelecho.Middleware(deps.AppName))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(deps.Logger))

	deps.Health.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	judgements := judgement.NewHandler(deps.Resolver, deps.Logger)
	judgements.Register(e.Group("/judgements"))

	entities := e.Group("/entities")
	entity.NewHandler(deps.View, deps.Resolver).Register(entities)
	judgements.RegisterCluster(entities)

	return e
}
