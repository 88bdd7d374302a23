package v1

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	servermiddleware "github.com/bisectbot/bisectbot/cmd/broker/internal/middleware"
	"github.com/bisectbot/bisectbot/internal/auth"
	"github.com/bisectbot/bisectbot/internal/logstream"
	"github.com/bisectbot/bisectbot/internal/store"
	"github.com/bisectbot/bisectbot/internal/versions"
)

const name = "github.com/bisectbot/bisectbot/broker/routes/v1"

var tracer = otel.Tracer(name)

type Handler struct {
	Store    *store.Store
	Registry *auth.Registry
	Catalog  *versions.Catalog
	Streamer *logstream.Streamer
}

func NewHandler(
	jobStore *store.Store,
	registry *auth.Registry,
	catalog *versions.Catalog,
	streamer *logstream.Streamer,
) Handler {
	return Handler{
		Store:    jobStore,
		Registry: registry,
		Catalog:  catalog,
		Streamer: streamer,
	}
}

func (h *Handler) AddRoutes(e *echo.Echo, middlewareHandler *servermiddleware.Handler) {
	e.GET("/metrics/", echo.WrapHandler(promhttp.Handler()))

	v1Group := e.Group("/v1")

	jobsGroup := v1Group.Group("/jobs")

	jobsGroup.POST("/", h.CreateJob,
		middlewareHandler.RequireScopes(auth.ScopeCreateJobs))
	// Reads are open; only mutations need a scoped token.
	jobsGroup.GET("/", h.ListJobs)
	jobsGroup.GET("/:job_id/", h.GetJob)
	jobsGroup.PATCH("/:job_id/", h.PatchJob,
		middlewareHandler.RequireScopes(auth.ScopeUpdateJobs))

	jobsGroup.PUT("/:job_id/log/", h.AppendJobLog,
		middlewareHandler.RequireScopes(auth.ScopeUpdateJobs))
	// Log reads are open so a human can watch a run from a bare browser.
	jobsGroup.GET("/:job_id/log/", h.ReadJobLog)
	jobsGroup.GET("/:job_id/log/ws/", h.StreamJobLog)

	tokensGroup := v1Group.Group("/tokens",
		middlewareHandler.RequireScopes(auth.ScopeControlTokens))
	tokensGroup.POST("/", h.CreateAuthToken)
	tokensGroup.DELETE("/", h.RevokeAuthToken)
}
