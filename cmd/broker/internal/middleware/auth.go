package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bisectbot/bisectbot/cmd/broker/internal/response"
	"github.com/bisectbot/bisectbot/internal/auth"
	"github.com/bisectbot/bisectbot/internal/logger"
)

const name string = "github.com/bisectbot/bisectbot/broker/middleware"

var tracer = otel.Tracer(name)

// AuthContextKey is where the authenticated token's scopes are stored on the
// echo context.
const AuthContextKey = "auth.scopes"

type Handler struct {
	Registry *auth.Registry
}

// RequireScopes authenticates the bearer token and checks it carries every
// listed scope. An unknown token is a 401; a known token missing a scope is
// a 403. Unauthenticated and underprivileged callers get no detail beyond
// the status.
func (h *Handler) RequireScopes(scopes ...auth.Scope) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, span := tracer.Start(c.Request().Context(), "RequireScopes",
				trace.WithAttributes(
					attribute.Int("scopes.required", len(scopes)),
				))
			defer span.End()

			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "missing bearer token")
				return response.UnauthorizedError
			}

			granted, known := h.Registry.Scopes(token)
			if !known {
				logger.Logger.DebugContext(ctx, "rejecting unknown token")
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "unknown token")
				return response.UnauthorizedError
			}

			if !h.Registry.HasScopes(token, scopes...) {
				logger.Logger.DebugContext(ctx, "rejecting underprivileged token",
					"granted", granted, "required", scopes)
				span.RecordError(nil)
				span.SetStatus(codes.Ok, "missing scope")
				return response.ForbiddenError
			}

			c.Set(AuthContextKey, granted)

			span.RecordError(nil)
			span.SetStatus(codes.Ok, "checked scopes")
			return next(c)
		}
	}
}
