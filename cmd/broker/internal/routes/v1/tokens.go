package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/bisectbot/bisectbot/cmd/broker/internal/response"
	"github.com/bisectbot/bisectbot/internal/auth"
	"github.com/bisectbot/bisectbot/internal/types"
)

type createTokenRequest struct {
	Note   string   `json:"note"`
	Scopes []string `json:"scopes" validate:"required,min=1,dive,oneof=control-tokens create-jobs update-jobs"`
}

type createTokenResponse struct {
	Token  string   `json:"token"`
	Note   string   `json:"note,omitempty"`
	Scopes []string `json:"scopes"`
}

func (h *Handler) CreateAuthToken(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "CreateAuthToken")
	defer span.End()

	span.AddEvent("parsing request body")
	var rdata createTokenRequest
	if err := c.Bind(&rdata); err != nil {
		span.SetStatus(codes.Ok, "failed to parse request data")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse request data"),
		)
	}

	span.AddEvent("validating request body")
	if err := c.Validate(rdata); err != nil {
		span.SetStatus(codes.Ok, "failed to validate request data")
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusUnprocessableEntity, types.ValidationError(err))
	}

	scopes := make([]auth.Scope, 0, len(rdata.Scopes))
	for _, raw := range rdata.Scopes {
		scope, err := auth.ParseScope(raw)
		if err != nil {
			span.SetStatus(codes.Ok, "rejected unknown scope")
			span.RecordError(err)
			return echo.NewHTTPError(
				http.StatusUnprocessableEntity,
				types.FieldError("scopes", err.Error()),
			)
		}
		scopes = append(scopes, scope)
	}

	token, err := h.Registry.CreateToken(scopes...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to mint token")
		return response.InternalServerError
	}

	span.SetAttributes(
		attribute.String("token.note", rdata.Note),
		attribute.Int("token.scopes", len(scopes)),
	)
	span.AddEvent("minted token")
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "minted token")
	return c.JSON(http.StatusCreated, createTokenResponse{
		Token:  token,
		Note:   rdata.Note,
		Scopes: rdata.Scopes,
	})
}

type revokeTokenRequest struct {
	Token string `json:"token" validate:"required"`
}

func (h *Handler) RevokeAuthToken(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "RevokeAuthToken")
	defer span.End()

	span.AddEvent("parsing request body")
	var rdata revokeTokenRequest
	if err := c.Bind(&rdata); err != nil {
		span.SetStatus(codes.Ok, "failed to parse request data")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse request data"),
		)
	}

	span.AddEvent("validating request body")
	if err := c.Validate(rdata); err != nil {
		span.SetStatus(codes.Ok, "failed to validate request data")
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusUnprocessableEntity, types.ValidationError(err))
	}

	if !h.Registry.RevokeToken(rdata.Token) {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "token not found")
		return response.NotFoundError
	}

	span.AddEvent("revoked token")
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "revoked token")
	return c.NoContent(http.StatusOK)
}
