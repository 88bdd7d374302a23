package response

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/bisectbot/bisectbot/internal/types"
)

var (
	InternalServerError = echo.NewHTTPError(
		http.StatusInternalServerError,
		types.StringError("something went wrong"),
	)
	NotFoundError     = echo.NewHTTPError(http.StatusNotFound, types.StringError("not found"))
	UnauthorizedError = echo.NewHTTPError(
		http.StatusUnauthorized,
		types.StringError("Unauthorized"),
	)
	ForbiddenError = echo.NewHTTPError(http.StatusForbidden, types.StringError("Forbidden"))
	ConflictError  = echo.NewHTTPError(
		http.StatusConflict,
		types.StringError("job changed since it was read"),
	)
)
