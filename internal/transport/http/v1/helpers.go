package v1

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/chatsync/internal/domain"
	"github.com/xiaot623/chatsync/internal/protocol"
)

// UserIDHeader carries the caller identity set by the fronting auth layer.
const UserIDHeader = "X-User-ID"

func callerID(c echo.Context) string {
	return strings.TrimSpace(c.Request().Header.Get(UserIDHeader))
}

func missingCaller(c echo.Context) error {
	return errorJSON(c, http.StatusUnauthorized, protocol.ErrorCodeUnauthorized, "missing "+UserIDHeader+" header")
}

func errorJSON(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]string{"error": message, "code": code})
}

// serviceError maps a service failure onto an HTTP status and error code.
func serviceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrSendRejected):
		return errorJSON(c, http.StatusUnprocessableEntity, protocol.ErrorCodeSendRejected, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return errorJSON(c, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrForbidden):
		return errorJSON(c, http.StatusForbidden, "forbidden", err.Error())
	default:
		c.Logger().Error(err)
		return errorJSON(c, http.StatusInternalServerError, protocol.ErrorCodeInternalError, err.Error())
	}
}
