// Package handlers exposes the REST API. Every handler owns one resource
// group and registers its routes on the shared echo instance.
package handlers

import (
	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/auth"
)

// ErrorResponse is the JSON error envelope returned for failed requests.
type ErrorResponse struct {
	Message string `json:"message"`
}

// RequireUserID extracts the authenticated tenant id from the request token.
// Requests without a valid token get a 401 before any handler logic runs.
func RequireUserID(c echo.Context) (string, error) {
	return auth.UserIDFromContext(c)
}

type statusResponse struct {
	Status string `json:"status"`
}

var okResponse = statusResponse{Status: "ok"}
