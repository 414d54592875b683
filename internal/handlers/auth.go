package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/accounts"
	"github.com/relaydesk/relaydesk/internal/auth"
)

// AuthHandler issues and refreshes API tokens.
type AuthHandler struct {
	store        *accounts.Store
	jwtSecret    string
	jwtExpiresIn time.Duration
	logger       *slog.Logger
}

func NewAuthHandler(log *slog.Logger, store *accounts.Store, jwtSecret string, jwtExpiresIn time.Duration) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AuthHandler{
		store:        store,
		jwtSecret:    jwtSecret,
		jwtExpiresIn: jwtExpiresIn,
		logger:       log.With(slog.String("handler", "auth")),
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	group := e.Group("/auth")
	group.POST("/login", h.Login)
	group.POST("/refresh", h.Refresh)
	group.GET("/me", h.Me)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	User      *accounts.User `json:"user,omitempty"`
}

// Login godoc
// @Summary Login with email and password
// @Description Exchange credentials for an API token
// @Tags auth
// @Param payload body loginRequest true "Credentials"
// @Success 200 {object} tokenResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/login [post]
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	user, err := h.store.Authenticate(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, accounts.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid email or password")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	token, expiresAt, err := auth.GenerateToken(user.ID, user.Email, h.jwtSecret, h.jwtExpiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("user logged in", slog.String("user_id", user.ID))
	return c.JSON(http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      &user,
	})
}

// Refresh godoc
// @Summary Refresh the current token
// @Description Issue a new token carrying the same claims and lifespan
// @Tags auth
// @Success 200 {object} tokenResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.jwtSecret, h.jwtExpiresIn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// Me godoc
// @Summary Get the authenticated user
// @Description Get the profile behind the current token
// @Tags auth
// @Success 200 {object} accounts.User
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auth/me [get]
func (h *AuthHandler) Me(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	user, err := h.store.Get(c.Request().Context(), userID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, user)
}
