package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/integrations"
)

const (
	defaultTestTimeout = 15 * time.Second
	maskedSecret       = "********"
)

// IntegrationsHandler manages a tenant's channel integrations: connect,
// test, activate, disconnect.
type IntegrationsHandler struct {
	store       *integrations.Store
	registry    *channel.Registry
	testTimeout time.Duration
	logger      *slog.Logger
}

func NewIntegrationsHandler(log *slog.Logger, store *integrations.Store, registry *channel.Registry, testTimeout time.Duration) *IntegrationsHandler {
	if log == nil {
		log = slog.Default()
	}
	if testTimeout <= 0 {
		testTimeout = defaultTestTimeout
	}
	return &IntegrationsHandler{
		store:       store,
		registry:    registry,
		testTimeout: testTimeout,
		logger:      log.With(slog.String("handler", "integrations")),
	}
}

func (h *IntegrationsHandler) Register(e *echo.Echo) {
	group := e.Group("/integrations")
	group.GET("", h.ListIntegrations)
	group.POST("", h.UpsertIntegration)
	group.GET("/:id", h.GetIntegration)
	group.DELETE("/:id", h.DeleteIntegration)
	group.POST("/:id/test", h.TestIntegration)
	group.POST("/:id/activate", h.ActivateIntegration)
}

type upsertIntegrationRequest struct {
	Platform string         `json:"platform"`
	Provider string         `json:"provider"`
	Name     string         `json:"name"`
	Config   map[string]any `json:"config"`
}

type listIntegrationsResponse struct {
	Items []integrations.Integration `json:"items"`
}

type testConnectionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ListIntegrations godoc
// @Summary List integrations
// @Description List the tenant's integrations with secrets masked
// @Tags integrations
// @Success 200 {object} listIntegrationsResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /integrations [get]
func (h *IntegrationsHandler) ListIntegrations(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	items, err := h.store.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	for i := range items {
		items[i] = h.redacted(items[i])
	}
	return c.JSON(http.StatusOK, listIntegrationsResponse{Items: items})
}

// UpsertIntegration godoc
// @Summary Connect or update an integration
// @Description Store platform credentials; the integration starts pending until tested and activated
// @Tags integrations
// @Param payload body upsertIntegrationRequest true "Integration payload"
// @Success 201 {object} integrations.Integration
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /integrations [post]
func (h *IntegrationsHandler) UpsertIntegration(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	var req upsertIntegrationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	platform, err := channel.ParsePlatform(req.Platform)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	provider := channel.NormalizeProvider(req.Provider)
	adapter, err := h.registry.Adapter(platform, provider)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}
	// Reject malformed credentials before they are stored.
	if _, err := adapter.DecodeConfig(req.Config); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "default"
	}
	item, err := h.store.Upsert(c.Request().Context(), integrations.UpsertInput{
		UserID:   userID,
		Platform: adapter.Platform(),
		Provider: adapter.Provider(),
		Name:     name,
		Config:   req.Config,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("integration upserted",
		slog.String("user_id", userID),
		slog.String("platform", string(item.Platform)),
		slog.String("integration_id", item.ID))
	return c.JSON(http.StatusCreated, h.redacted(item))
}

// GetIntegration godoc
// @Summary Get one integration
// @Description Get an integration with secrets masked
// @Tags integrations
// @Param id path string true "Integration ID"
// @Success 200 {object} integrations.Integration
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /integrations/{id} [get]
func (h *IntegrationsHandler) GetIntegration(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	item, err := h.store.Get(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "integration not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, h.redacted(item))
}

// DeleteIntegration godoc
// @Summary Disconnect an integration
// @Description Delete an integration and its credentials
// @Tags integrations
// @Param id path string true "Integration ID"
// @Success 204 "No Content"
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /integrations/{id} [delete]
func (h *IntegrationsHandler) DeleteIntegration(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	if err := h.store.Delete(c.Request().Context(), userID, c.Param("id")); err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "integration not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// TestIntegration godoc
// @Summary Test an integration's credentials
// @Description Run the provider's lightweight credential check and record the outcome
// @Tags integrations
// @Param id path string true "Integration ID"
// @Success 200 {object} testConnectionResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /integrations/{id}/test [post]
func (h *IntegrationsHandler) TestIntegration(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	item, err := h.store.Get(ctx, userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "integration not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	testErr := h.runConnectionTest(ctx, item)
	h.recordTestOutcome(ctx, item, testErr)

	resp := testConnectionResponse{Success: testErr == nil}
	if testErr != nil {
		resp.Error = testErr.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

// ActivateIntegration godoc
// @Summary Activate an integration
// @Description Make this the platform's active integration; requires a passing connection test
// @Tags integrations
// @Param id path string true "Integration ID"
// @Success 200 {object} integrations.Integration
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /integrations/{id}/activate [post]
func (h *IntegrationsHandler) ActivateIntegration(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	item, err := h.store.Get(ctx, userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "integration not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if testErr := h.runConnectionTest(ctx, item); testErr != nil {
		h.recordTestOutcome(ctx, item, testErr)
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("connection test failed: %v", testErr))
	}
	activated, err := h.store.Activate(ctx, userID, item.ID)
	if err != nil {
		if errors.Is(err, integrations.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "integration not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("integration activated",
		slog.String("user_id", userID),
		slog.String("platform", string(activated.Platform)),
		slog.String("integration_id", activated.ID))
	return c.JSON(http.StatusOK, h.redacted(activated))
}

func (h *IntegrationsHandler) runConnectionTest(ctx context.Context, item integrations.Integration) error {
	adapter, err := h.registry.Adapter(item.Platform, item.Provider)
	if err != nil {
		return err
	}
	cfg, err := adapter.DecodeConfig(item.Config)
	if err != nil {
		return fmt.Errorf("stored config invalid: %w", err)
	}
	testCtx, cancel := context.WithTimeout(ctx, h.testTimeout)
	defer cancel()
	return adapter.TestConnection(testCtx, cfg)
}

// recordTestOutcome persists a manual test result. Active and error
// integrations follow health-check semantics; a pending integration that
// fails is parked in error, and inactive ones are never touched because the
// tenant switched them off deliberately.
func (h *IntegrationsHandler) recordTestOutcome(ctx context.Context, item integrations.Integration, testErr error) {
	var err error
	switch {
	case item.Status == integrations.StatusActive || item.Status == integrations.StatusError:
		errMsg := ""
		if testErr != nil {
			errMsg = testErr.Error()
		}
		err = h.store.RecordCheck(ctx, item.ID, testErr == nil, errMsg, time.Now().UTC())
	case testErr != nil && item.Status == integrations.StatusPending:
		err = h.store.SetStatus(ctx, item.ID, integrations.StatusError, testErr.Error())
	}
	if err != nil {
		h.logger.Warn("test outcome not recorded",
			slog.String("integration_id", item.ID),
			slog.Any("error", err))
	}
}

// redacted masks secret config fields so credentials never leave the server
// once stored.
func (h *IntegrationsHandler) redacted(item integrations.Integration) integrations.Integration {
	adapter, err := h.registry.Adapter(item.Platform, item.Provider)
	if err != nil {
		item.Config = map[string]any{}
		return item
	}
	item.Config = redactSecrets(adapter.Descriptor().ConfigSchema, item.Config)
	return item
}

func redactSecrets(schema channel.ConfigSchema, cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		out[k] = v
	}
	for _, field := range schema.Fields {
		if !field.Secret {
			continue
		}
		if raw, ok := out[field.Key]; ok {
			if s, isString := raw.(string); !isString || s != "" {
				out[field.Key] = maskedSecret
			}
		}
	}
	return out
}
