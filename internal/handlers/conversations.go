package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/inbox"
	"github.com/relaydesk/relaydesk/internal/realtime"
)

// ConversationsHandler serves the agent inbox: conversation listing, message
// history, and explicit status transitions.
type ConversationsHandler struct {
	store  *inbox.Store
	hub    *realtime.Hub
	logger *slog.Logger
}

func NewConversationsHandler(log *slog.Logger, store *inbox.Store, hub *realtime.Hub) *ConversationsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &ConversationsHandler{
		store:  store,
		hub:    hub,
		logger: log.With(slog.String("handler", "conversations")),
	}
}

func (h *ConversationsHandler) Register(e *echo.Echo) {
	group := e.Group("/conversations")
	group.GET("", h.ListConversations)
	group.GET("/:id", h.GetConversation)
	group.PATCH("/:id/status", h.UpdateStatus)
	group.GET("/:id/messages", h.ListMessages)

	e.GET("/customers/:id", h.GetCustomer)
}

type listConversationsResponse struct {
	Items []inbox.Conversation `json:"items"`
}

type listMessagesResponse struct {
	Items []inbox.Message `json:"items"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// ListConversations godoc
// @Summary List conversations
// @Description List the tenant's conversations, most recently active first
// @Tags conversations
// @Param status query string false "Filter by status (open/pending/closed/escalated)"
// @Param platform query string false "Filter by platform"
// @Param limit query int false "Page size, default 50"
// @Success 200 {object} listConversationsResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /conversations [get]
func (h *ConversationsHandler) ListConversations(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	var filter inbox.ConversationFilter
	if raw := c.QueryParam("status"); raw != "" {
		status, err := inbox.ParseConversationStatus(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filter.Status = status
	}
	if raw := c.QueryParam("platform"); raw != "" {
		platform, err := channel.ParsePlatform(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filter.Platform = platform
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		filter.Limit = limit
	}
	items, err := h.store.ListConversations(c.Request().Context(), userID, filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, listConversationsResponse{Items: items})
}

// GetConversation godoc
// @Summary Get one conversation
// @Tags conversations
// @Param id path string true "Conversation ID"
// @Success 200 {object} inbox.Conversation
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /conversations/{id} [get]
func (h *ConversationsHandler) GetConversation(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	conv, err := h.store.GetConversation(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, inbox.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, conv)
}

// UpdateStatus godoc
// @Summary Change a conversation's status
// @Description Apply an agent status transition; transitions the state machine forbids return a 409
// @Tags conversations
// @Param id path string true "Conversation ID"
// @Param payload body updateStatusRequest true "Target status"
// @Success 200 {object} inbox.Conversation
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /conversations/{id}/status [patch]
func (h *ConversationsHandler) UpdateStatus(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	var req updateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	status, err := inbox.ParseConversationStatus(req.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	conv, err := h.store.UpdateConversationStatus(c.Request().Context(), userID, c.Param("id"), status)
	if err != nil {
		switch {
		case errors.Is(err, inbox.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "conversation not found")
		case errors.Is(err, inbox.ErrInvalidTransition):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	h.logger.Info("conversation status changed",
		slog.String("conversation_id", conv.ID),
		slog.String("status", string(conv.Status)))
	if h.hub != nil {
		h.hub.Broadcast(userID, realtime.Event{
			Type:           "conversation.status",
			ConversationID: conv.ID,
			Status:         string(conv.Status),
		})
	}
	return c.JSON(http.StatusOK, conv)
}

// ListMessages godoc
// @Summary List a conversation's messages
// @Description List messages oldest first
// @Tags conversations
// @Param id path string true "Conversation ID"
// @Param limit query int false "Maximum number of messages, default 100"
// @Success 200 {object} listMessagesResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /conversations/{id}/messages [get]
func (h *ConversationsHandler) ListMessages(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		limit = parsed
	}
	items, err := h.store.ListMessages(c.Request().Context(), userID, c.Param("id"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, listMessagesResponse{Items: items})
}

// GetCustomer godoc
// @Summary Get one customer
// @Tags conversations
// @Param id path string true "Customer ID"
// @Success 200 {object} inbox.Customer
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /customers/{id} [get]
func (h *ConversationsHandler) GetCustomer(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	customer, err := h.store.GetCustomer(c.Request().Context(), userID, c.Param("id"))
	if err != nil {
		if errors.Is(err, inbox.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "customer not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, customer)
}
