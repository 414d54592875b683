package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/autoreply"
)

// AutoRepliesHandler manages tenant canned replies.
type AutoRepliesHandler struct {
	store  *autoreply.Store
	logger *slog.Logger
}

func NewAutoRepliesHandler(log *slog.Logger, store *autoreply.Store) *AutoRepliesHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AutoRepliesHandler{
		store:  store,
		logger: log.With(slog.String("handler", "autoreply")),
	}
}

func (h *AutoRepliesHandler) Register(e *echo.Echo) {
	group := e.Group("/auto-replies")
	group.GET("", h.ListReplies)
	group.POST("", h.CreateReply)
	group.PUT("/:id", h.UpdateReply)
	group.DELETE("/:id", h.DeleteReply)
}

type listRepliesResponse struct {
	Items []autoreply.Reply `json:"items"`
}

// ListReplies godoc
// @Summary List auto replies
// @Tags auto-replies
// @Success 200 {object} listRepliesResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auto-replies [get]
func (h *AutoRepliesHandler) ListReplies(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	items, err := h.store.List(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, listRepliesResponse{Items: items})
}

// CreateReply godoc
// @Summary Create an auto reply
// @Description Create a canned reply triggered on first message, after hours, or a keyword
// @Tags auto-replies
// @Param payload body autoreply.Input true "Reply payload"
// @Success 201 {object} autoreply.Reply
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auto-replies [post]
func (h *AutoRepliesHandler) CreateReply(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	var req autoreply.Input
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reply, err := h.store.Create(c.Request().Context(), userID, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("auto reply created",
		slog.String("user_id", userID),
		slog.String("reply_id", reply.ID),
		slog.String("trigger", string(reply.Trigger)))
	return c.JSON(http.StatusCreated, reply)
}

// UpdateReply godoc
// @Summary Update an auto reply
// @Tags auto-replies
// @Param id path string true "Reply ID"
// @Param payload body autoreply.Input true "Reply payload"
// @Success 200 {object} autoreply.Reply
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auto-replies/{id} [put]
func (h *AutoRepliesHandler) UpdateReply(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	var req autoreply.Input
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reply, err := h.store.Update(c.Request().Context(), userID, c.Param("id"), req)
	if err != nil {
		if errors.Is(err, autoreply.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "auto reply not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, reply)
}

// DeleteReply godoc
// @Summary Delete an auto reply
// @Tags auto-replies
// @Param id path string true "Reply ID"
// @Success 204 "No Content"
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /auto-replies/{id} [delete]
func (h *AutoRepliesHandler) DeleteReply(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	if err := h.store.Delete(c.Request().Context(), userID, c.Param("id")); err != nil {
		if errors.Is(err, autoreply.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "auto reply not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
