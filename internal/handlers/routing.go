package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/relaydesk/internal/inbox"
	"github.com/relaydesk/relaydesk/internal/routing"
)

// RoutingHandler manages routing rules and the team/agent directory they
// assign to.
type RoutingHandler struct {
	rules     *routing.RuleStore
	directory *routing.Directory
	logger    *slog.Logger
}

func NewRoutingHandler(log *slog.Logger, rules *routing.RuleStore, directory *routing.Directory) *RoutingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &RoutingHandler{
		rules:     rules,
		directory: directory,
		logger:    log.With(slog.String("handler", "routing")),
	}
}

func (h *RoutingHandler) Register(e *echo.Echo) {
	group := e.Group("/routing")
	group.GET("/rules", h.ListRules)
	group.POST("/rules", h.CreateRule)
	group.PUT("/rules/:id", h.UpdateRule)
	group.DELETE("/rules/:id", h.DeleteRule)
	group.GET("/teams", h.ListTeams)
	group.POST("/teams", h.CreateTeam)
	group.GET("/agents", h.ListAgents)
	group.POST("/agents", h.CreateAgent)
}

type ruleRequest struct {
	Name          string   `json:"name"`
	Priority      int      `json:"priority"`
	Keywords      []string `json:"keywords"`
	MatchCategory string   `json:"match_category"`
	MatchPriority string   `json:"match_priority"`
	SetPriority   string   `json:"set_priority"`
	SetCategory   string   `json:"set_category"`
	AssignTeam    string   `json:"assign_team"`
	AssignAgent   string   `json:"assign_agent"`
	Active        *bool    `json:"active"`
}

func (r ruleRequest) input() routing.RuleInput {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return routing.RuleInput{
		Name:          strings.TrimSpace(r.Name),
		Priority:      r.Priority,
		Keywords:      r.Keywords,
		MatchCategory: inbox.Category(strings.TrimSpace(r.MatchCategory)),
		MatchPriority: inbox.Priority(strings.TrimSpace(r.MatchPriority)),
		SetPriority:   inbox.Priority(strings.TrimSpace(r.SetPriority)),
		SetCategory:   inbox.Category(strings.TrimSpace(r.SetCategory)),
		AssignTeam:    strings.TrimSpace(r.AssignTeam),
		AssignAgent:   strings.TrimSpace(r.AssignAgent),
		Active:        active,
	}
}

type listRulesResponse struct {
	Items []routing.Rule `json:"items"`
}

type listTeamsResponse struct {
	Items []routing.Team `json:"items"`
}

type listAgentsResponse struct {
	Items []routing.Agent `json:"items"`
}

type createTeamRequest struct {
	Name string `json:"name"`
}

type createAgentRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	TeamID string `json:"team_id"`
}

// ListRules godoc
// @Summary List routing rules
// @Tags routing
// @Success 200 {object} listRulesResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /routing/rules [get]
func (h *RoutingHandler) ListRules(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	items, err := h.rules.List(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, listRulesResponse{Items: items})
}

// CreateRule godoc
// @Summary Create a routing rule
// @Tags routing
// @Param payload body ruleRequest true "Rule payload"
// @Success 201 {object} routing.Rule
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /routing/rules [post]
func (h *RoutingHandler) CreateRule(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	var req ruleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	input := req.input()
	if err := input.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rule, err := h.rules.Create(c.Request().Context(), userID, input)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("routing rule created",
		slog.String("user_id", userID),
		slog.String("rule_id", rule.ID))
	return c.JSON(http.StatusCreated, rule)
}

// UpdateRule godoc
// @Summary Update a routing rule
// @Tags routing
// @Param id path string true "Rule ID"
// @Param payload body ruleRequest true "Rule payload"
// @Success 200 {object} routing.Rule
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /routing/rules/{id} [put]
func (h *RoutingHandler) UpdateRule(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	var req ruleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	input := req.input()
	if err := input.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rule, err := h.rules.Update(c.Request().Context(), userID, c.Param("id"), input)
	if err != nil {
		if errors.Is(err, routing.ErrRuleNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "rule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rule)
}

// DeleteRule godoc
// @Summary Delete a routing rule
// @Tags routing
// @Param id path string true "Rule ID"
// @Success 204 "No Content"
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /routing/rules/{id} [delete]
func (h *RoutingHandler) DeleteRule(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	if err := h.rules.Delete(c.Request().Context(), userID, c.Param("id")); err != nil {
		if errors.Is(err, routing.ErrRuleNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "rule not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// ListTeams godoc
// @Summary List teams
// @Tags routing
// @Success 200 {object} listTeamsResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /routing/teams [get]
func (h *RoutingHandler) ListTeams(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	items, err := h.directory.ListTeams(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, listTeamsResponse{Items: items})
}

// CreateTeam godoc
// @Summary Create a team
// @Description Create a team; an existing name returns the existing team
// @Tags routing
// @Param payload body createTeamRequest true "Team payload"
// @Success 200 {object} routing.Team
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /routing/teams [post]
func (h *RoutingHandler) CreateTeam(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	var req createTeamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "team name is required")
	}
	team, err := h.directory.EnsureTeam(c.Request().Context(), userID, name)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, team)
}

// ListAgents godoc
// @Summary List agents
// @Tags routing
// @Success 200 {object} listAgentsResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /routing/agents [get]
func (h *RoutingHandler) ListAgents(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	items, err := h.directory.ListAgents(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, listAgentsResponse{Items: items})
}

// CreateAgent godoc
// @Summary Create an agent
// @Description Create an agent; an existing name updates email and team
// @Tags routing
// @Param payload body createAgentRequest true "Agent payload"
// @Success 200 {object} routing.Agent
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /routing/agents [post]
func (h *RoutingHandler) CreateAgent(c echo.Context) error {
	userID, err := RequireUserID(c)
	if err != nil {
		return err
	}
	var req createAgentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent name is required")
	}
	agent, err := h.directory.EnsureAgent(c.Request().Context(), userID, name, strings.TrimSpace(req.Email), strings.TrimSpace(req.TeamID))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, agent)
}
