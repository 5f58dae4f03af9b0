package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/almond-mart/almond-trainer/internal/logging"
	"github.com/almond-mart/almond-trainer/internal/storage"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready  bool   `json:"ready"`
	Reason string `json:"reason,omitempty"`
}

// ListRunsQuery defines query parameters for listing runs
type ListRunsQuery struct {
	State string `form:"state"` // comma separated
	Limit int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// ListRunsResponse is the run listing
type ListRunsResponse struct {
	Runs  []*models.Run `json:"runs"`
	Count int           `json:"count"`
}

// RunResponse is one run with its state history
type RunResponse struct {
	Run         *models.Run          `json:"run"`
	Transitions []storage.Transition `json:"transitions"`
}

// ListOffersQuery defines query parameters for listing offers
type ListOffersQuery struct {
	GPUModel  string  `form:"gpu_model"`
	MinUptime float64 `form:"min_uptime" binding:"omitempty,min=0,max=1"`
	Limit     int     `form:"limit" binding:"omitempty,min=1,max=100"`
}

// OfferResponse is one matching offering priced for the requirement
type OfferResponse struct {
	NodeID   string  `json:"node_id"`
	GPUModel string  `json:"gpu_model"`
	Cost     float64 `json:"cost"`
	Uptime   float64 `json:"uptime"`
	Ports    []int   `json:"ports"`
	Location string  `json:"location,omitempty"`
}

// ListOffersResponse is the offer listing, cheapest first
type ListOffersResponse struct {
	Requirement models.ResourceRequirement `json:"requirement"`
	Offers      []OfferResponse            `json:"offers"`
	Count       int                        `json:"count"`
}

// BalanceResponse is the account balance with the hours it covers
type BalanceResponse struct {
	Balance      float64 `json:"balance"`
	HourlyCost   float64 `json:"hourly_cost"`
	RuntimeHours float64 `json:"runtime_hours"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	// The ledger is the only local dependency
	if _, err := s.runs.List(c.Request.Context(), storage.RunFilter{Limit: 1}); err != nil {
		response.Status = "degraded"
		response.Services["database"] = "error"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	response.Services["database"] = "ok"

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.IsReady() {
		c.JSON(http.StatusServiceUnavailable, ReadyResponse{Ready: false, Reason: "server is not ready"})
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{Ready: true})
}

func (s *Server) handleListRuns(c *gin.Context) {
	var query ListRunsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		s.badRequest(c, sanitizeValidationError(err))
		return
	}

	filter := storage.RunFilter{Limit: query.Limit}
	if query.Limit == 0 {
		filter.Limit = 50
	}
	if query.State != "" {
		states, err := parseStates(query.State)
		if err != nil {
			s.badRequest(c, err.Error())
			return
		}
		filter.States = states
	}

	runs, err := s.runs.List(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, "failed to list runs", err)
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}

	c.JSON(http.StatusOK, ListRunsResponse{Runs: runs, Count: len(runs)})
}

func (s *Server) handleGetRun(c *gin.Context) {
	ctx := c.Request.Context()
	runID := c.Param("id")

	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:     "run not found",
				RequestID: c.GetString("request_id"),
			})
			return
		}
		s.internalError(c, "failed to get run", err)
		return
	}

	transitions, err := s.runs.Transitions(ctx, runID)
	if err != nil {
		s.internalError(c, "failed to get run transitions", err)
		return
	}
	if transitions == nil {
		transitions = []storage.Transition{}
	}

	c.JSON(http.StatusOK, RunResponse{Run: run, Transitions: transitions})
}

func (s *Server) handleListOffers(c *gin.Context) {
	if s.offers == nil {
		s.notConfigured(c, "offers")
		return
	}

	var query ListOffersQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		s.badRequest(c, sanitizeValidationError(err))
		return
	}

	req := s.requirement
	if query.GPUModel != "" {
		req.GPUModel = query.GPUModel
	}
	if query.MinUptime > 0 {
		req.MinUptime = query.MinUptime
	}

	ranked, err := s.offers.Rank(c.Request.Context(), req)
	if err != nil {
		s.upstreamError(c, "failed to list offers", err)
		return
	}
	if query.Limit > 0 && len(ranked) > query.Limit {
		ranked = ranked[:query.Limit]
	}

	offers := make([]OfferResponse, 0, len(ranked))
	for _, r := range ranked {
		offers = append(offers, OfferResponse{
			NodeID:   r.Offering.NodeID,
			GPUModel: req.GPUModel,
			Cost:     r.Cost,
			Uptime:   r.Offering.Uptime,
			Ports:    r.Offering.Ports,
			Location: r.Offering.Location,
		})
	}

	c.JSON(http.StatusOK, ListOffersResponse{Requirement: req, Offers: offers, Count: len(offers)})
}

func (s *Server) handleBalance(c *gin.Context) {
	if s.balance == nil {
		s.notConfigured(c, "balance")
		return
	}

	bal, err := s.balance.Balance(c.Request.Context())
	if err != nil {
		s.upstreamError(c, "failed to get balance", err)
		return
	}

	c.JSON(http.StatusOK, BalanceResponse{
		Balance:      bal.Balance,
		HourlyCost:   bal.HourlyCost,
		RuntimeHours: bal.Runtime(),
	})
}

// Helpers

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) notConfigured(c *gin.Context, feature string) {
	c.JSON(http.StatusNotImplemented, ErrorResponse{
		Error:     feature + " endpoint is not enabled",
		RequestID: c.GetString("request_id"),
	})
}

// internalError logs err and returns a generic message so driver errors do
// not reach clients
func (s *Server) internalError(c *gin.Context, msg string, err error) {
	logging.Error(c.Request.Context(), msg, "error", err)
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}

func (s *Server) upstreamError(c *gin.Context, msg string, err error) {
	logging.Warn(c.Request.Context(), msg, "error", err)
	c.JSON(http.StatusBadGateway, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}

var knownStates = map[models.RunState]bool{
	models.RunSelecting:       true,
	models.RunDeploying:       true,
	models.RunAwaitingRunning: true,
	models.RunReady:           true,
	models.RunGPUCheckFailed:  true,
	models.RunRebooting:       true,
	models.RunSettingUp:       true,
	models.RunSetupComplete:   true,
	models.RunFailed:          true,
	models.RunStopped:         true,
}

// parseStates splits a comma separated state list, rejecting unknown names
func parseStates(raw string) ([]models.RunState, error) {
	var states []models.RunState
	for _, part := range strings.Split(raw, ",") {
		st := models.RunState(strings.TrimSpace(part))
		if st == "" {
			continue
		}
		if !knownStates[st] {
			return nil, fmt.Errorf("unknown run state %q", st)
		}
		states = append(states, st)
	}
	return states, nil
}

// sanitizeValidationError converts struct field names to query parameter
// names in validation error messages
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return "invalid query parameters"
	}

	var messages []string
	for _, fe := range validationErrs {
		name := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", name))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", name, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", name, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", name, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

// toSnakeCase converts a PascalCase field name to snake_case
func toSnakeCase(s string) string {
	fieldMappings := map[string]string{
		"GPUModel":  "gpu_model",
		"MinUptime": "min_uptime",
	}
	if mapped, ok := fieldMappings[s]; ok {
		return mapped
	}

	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
