package server

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/carecloud/agentd/internal/metrics"
	"github.com/carecloud/agentd/pkg/agent"
	"github.com/carecloud/agentd/pkg/classify"
	"github.com/carecloud/agentd/pkg/retrieval"
	"github.com/carecloud/agentd/pkg/store"
)

// Handler handles HTTP requests.
type Handler struct {
	executor    QueryExecutor
	store       *store.Store
	broadcaster *Broadcaster
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewHandler creates a new handler.
func NewHandler(executor QueryExecutor, st *store.Store, broadcaster *Broadcaster, m *metrics.Metrics, logger zerolog.Logger) *Handler {
	if m == nil {
		m = metrics.NewMetrics(nil)
	}
	return &Handler{
		executor:    executor,
		store:       st,
		broadcaster: broadcaster,
		metrics:     m,
		logger:      logger,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/query", h.Query)
	e.GET("/agents/status", h.AgentStatus)
	e.GET("/sessions/:session_id/history", h.SessionHistory)
	e.POST("/sessions/:session_id/abort", h.AbortSession)
	e.GET("/events", h.Events)
	e.GET("/health", h.Health)
}

// queryRequest is the POST /query payload.
type queryRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
	AgentType string `json:"agent_type,omitempty"`
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorResponse(c echo.Context, status int, code, message string) error {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	return c.JSON(status, body)
}

// Query executes one query against the routed agent variant.
func (h *Handler) Query(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, http.StatusBadRequest, "invalid_input", "request body is not valid JSON")
	}

	h.broadcaster.Broadcast("query.accepted", map[string]interface{}{
		"session_id": req.SessionID,
		"agent_type": req.AgentType,
	})

	response, err := h.executor.Execute(c.Request().Context(), agent.Request{
		SessionID: req.SessionID,
		QueryText: req.Query,
		AgentHint: req.AgentType,
	})
	if err != nil {
		return h.mapQueryError(c, err)
	}

	h.metrics.QueriesTotal.WithLabelValues(response.Variant.String(), "success").Inc()
	if response.SessionCreated {
		h.metrics.SessionsTotal.Inc()
	}
	h.metrics.QueryDuration.WithLabelValues(response.Variant.String()).Observe(response.ProcessingTime)
	if response.Degraded {
		h.metrics.QueriesDegraded.Inc()
	}
	for _, call := range response.ToolCalls {
		h.metrics.ToolCallsTotal.WithLabelValues(call.Name).Inc()
	}

	h.broadcaster.Broadcast("query.completed", map[string]interface{}{
		"query_id":        response.QueryID,
		"session_id":      response.SessionID,
		"agent_type":      response.Variant.String(),
		"degraded":        response.Degraded,
		"processing_time": response.ProcessingTime,
	})

	return c.JSON(http.StatusOK, response)
}

func (h *Handler) mapQueryError(c echo.Context, err error) error {
	status, code := http.StatusInternalServerError, "internal"
	message := err.Error()

	switch {
	case errors.Is(err, classify.ErrInvalidInput):
		status, code = http.StatusUnprocessableEntity, "invalid_input"
	case errors.Is(err, store.ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, agent.ErrUpstreamTimeout):
		status, code = http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, agent.ErrToolLoopExceeded):
		code = "tool_loop_exceeded"
	case errors.Is(err, retrieval.ErrRetrieverUnavailable):
		status, code = http.StatusServiceUnavailable, "retriever_unavailable"
	case errors.Is(err, store.ErrDBWriteFailure):
		code = "db_write_failure"
	default:
		h.logger.Error().Err(err).Msg("Query failed")
		message = "query execution failed"
	}

	h.metrics.QueryErrorsTotal.WithLabelValues(code).Inc()
	return errorResponse(c, status, code, message)
}

// AgentStatus reports the known variants and their session counts.
func (h *Handler) AgentStatus(c echo.Context) error {
	ctx := c.Request().Context()

	agents := make([]map[string]interface{}, 0, len(classify.Variants))
	for _, variant := range classify.Variants {
		count, err := h.store.CountSessions(ctx, variant.String())
		if err != nil {
			return errorResponse(c, http.StatusInternalServerError, "internal", "failed to count sessions")
		}
		agents = append(agents, map[string]interface{}{
			"agent_type": variant.String(),
			"sessions":   count,
		})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"agents":  agents,
		"running": h.executor.RunningSessions(),
	})
}

// SessionHistory returns the recent ledger entries for one session.
func (h *Handler) SessionHistory(c echo.Context) error {
	sessionID := c.Param("session_id")

	if _, err := h.store.GetSession(c.Request().Context(), sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errorResponse(c, http.StatusNotFound, "not_found", "session not found")
		}
		return errorResponse(c, http.StatusInternalServerError, "internal", "failed to load session")
	}

	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return errorResponse(c, http.StatusBadRequest, "invalid_input", "limit must be a positive integer")
		}
		limit = parsed
	}

	records, err := h.store.FetchHistory(c.Request().Context(), sessionID, limit)
	if err != nil {
		return errorResponse(c, http.StatusInternalServerError, "internal", "failed to load history")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"session_id": sessionID,
		"queries":    records,
	})
}

// AbortSession cancels the in-flight query for a session, if any.
func (h *Handler) AbortSession(c echo.Context) error {
	sessionID := c.Param("session_id")
	h.executor.Abort(sessionID)

	h.logger.Info().Str("session", sessionID).Msg("Abort requested")
	return c.NoContent(http.StatusAccepted)
}

// Events upgrades to a websocket and streams broadcast events.
func (h *Handler) Events(c echo.Context) error {
	return h.broadcaster.Serve(c.Response(), c.Request())
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "healthy",
	})
}
