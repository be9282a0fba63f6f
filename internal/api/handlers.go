// Package api is the HTTP front-end of the dispatch engine.
package api

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/acd-dev/acd/internal/dispatch"
	"github.com/acd-dev/acd/internal/domain"
	"github.com/acd-dev/acd/internal/store"
	"github.com/acd-dev/acd/pkg/config"
)

// Handlers holds the dependencies of the HTTP endpoints.
type Handlers struct {
	cfg        *config.Config
	store      *store.Store
	dispatcher *dispatch.Dispatcher
}

// NewHandlers creates the endpoint set.
func NewHandlers(cfg *config.Config, st *store.Store, d *dispatch.Dispatcher) *Handlers {
	return &Handlers{cfg: cfg, store: st, dispatcher: d}
}

// RegisterRoutes attaches all endpoints to the engine.
func (h *Handlers) RegisterRoutes(r *gin.Engine) {
	r.POST("/calls", h.createCall)
	r.DELETE("/calls/:id", h.cancelCall)
	r.GET("/calls/:id", h.getCall)

	r.POST("/agents", h.createAgent)
	r.GET("/agents", h.listAgents)
	r.GET("/agents/available", h.listAvailableAgents)
	r.GET("/agents/:id", h.getAgent)
	r.PUT("/agents/:id/status", h.updateAgentStatus)

	r.GET("/system/status", h.systemStatus)
	r.GET("/system/metrics", h.systemMetrics)
	r.GET("/health", h.health)

	r.POST("/webhook", h.receiveWebhook)
}

type createCallRequest struct {
	PhoneNumber string `json:"phone_number" binding:"required"`
	CallType    string `json:"call_type" binding:"required"`
}

type assignmentResponse struct {
	Success          bool    `json:"success"`
	AssignmentID     string  `json:"assignment_id,omitempty"`
	AgentID          string  `json:"agent_id,omitempty"`
	CallID           string  `json:"call_id"`
	AssignmentTimeMs float64 `json:"assignment_time_ms"`
	Message          string  `json:"message"`
}

// createCall registers a new call and attempts immediate assignment.
func (h *Handlers) createCall(c *gin.Context) {
	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !slices.Contains(h.cfg.CallTypes, req.CallType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("invalid call_type, must be one of %v", h.cfg.CallTypes),
		})
		return
	}

	call := domain.NewCall(req.PhoneNumber, req.CallType)
	result, err := h.dispatcher.Dispatch(c.Request.Context(), call)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := assignmentResponse{
		Success:          result.Success,
		CallID:           call.ID,
		AssignmentTimeMs: result.AssignmentTimeMs,
		Message:          result.Message,
	}
	if result.Assignment != nil {
		resp.AssignmentID = result.Assignment.ID
	}
	if result.Agent != nil {
		resp.AgentID = result.Agent.ID
	}
	c.JSON(http.StatusCreated, resp)
}

// cancelCall abandons an in-flight call.
func (h *Handlers) cancelCall(c *gin.Context) {
	callID := c.Param("id")
	if err := h.dispatcher.Abandon(c.Request.Context(), callID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("call %s cancelled successfully", callID)})
}

type callResponse struct {
	ID                  string   `json:"id"`
	PhoneNumber         string   `json:"phone_number"`
	CallType            string   `json:"call_type"`
	Status              string   `json:"status"`
	AssignedAgentID     string   `json:"assigned_agent_id,omitempty"`
	QualificationResult string   `json:"qualification_result"`
	CreatedAt           string   `json:"created_at"`
	AssignedAt          *string  `json:"assigned_at"`
	CompletedAt         *string  `json:"completed_at"`
	DurationSeconds     float64  `json:"duration_seconds"`
	WaitTimeSeconds     *float64 `json:"wait_time_seconds"`
}

func (h *Handlers) getCall(c *gin.Context) {
	call, err := h.store.GetCall(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("call %s not found", c.Param("id"))})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := callResponse{
		ID:                  call.ID,
		PhoneNumber:         call.PhoneNumber,
		CallType:            call.CallType,
		Status:              string(call.Status),
		AssignedAgentID:     call.AssignedAgentID,
		QualificationResult: string(call.Qualification),
		CreatedAt:           call.CreatedAt.Format(time.RFC3339),
		AssignedAt:          formatTime(call.AssignedAt),
		CompletedAt:         formatTime(call.CompletedAt),
		DurationSeconds:     call.DurationSeconds,
	}
	if wait := call.WaitSeconds(); wait >= 0 {
		resp.WaitTimeSeconds = &wait
	}
	c.JSON(http.StatusOK, resp)
}

type createAgentRequest struct {
	Name      string `json:"name" binding:"required"`
	AgentType string `json:"agent_type" binding:"required"`
}

type updateAgentStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type agentResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	AgentType       string  `json:"agent_type"`
	Status          string  `json:"status"`
	LastCallEndTime *string `json:"last_call_end_time"`
	CurrentCallID   string  `json:"current_call_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
	IdleTimeSeconds float64 `json:"idle_time_seconds"`
}

func agentToResponse(a *domain.Agent) agentResponse {
	return agentResponse{
		ID:              a.ID,
		Name:            a.Name,
		AgentType:       a.AgentType,
		Status:          string(a.Status),
		LastCallEndTime: formatTime(a.LastCallEndTime),
		CurrentCallID:   a.CurrentCallID,
		CreatedAt:       a.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       a.UpdatedAt.Format(time.RFC3339),
		IdleTimeSeconds: a.IdleSeconds(),
	}
}

// createAgent registers a new agent. New agents start OFFLINE and enter
// service via the status endpoint.
func (h *Handlers) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !slices.Contains(h.cfg.AgentTypes, req.AgentType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("invalid agent_type, must be one of %v", h.cfg.AgentTypes),
		})
		return
	}

	agent := domain.NewAgent(req.Name, req.AgentType, domain.AgentOffline)
	if err := h.store.PutAgent(c.Request.Context(), agent); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, agentToResponse(agent))
}

func (h *Handlers) listAgents(c *gin.Context) {
	ctx := c.Request.Context()
	ids, err := h.store.Cache().AgentIDs(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]agentResponse, 0, len(ids))
	for _, id := range ids {
		a, err := h.store.GetAgent(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, agentToResponse(a))
	}
	c.JSON(http.StatusOK, out)
}

// listAvailableAgents returns the availability index in longest-idle
// order.
func (h *Handlers) listAvailableAgents(c *gin.Context) {
	ctx := c.Request.Context()
	ids, err := h.store.Cache().AvailableAgents(ctx, 0)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]agentResponse, 0, len(ids))
	for _, id := range ids {
		a, err := h.store.GetAgent(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, agentToResponse(a))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handlers) getAgent(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("agent %s not found", c.Param("id"))})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, agentToResponse(agent))
}

func (h *Handlers) updateAgentStatus(c *gin.Context) {
	var req updateAgentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("agent %s not found", c.Param("id"))})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	previous := agent.Status
	switch domain.AgentStatus(req.Status) {
	case domain.AgentAvailable:
		err = agent.SetAvailable()
	case domain.AgentPaused:
		err = agent.SetPaused()
	case domain.AgentOffline:
		err = agent.SetOffline()
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "invalid status, must be one of AVAILABLE, PAUSED, OFFLINE",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	// Conditional on the status we read, so a concurrent bind is not
	// overwritten by this update.
	ok, err := h.store.PutAgentIfStatus(c.Request.Context(), agent, previous)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("agent %s was modified concurrently, retry", agent.ID),
		})
		return
	}
	c.JSON(http.StatusOK, agentToResponse(agent))
}

func (h *Handlers) systemStatus(c *gin.Context) {
	status, err := h.dispatcher.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	agents := gin.H{"total": status.TotalAgents}
	for s, n := range status.AgentsByStatus {
		agents[string(s)] = n
	}

	c.JSON(http.StatusOK, gin.H{
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"agents":             agents,
		"available_agents":   status.AvailableAgents,
		"active_assignments": status.ActiveAssignments,
		"metrics":            status.Metrics,
		"system_health": gin.H{
			"redis_connected":    status.RedisHealthy,
			"database_connected": status.DatabaseHealthy,
			"webhook_reachable":  status.WebhookHealthy,
		},
	})
}

func (h *Handlers) systemMetrics(c *gin.Context) {
	metrics, err := h.store.Cache().AllMetrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"metrics":   metrics,
	})
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"redis_connected": h.store.Cache().Ping(c.Request.Context()) == nil,
	})
}

// receiveWebhook is a local sink for engine events, used when testing
// end to end without an external consumer.
func (h *Handlers) receiveWebhook(c *gin.Context) {
	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	eventType, _ := payload["event_type"].(string)
	if eventType == "" {
		eventType = "unknown"
	}
	log.Printf("received webhook: %s", eventType)
	c.JSON(http.StatusOK, gin.H{
		"status":    "received",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}
