// Package handlers implements the HTTP surface of spec.md §6, grounded on
// the teacher's internal/handlers/deposit_handlers.go gin.H response shape
// and internal/handlers/basic_handlers.go health endpoint.
package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/config"
	"github.com/circle-fin/usdc-flow-tracker/internal/events"
	"github.com/circle-fin/usdc-flow-tracker/internal/models"
	"github.com/circle-fin/usdc-flow-tracker/internal/queue"
	"github.com/circle-fin/usdc-flow-tracker/internal/repository"
	"github.com/circle-fin/usdc-flow-tracker/internal/tracker"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// FlowHandler wires the tracking HTTP surface to its persistence and queue
// collaborators.
type FlowHandler struct {
	flowRepo      repository.FlowRepository
	statusLogRepo repository.StatusLogRepository
	registry      config.ChainRegistry
	worker        *queue.Worker
	bus           *events.Bus
	supervisor    *tracker.Supervisor
}

// NewFlowHandler constructs a FlowHandler.
func NewFlowHandler(flowRepo repository.FlowRepository, statusLogRepo repository.StatusLogRepository, registry config.ChainRegistry, worker *queue.Worker, bus *events.Bus, supervisor *tracker.Supervisor) *FlowHandler {
	return &FlowHandler{flowRepo: flowRepo, statusLogRepo: statusLogRepo, registry: registry, worker: worker, bus: bus, supervisor: supervisor}
}

// trackFlowRequest is the POST /api/track/flow body.
type trackFlowRequest struct {
	FlowType         models.FlowType     `json:"flowType" binding:"required"`
	InitialChain     string              `json:"initialChain" binding:"required"`
	DestinationChain string              `json:"destinationChain" binding:"required"`
	TxHash           string              `json:"txHash"`
	Metadata         models.FlowMetadata `json:"metadata"`
	ChainProgress    models.ChainProgress `json:"chainProgress"`
}

// TrackFlow handles POST /api/track/flow: idempotent on txHash per spec.md
// §8's testable property 5 - two calls with the same txHash return the same
// flow id and enqueue exactly one worker job.
func (h *FlowHandler) TrackFlow(c *gin.Context) {
	var req trackFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	if req.FlowType != models.FlowTypeDeposit && req.FlowType != models.FlowTypePayment {
		c.JSON(http.StatusBadRequest, gin.H{"error": "flowType must be deposit or payment"})
		return
	}
	if _, ok := h.registry.Get(req.InitialChain); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown initialChain", "chain": req.InitialChain})
		return
	}
	if _, ok := h.registry.Get(req.DestinationChain); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown destinationChain", "chain": req.DestinationChain})
		return
	}

	if req.TxHash != "" {
		existing, err := h.flowRepo.GetByTxHash(c.Request.Context(), req.TxHash)
		if err == nil {
			c.JSON(http.StatusOK, existing)
			return
		}
		if !errors.Is(err, repository.ErrFlowNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check existing flow", "details": err.Error()})
			return
		}
	}

	flow := &models.Flow{
		ID:               models.NewFlowID(),
		FlowType:         req.FlowType,
		InitialChain:     req.InitialChain,
		DestinationChain: req.DestinationChain,
		Status:           models.FlowStatusPending,
		Metadata:         req.Metadata,
		ChainProgress:    req.ChainProgress,
	}
	if req.TxHash != "" {
		flow.TxHash = &req.TxHash
	}

	if err := h.flowRepo.Create(c.Request.Context(), flow); err != nil {
		if req.TxHash != "" && isDuplicateKeyErr(err) {
			existing, getErr := h.flowRepo.GetByTxHash(c.Request.Context(), req.TxHash)
			if getErr == nil {
				c.JSON(http.StatusOK, existing)
				return
			}
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create flow", "details": err.Error()})
		return
	}

	if err := h.worker.Enqueue(flow.ID, flow.FlowType); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "flow created but failed to enqueue tracking job", "details": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, flow)
}

// GetFlow handles GET /api/flow/:id.
func (h *FlowHandler) GetFlow(c *gin.Context) {
	flow, err := h.flowRepo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondLookupErr(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

// flowStatusResponse is the GET /api/flow/:id/status shape.
type flowStatusResponse struct {
	ID            string               `json:"id"`
	Status        models.FlowStatus    `json:"status"`
	ChainProgress models.ChainProgress `json:"chainProgress"`
}

// GetFlowStatus handles GET /api/flow/:id/status.
func (h *FlowHandler) GetFlowStatus(c *gin.Context) {
	flow, err := h.flowRepo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondLookupErr(c, err)
		return
	}
	c.JSON(http.StatusOK, flowStatusResponse{ID: flow.ID, Status: flow.Status, ChainProgress: flow.ChainProgress})
}

// GetFlowLogs handles GET /api/flow/:id/logs: StatusLog rows ordered
// ascending, replaying the flow.
func (h *FlowHandler) GetFlowLogs(c *gin.Context) {
	flowID := c.Param("id")
	if _, err := h.flowRepo.GetByID(c.Request.Context(), flowID); err != nil {
		h.respondLookupErr(c, err)
		return
	}
	logs, err := h.statusLogRepo.ListByFlow(c.Request.Context(), flowID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list status logs", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// GetFlowJob handles GET /api/flow/:id/job: the per-flow worker-side job
// state, read from the supervisor's in-memory bookkeeping via the engine's
// running-flow set, since the queue itself holds no per-flow status once a
// job has been dequeued.
func (h *FlowHandler) GetFlowJob(c *gin.Context) {
	flow, err := h.flowRepo.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondLookupErr(c, err)
		return
	}

	active := h.supervisor != nil && h.supervisor.IsActive(flow.ID)
	resp := gin.H{
		"flowId": flow.ID,
		"status": flow.Status,
		"active": active,
	}
	if h.supervisor != nil {
		if stage, timeoutMs, ok := h.supervisor.GetTimeout(flow.ID); ok {
			resp["waitingOnStage"] = stage
			resp["timeoutMs"] = timeoutMs
		}
	}
	c.JSON(http.StatusOK, resp)
}

// appendStageRequest is the POST /api/flow/:id/stage body.
type appendStageRequest struct {
	Chain      models.ChainKey         `json:"chain" binding:"required"`
	Stage      string                  `json:"stage" binding:"required"`
	Status     models.ChainEntryStatus `json:"status"`
	Message    string                  `json:"message"`
	TxHash     string                  `json:"txHash"`
	OccurredAt *time.Time              `json:"occurredAt"`
	Metadata   map[string]string       `json:"metadata"`
	Kind       string                  `json:"kind"`
	Source     models.StageSource      `json:"source"`
}

// AppendStage handles POST /api/flow/:id/stage: a client-sourced stage
// entry. kind=gasless routes to the chain entry's gaslessStages sequence
// instead of its primary stages sequence.
func (h *FlowHandler) AppendStage(c *gin.Context) {
	flowID := c.Param("id")
	var req appendStageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}

	status := req.Status
	if status == "" {
		status = models.ChainEntryConfirmed
	}
	source := req.Source
	if source == "" {
		source = models.StageSourceClient
	}
	occurredAt := time.Now()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	stage := models.Stage{
		Stage:      req.Stage,
		Status:     status,
		Message:    req.Message,
		TxHash:     req.TxHash,
		OccurredAt: occurredAt,
		Source:     source,
		Metadata:   req.Metadata,
	}

	err := h.flowRepo.WithLock(c.Request.Context(), flowID, func(tx *gorm.DB, flow *models.Flow) error {
		entry := flow.ChainProgress.Entry(req.Chain)
		if req.Kind == "gasless" {
			entry.GaslessStages = append(entry.GaslessStages, stage)
		} else {
			entry.Stages = append(entry.Stages, stage)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrFlowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to append stage", "details": err.Error()})
		return
	}

	if err := h.statusLogRepo.Append(c.Request.Context(), &models.StatusLog{
		FlowID:   flowID,
		Stage:    req.Stage,
		ChainKey: req.Chain,
		Source:   source,
		Detail:   models.JSONMap{"status": string(status), "kind": req.Kind},
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stage appended but failed to log", "details": err.Error()})
		return
	}

	h.bus.Publish(events.StatusUpdate{
		FlowID:     flowID,
		Chain:      string(req.Chain),
		Stage:      req.Stage,
		Status:     string(status),
		Message:    req.Message,
		TxHash:     req.TxHash,
		OccurredAt: occurredAt.Format(time.RFC3339),
		Source:     string(source),
	})

	c.Status(http.StatusNoContent)
}

// isDuplicateKeyErr reports whether err represents a unique-constraint
// violation, matched by substring the way the teacher's event processor
// does for its own duplicate-insert races.
func isDuplicateKeyErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "23505")
}

// GetFlowByHash handles GET /api/flow/by-hash/:chain/:hash.
func (h *FlowHandler) GetFlowByHash(c *gin.Context) {
	hash := c.Param("hash")
	flow, err := h.flowRepo.GetByAnyChainHash(c.Request.Context(), hash)
	if err != nil {
		h.respondLookupErr(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

// Health handles GET /api/health.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "usdc-flow-tracker",
	})
}

func (h *FlowHandler) respondLookupErr(c *gin.Context, err error) {
	if errors.Is(err, repository.ErrFlowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load flow", "details": err.Error()})
}
