package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kshalu/fraudscope/internal/audit"
	"github.com/kshalu/fraudscope/internal/policy"
	"github.com/kshalu/fraudscope/internal/transaction"
)

// Handler exposes scoring, replay and stats over HTTP.
type Handler struct {
	orch  *Orchestrator
	store audit.Store
}

func NewHandler(orch *Orchestrator, store audit.Store) *Handler {
	return &Handler{orch: orch, store: store}
}

// RegisterRoutes sets up pipeline routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/score", h.Score)
	r.POST("/replay", h.Replay)
	r.GET("/stats", h.Stats)
}

// Score handles POST /v1/score
func (h *Handler) Score(c *gin.Context) {
	var tx transaction.Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid JSON body: " + err.Error(),
		})
		return
	}

	res, err := h.orch.Score(c.Request.Context(), &tx)
	if err != nil {
		kind := KindOf(err)
		c.JSON(statusFor(kind), gin.H{
			"error":   string(kind),
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

type replayRequest struct {
	RecordID      string             `json:"recordId"`
	TransactionID string             `json:"transactionId"`
	Thresholds    *policy.Thresholds `json:"thresholds"`
}

// Replay handles POST /v1/replay
func (h *Handler) Replay(c *gin.Context) {
	var req replayRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.RecordID == "" && req.TransactionID == "") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "recordId or transactionId is required",
		})
		return
	}

	var pol *policy.Policy
	if req.Thresholds != nil {
		current := h.orch.Policy()
		p, err := policy.New(current.Version, *req.Thresholds)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_thresholds",
				"message": err.Error(),
			})
			return
		}
		pol = p
	}

	rec, err := h.load(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Audit record not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, h.orch.Replay(rec, pol))
}

func (h *Handler) load(ctx context.Context, req replayRequest) (*audit.Record, error) {
	if req.RecordID != "" {
		return h.store.Get(ctx, req.RecordID)
	}
	return h.store.FindByTransaction(ctx, req.TransactionID)
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orch.Stats().Snapshot())
}

func statusFor(kind Kind) int {
	switch kind {
	case KindInvalidTransaction:
		return http.StatusUnprocessableEntity
	case KindAuditWriteFailure:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
