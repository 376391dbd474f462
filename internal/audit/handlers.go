package audit

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kshalu/fraudscope/internal/validation"
)

// Handler exposes read-only audit endpoints.
type Handler struct {
	store    Store
	verifier *Verifier
	streams  int
}

func NewHandler(store Store, verifier *Verifier, streams int) *Handler {
	return &Handler{store: store, verifier: verifier, streams: streams}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/records/:id", h.GetRecord)
	r.GET("/audit/transactions/:id", h.GetByTransaction)
	r.GET("/audit/streams/:stream", h.ListStream)
	r.GET("/audit/:stream/verify", h.VerifyStream)
}

// GetRecord handles GET /v1/audit/records/:id
func (h *Handler) GetRecord(c *gin.Context) {
	rec, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// GetByTransaction handles GET /v1/audit/transactions/:id
func (h *Handler) GetByTransaction(c *gin.Context) {
	rec, err := h.store.FindByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// ListStream handles GET /v1/audit/streams/:stream?after=N&limit=M
func (h *Handler) ListStream(c *gin.Context) {
	stream, ok := h.parseStream(c)
	if !ok {
		return
	}
	after, _ := strconv.ParseInt(c.Query("after"), 10, 64)
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 1000)
		}
	}

	records, err := h.store.List(c.Request.Context(), stream, after, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"records": records,
		"count":   len(records),
	})
}

// VerifyStream handles GET /v1/audit/:stream/verify
func (h *Handler) VerifyStream(c *gin.Context) {
	stream, ok := h.parseStream(c)
	if !ok {
		return
	}
	report, err := h.verifier.VerifyStream(c.Request.Context(), h.store, stream, 500)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func (h *Handler) parseStream(c *gin.Context) (int, bool) {
	stream, ok := validation.StreamParam(c, h.streams)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_stream",
			"message": "stream must be between 0 and " + strconv.Itoa(h.streams-1),
		})
		return 0, false
	}
	return stream, true
}

func (h *Handler) writeError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
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
}
