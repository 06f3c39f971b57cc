package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"prensa-sync-backend/internal/model"
	"prensa-sync-backend/internal/store"
)

type startSessionRequest struct {
	MaquinaID         int64  `json:"maquina_id" binding:"required"`
	ProdutoCodigo     string `json:"produto_codigo" binding:"required"`
	Plato             int    `json:"plato"`
	OperadorMatricula string `json:"operador_matricula" binding:"required"`
}

// StartSession handles POST /api/sessions. Starting a session on a machine
// with an unresolved phantom-production alert absorbs the orphaned pulse
// window: the session is backdated to one ideal cycle before the alert's
// upstream timestamp and the alert is resolved.
func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "campos obrigatórios: maquina_id, produto_codigo, operador_matricula"})
		return
	}
	if req.Plato <= 0 {
		req.Plato = 1
	}

	ctx := c.Request.Context()
	startedAt := time.Now().UTC()
	var resolveAlertID *int64

	alert, err := h.store.UnresolvedPhantomAlert(ctx, req.MaquinaID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if alert != nil && !alert.Metadata.UpstreamTimestamp.IsZero() {
		product, err := h.store.ProductInfo(ctx, req.ProdutoCodigo)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// Envelop the whole orphaned pulse, not just its instant.
		startedAt = alert.Metadata.UpstreamTimestamp.
			Add(-time.Duration(product.IdealCycleSeconds) * time.Second)
		resolveAlertID = &alert.ID
	}

	sess := model.ProductionSession{
		MachineID:   req.MaquinaID,
		ProductCode: req.ProdutoCodigo,
		Slot:        req.Plato,
		OperatorID:  req.OperadorMatricula,
		StartedAt:   startedAt,
	}

	if err := h.store.BeginSession(ctx, &sess, resolveAlertID); err != nil {
		if errors.Is(err, store.ErrSessionActive) {
			c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("Plato %d já possui sessão ativa", req.Plato)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": sess})
}

type finalizeSessionRequest struct {
	SessaoID    string `json:"sessao_id" binding:"required"`
	TotalRefugo int    `json:"total_refugo"`
}

// FinalizeSession handles PATCH /api/sessions. A session whose pulses sum to
// zero pieces is removed entirely (zero-production cancellation); otherwise
// it is finished at its last pulse and queued for ERP export.
func (h *Handler) FinalizeSession(c *gin.Context) {
	var req finalizeSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "campo obrigatório: sessao_id"})
		return
	}

	outcome, err := h.store.FinalizeSession(c.Request.Context(), req.SessaoID, req.TotalRefugo, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "sessão não encontrada ou já finalizada"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if outcome.Deleted {
		c.JSON(http.StatusOK, gin.H{"data": gin.H{"deleted": true, "reason": "zero_production"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": outcome.Session})
}
