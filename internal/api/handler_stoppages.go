package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"prensa-sync-backend/internal/model"
)

// GetStoppageReasons handles GET /api/stoppages/reasons.
func (h *Handler) GetStoppageReasons(c *gin.Context) {
	reasons, err := h.store.StoppageReasons(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": reasons})
}

type justifyStoppageRequest struct {
	MotivoID      int64  `json:"motivo_id" binding:"required"`
	Classificacao string `json:"classificacao"`
}

// JustifyStoppage handles PATCH /api/stoppages/:id: the operator picks a
// reason for a detected stop.
func (h *Handler) JustifyStoppage(c *gin.Context) {
	stoppageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id de parada inválido"})
		return
	}

	var req justifyStoppageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "campo obrigatório: motivo_id"})
		return
	}

	classification := req.Classificacao
	if classification != model.StoppagePlanned && classification != model.StoppageUnplanned {
		classification = model.StoppageUnplanned
	}

	err = h.store.JustifyStoppage(c.Request.Context(), stoppageID, req.MotivoID, classification)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "parada não encontrada"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
