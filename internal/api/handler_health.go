package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"prensa-sync-backend/internal/model"
)

// GetHealth handles GET /api/health: the daemon's watermark position and
// last successful sync time, for monitoring a silently failing daemon.
func (h *Handler) GetHealth(c *gin.Context) {
	var state model.SyncState
	err := h.store.DB().WithContext(c.Request.Context()).First(&state, 1).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"watermark":    state.LastUpstreamID,
		"last_sync_at": state.LastSyncAt,
	})
}
