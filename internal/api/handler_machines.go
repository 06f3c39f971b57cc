package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"prensa-sync-backend/internal/model"
)

// machineBoardEntry is the operator UI's view of one machine.
type machineBoardEntry struct {
	model.Machine
	Sessions      []model.ProductionSession `json:"sessions"`
	OpenStoppages []model.Stoppage          `json:"open_stoppages"`
}

// GetMachineBoard handles GET /api/machines: every active machine with its
// in-progress sessions and open stoppages.
func GetMachineBoard(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var machines []model.Machine
		if err := db.Where("active = ?", true).Order("external_code").Find(&machines).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve machines"})
			return
		}

		machineIDs := make([]int64, len(machines))
		for i, m := range machines {
			machineIDs[i] = m.ID
		}

		var sessions []model.ProductionSession
		if err := db.Where("machine_id IN ? AND status = ?", machineIDs, model.SessionInProgress).
			Find(&sessions).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve sessions"})
			return
		}

		var stoppages []model.Stoppage
		if err := db.Where("machine_id IN ? AND ended_at IS NULL", machineIDs).
			Find(&stoppages).Error; err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve stoppages"})
			return
		}

		sessionMap := make(map[int64][]model.ProductionSession)
		for _, s := range sessions {
			sessionMap[s.MachineID] = append(sessionMap[s.MachineID], s)
		}
		stoppageMap := make(map[int64][]model.Stoppage)
		for _, p := range stoppages {
			stoppageMap[p.MachineID] = append(stoppageMap[p.MachineID], p)
		}

		response := make([]machineBoardEntry, 0, len(machines))
		for _, machine := range machines {
			response = append(response, machineBoardEntry{
				Machine:       machine,
				Sessions:      sessionMap[machine.ID],
				OpenStoppages: stoppageMap[machine.ID],
			})
		}
		c.JSON(http.StatusOK, response)
	}
}
