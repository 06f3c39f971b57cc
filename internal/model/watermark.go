package model

import "time"

// SyncState is the singleton watermark row (id=1). LastUpstreamID only moves
// forward, and only after a whole batch has been fanned out.
type SyncState struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	LastUpstreamID int64     `gorm:"not null;default:0" json:"ultimo_mariadb_id"`
	LastSyncAt     time.Time `json:"ultima_sincronizacao"`
}
