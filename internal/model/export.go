package model

import "time"

// Export queue status values.
const (
	ExportPending = "pendente"
)

// ExportRecord queues a finished session for the downstream ERP import job.
// This core only enqueues; the importer owns the rest of the lifecycle.
type ExportRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID string    `gorm:"size:36;not null;index" json:"sessao_id"`
	ItemCode  string    `gorm:"size:64;not null" json:"item_codigo"`
	TotalQty  int       `gorm:"not null" json:"quantidade_total"`
	Status    string    `gorm:"size:16;not null" json:"status_importacao"`
	CreatedAt time.Time `json:"created_at"`
}
