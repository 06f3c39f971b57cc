package model

import "time"

// ProductionPulse is one machine cycle attributed to a session. Append-only.
// The (upstream_id, slot) pair is unique so re-processing a batch after a
// crash cannot double-count a cycle.
type ProductionPulse struct {
	ID              int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID       string    `gorm:"size:36;not null;index" json:"sessao_id"`
	UpstreamID      int64     `gorm:"not null;uniqueIndex:idx_pulse_upstream_slot" json:"mariadb_id"`
	Slot            int       `gorm:"not null;uniqueIndex:idx_pulse_upstream_slot" json:"plato"`
	CycleTimestamp  time.Time `gorm:"not null;index" json:"timestamp_ciclo"`
	PieceQty        int       `gorm:"not null" json:"qtd_pecas"`
	IntervalSeconds *int      `json:"intervalo_segundos"` // nil for the first pulse of a session

	Session ProductionSession `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}
