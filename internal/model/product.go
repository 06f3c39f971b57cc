package model

// Product carries the ERP reference data the daemon needs per product code.
// Populated by the ERP import job; read-only here.
type Product struct {
	Code              string `gorm:"primaryKey;size:64" json:"code"`
	Description       string `gorm:"size:256" json:"description"`
	IdealCycleSeconds int    `gorm:"not null" json:"ideal_cycle_seconds"`
	CavityCount       int    `gorm:"not null" json:"cavity_count"`
}

// Fallbacks used when a product code has no reference row. Documented
// defaults for the stall thresholds and pieces-per-pulse, not guesses.
const (
	DefaultIdealCycleSeconds = 300
	DefaultCavityCount       = 1
)
