package model

import "time"

// Machine represents one press on the shop floor. Owned by administrative
// configuration; the daemon only reads it.
type Machine struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	ExternalCode string    `gorm:"uniqueIndex;size:32;not null" json:"external_code"` // num_maq in the upstream PLC table
	Name         string    `gorm:"size:128" json:"name"`
	Active       bool      `gorm:"not null;default:true" json:"active"`
	SlotCount    int       `gorm:"not null;default:1" json:"slot_count"`
	CreatedAt    time.Time `json:"-"`
	UpdatedAt    time.Time `json:"-"`
}
