package model

import "time"

// AlertPhantomProduction marks pulses seen on a machine with no active session.
const AlertPhantomProduction = "phantom_production"

// AlertMetadata is the structured payload stored with an alert.
type AlertMetadata struct {
	UpstreamTimestamp time.Time `json:"upstream_timestamp"`
}

// Alert is an operator-facing condition raised by the sync daemon. At most
// one unresolved alert of a given type exists per machine.
type Alert struct {
	ID        int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	MachineID int64         `gorm:"index;not null" json:"maquina_id"`
	Type      string        `gorm:"size:32;not null" json:"tipo"`
	Resolved  bool          `gorm:"not null;default:false" json:"resolvido"`
	Metadata  AlertMetadata `gorm:"serializer:json" json:"metadata"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"-"`
}
