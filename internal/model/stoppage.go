package model

import "time"

// Stoppage classification values.
const (
	StoppagePlanned   = "planned"
	StoppageUnplanned = "unplanned"
)

// Stoppage is one stopped interval on a machine. SessionID is nil for orphan
// stoppages covering time with no active session. An open stoppage has
// EndedAt nil; at most one may be open per session, and per machine for
// orphan rows.
type Stoppage struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	MachineID      int64      `gorm:"index;not null" json:"maquina_id"`
	SessionID      *string    `gorm:"size:36;index" json:"sessao_id"`
	StartedAt      time.Time  `gorm:"not null" json:"inicio_parada"`
	EndedAt        *time.Time `json:"fim_parada"`
	ReasonID       *int64     `json:"motivo_id"`
	Justified      bool       `gorm:"not null;default:false" json:"justificada"`
	Classification string     `gorm:"size:16;not null" json:"classificacao"`
	CreatedAt      time.Time  `json:"-"`
	UpdatedAt      time.Time  `json:"-"`
}

// StoppageReason is a catalog entry operators pick from when justifying a
// stop. Owned by administrative configuration.
type StoppageReason struct {
	ID             int64  `gorm:"primaryKey" json:"id"`
	Description    string `gorm:"size:256;not null" json:"descricao"`
	Classification string `gorm:"size:16;not null" json:"classificacao"`
	Active         bool   `gorm:"not null;default:true" json:"active"`
}
