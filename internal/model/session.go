package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session status values.
const (
	SessionInProgress = "in_progress"
	SessionFinished   = "finished"
)

// ProductionSession is one operator-run production window on a machine slot.
// At most one in_progress session may exist per (machine_id, slot).
type ProductionSession struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	MachineID   int64      `gorm:"index;not null" json:"maquina_id"`
	ProductCode string     `gorm:"size:64;not null" json:"produto_codigo"`
	Slot        int        `gorm:"not null;default:1" json:"plato"`
	OperatorID  string     `gorm:"size:32;not null" json:"operador_matricula"`
	Status      string     `gorm:"size:16;not null;index" json:"status"`
	StartedAt   time.Time  `gorm:"not null" json:"inicio_sessao"`
	EndedAt     *time.Time `json:"fim_sessao"`
	ProducedQty int        `gorm:"not null;default:0" json:"qtd_produzida"`
	ScrapQty    int        `gorm:"not null;default:0" json:"total_refugo"`
	CreatedAt   time.Time  `json:"-"`
	UpdatedAt   time.Time  `json:"-"`

	Machine Machine `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// BeforeCreate assigns the session id when the caller did not.
func (s *ProductionSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}
