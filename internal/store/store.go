package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"prensa-sync-backend/internal/model"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrSessionActive is returned when a slot already has an in_progress session.
	ErrSessionActive = errors.New("slot already has an active session")
	// ErrSessionNotFound is returned when a session id does not resolve.
	ErrSessionNotFound = errors.New("session not found")
)

// FinalizeOutcome reports what finalizing a session did.
type FinalizeOutcome struct {
	// Deleted is true when the session produced nothing and was removed
	// entirely (zero-production cancellation).
	Deleted bool
	Session *model.ProductionSession
}

// Store defines the interface for all database operations.
type Store interface {
	DB() *gorm.DB

	// Watermark protocol.
	Watermark(ctx context.Context) (int64, error)
	AdvanceWatermark(ctx context.Context, id int64, syncedAt time.Time) error

	// Reference data.
	MachineByCode(ctx context.Context, externalCode string) (*model.Machine, error)
	ProductInfo(ctx context.Context, code string) (model.Product, error)

	// Sessions.
	ActiveSessions(ctx context.Context) ([]model.ProductionSession, error)
	ActiveSessionsForMachine(ctx context.Context, machineID int64) ([]model.ProductionSession, error)
	BeginSession(ctx context.Context, sess *model.ProductionSession, resolveAlertID *int64) error
	FinalizeSession(ctx context.Context, sessionID string, scrapQty int, now time.Time) (*FinalizeOutcome, error)
	ForceFinishSession(ctx context.Context, sessionID string, now time.Time) error

	// Pulses.
	LastPulse(ctx context.Context, sessionID string) (*model.ProductionPulse, error)
	RecordPulse(ctx context.Context, pulse *model.ProductionPulse) (bool, error)

	// Stoppages.
	OpenStoppageForSession(ctx context.Context, sessionID string) (*model.Stoppage, error)
	CreateStoppage(ctx context.Context, stoppage *model.Stoppage) error
	EnsureOrphanStoppage(ctx context.Context, machineID int64, startedAt time.Time) error
	JustifyStoppage(ctx context.Context, stoppageID int64, reasonID int64, classification string) error
	StoppageReasons(ctx context.Context) ([]model.StoppageReason, error)

	// Alerts.
	EnsurePhantomAlert(ctx context.Context, machineID int64, upstreamTS time.Time) (bool, error)
	UnresolvedPhantomAlert(ctx context.Context, machineID int64) (*model.Alert, error)
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-backed store.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// Watermark returns the last fully processed upstream id, creating the
// singleton row at 0 on first use.
func (s *gormStore) Watermark(ctx context.Context) (int64, error) {
	var state model.SyncState
	err := s.db.WithContext(ctx).First(&state, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = model.SyncState{ID: 1, LastUpstreamID: 0}
		if err := s.db.WithContext(ctx).Create(&state).Error; err != nil {
			return 0, fmt.Errorf("failed to create sync state: %w", err)
		}
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sync state: %w", err)
	}
	return state.LastUpstreamID, nil
}

// AdvanceWatermark persists a new high-water mark. The guard keeps the
// watermark monotonic even if two daemon instances race.
func (s *gormStore) AdvanceWatermark(ctx context.Context, id int64, syncedAt time.Time) error {
	err := s.db.WithContext(ctx).Model(&model.SyncState{}).
		Where("id = ? AND last_upstream_id < ?", 1, id).
		Updates(map[string]any{"last_upstream_id": id, "last_sync_at": syncedAt}).Error
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

func (s *gormStore) MachineByCode(ctx context.Context, externalCode string) (*model.Machine, error) {
	var machine model.Machine
	err := s.db.WithContext(ctx).Where("external_code = ?", externalCode).First(&machine).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up machine %q: %w", externalCode, err)
	}
	return &machine, nil
}

// ProductInfo returns the ERP reference row for a product, falling back to
// the documented defaults when the code is unknown.
func (s *gormStore) ProductInfo(ctx context.Context, code string) (model.Product, error) {
	var product model.Product
	err := s.db.WithContext(ctx).Where("code = ?", code).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Product{
			Code:              code,
			IdealCycleSeconds: model.DefaultIdealCycleSeconds,
			CavityCount:       model.DefaultCavityCount,
		}, nil
	}
	if err != nil {
		return model.Product{}, fmt.Errorf("failed to look up product %q: %w", code, err)
	}
	if product.IdealCycleSeconds <= 0 {
		product.IdealCycleSeconds = model.DefaultIdealCycleSeconds
	}
	if product.CavityCount <= 0 {
		product.CavityCount = model.DefaultCavityCount
	}
	return product, nil
}

func (s *gormStore) ActiveSessions(ctx context.Context) ([]model.ProductionSession, error) {
	var sessions []model.ProductionSession
	err := s.db.WithContext(ctx).
		Where("status = ?", model.SessionInProgress).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active sessions: %w", err)
	}
	return sessions, nil
}

func (s *gormStore) ActiveSessionsForMachine(ctx context.Context, machineID int64) ([]model.ProductionSession, error) {
	var sessions []model.ProductionSession
	err := s.db.WithContext(ctx).
		Where("machine_id = ? AND status = ?", machineID, model.SessionInProgress).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active sessions for machine %d: %w", machineID, err)
	}
	return sessions, nil
}

// BeginSession inserts a new in_progress session and performs the start-side
// reconciliation: closes any open orphan stoppage at the session's start
// (system-attributed setup time) and resolves the given phantom alert.
func (s *gormStore) BeginSession(ctx context.Context, sess *model.ProductionSession, resolveAlertID *int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.ProductionSession
		err := tx.Where("machine_id = ? AND slot = ? AND status = ?",
			sess.MachineID, sess.Slot, model.SessionInProgress).
			First(&existing).Error
		if err == nil {
			return ErrSessionActive
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check for active session: %w", err)
		}

		sess.Status = model.SessionInProgress
		if err := tx.Omit(clause.Associations).Create(sess).Error; err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		// No coverage gap between sessions: the idle interval ends the
		// instant the new session starts.
		err = tx.Model(&model.Stoppage{}).
			Where("machine_id = ? AND session_id IS NULL AND ended_at IS NULL", sess.MachineID).
			Updates(map[string]any{"ended_at": sess.StartedAt, "justified": true}).Error
		if err != nil {
			return fmt.Errorf("failed to close orphan stoppage: %w", err)
		}

		if resolveAlertID != nil {
			err = tx.Model(&model.Alert{}).
				Where("id = ?", *resolveAlertID).
				Update("resolved", true).Error
			if err != nil {
				return fmt.Errorf("failed to resolve alert %d: %w", *resolveAlertID, err)
			}
		}
		return nil
	})
}

// FinalizeSession ends a session on the operator's request. Sessions that
// produced nothing are removed entirely along with their pulses and
// stoppages; either way the machine's timeline is left gap-free.
func (s *gormStore) FinalizeSession(ctx context.Context, sessionID string, scrapQty int, now time.Time) (*FinalizeOutcome, error) {
	var outcome FinalizeOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess model.ProductionSession
		err := tx.Where("id = ? AND status = ?", sessionID, model.SessionInProgress).First(&sess).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}

		var total int64
		err = tx.Model(&model.ProductionPulse{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(SUM(piece_qty), 0)").
			Scan(&total).Error
		if err != nil {
			return fmt.Errorf("failed to sum pulses for session %s: %w", sessionID, err)
		}

		if total == 0 {
			// Zero-production cancellation: the session never happened as
			// far as accounting is concerned.
			if err := tx.Where("session_id = ?", sessionID).Delete(&model.Stoppage{}).Error; err != nil {
				return fmt.Errorf("failed to delete session stoppages: %w", err)
			}
			if err := tx.Where("session_id = ?", sessionID).Delete(&model.ProductionPulse{}).Error; err != nil {
				return fmt.Errorf("failed to delete session pulses: %w", err)
			}
			if err := tx.Delete(&model.ProductionSession{}, "id = ?", sessionID).Error; err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}
			last, err := isLastActiveSessionTx(tx, sess.MachineID)
			if err != nil {
				return err
			}
			if last {
				if err := ensureOrphanStoppageTx(tx, sess.MachineID, now); err != nil {
					return err
				}
			}
			outcome.Deleted = true
			return nil
		}

		endedAt := now
		var lastPulse model.ProductionPulse
		err = tx.Where("session_id = ?", sessionID).
			Order("cycle_timestamp DESC").
			First(&lastPulse).Error
		if err == nil {
			endedAt = lastPulse.CycleTimestamp
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to load last pulse: %w", err)
		}

		// Close any still-open stoppage at the session's end so nothing
		// dangles past a finished session.
		err = tx.Model(&model.Stoppage{}).
			Where("session_id = ? AND ended_at IS NULL", sessionID).
			Update("ended_at", endedAt).Error
		if err != nil {
			return fmt.Errorf("failed to close session stoppage: %w", err)
		}

		updates := map[string]any{
			"status":       model.SessionFinished,
			"ended_at":     endedAt,
			"produced_qty": total,
			"scrap_qty":    scrapQty,
		}
		if err := tx.Model(&sess).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to finish session: %w", err)
		}

		export := model.ExportRecord{
			SessionID: sessionID,
			ItemCode:  sess.ProductCode,
			TotalQty:  int(total),
			Status:    model.ExportPending,
		}
		if err := tx.Create(&export).Error; err != nil {
			return fmt.Errorf("failed to enqueue export record: %w", err)
		}

		// The machine is stopped from one second after its last pulse if
		// this was the last active session on it.
		last, err := isLastActiveSessionTx(tx, sess.MachineID)
		if err != nil {
			return err
		}
		if last {
			if err := ensureOrphanStoppageTx(tx, sess.MachineID, endedAt.Add(time.Second)); err != nil {
				return err
			}
		}

		outcome.Session = &sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// ForceFinishSession is the watchdog's abandonment path: any open unjustified
// stoppage is auto-absolved, and the session is finished with zero produced
// quantity at the given instant. Like operator finalization, finishing the
// machine's last active session opens an orphan stoppage so the timeline
// stays covered.
func (s *gormStore) ForceFinishSession(ctx context.Context, sessionID string, now time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess model.ProductionSession
		err := tx.Where("id = ? AND status = ?", sessionID, model.SessionInProgress).First(&sess).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load session %s: %w", sessionID, err)
		}

		err = tx.Model(&model.Stoppage{}).
			Where("session_id = ? AND ended_at IS NULL AND justified = ?", sessionID, false).
			Updates(map[string]any{"ended_at": now, "justified": true, "reason_id": nil}).Error
		if err != nil {
			return fmt.Errorf("failed to auto-close stoppage: %w", err)
		}

		err = tx.Model(&sess).
			Updates(map[string]any{
				"status":       model.SessionFinished,
				"ended_at":     now,
				"produced_qty": 0,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to force-finish session %s: %w", sessionID, err)
		}

		last, err := isLastActiveSessionTx(tx, sess.MachineID)
		if err != nil {
			return err
		}
		if last {
			return ensureOrphanStoppageTx(tx, sess.MachineID, now)
		}
		return nil
	})
}

func (s *gormStore) LastPulse(ctx context.Context, sessionID string) (*model.ProductionPulse, error) {
	var pulse model.ProductionPulse
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("cycle_timestamp DESC").
		First(&pulse).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load last pulse for session %s: %w", sessionID, err)
	}
	return &pulse, nil
}

// RecordPulse closes any open stoppage on the pulse's session (the machine
// came back) and inserts the pulse. The insert is idempotent on
// (upstream_id, slot); a duplicate reports false with no error so a retried
// batch passes through cleanly.
func (s *gormStore) RecordPulse(ctx context.Context, pulse *model.ProductionPulse) (bool, error) {
	inserted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The stoppage must close at the resuming cycle's timestamp, not
		// wall clock, so close before writing the pulse.
		err := tx.Model(&model.Stoppage{}).
			Where("session_id = ? AND ended_at IS NULL", pulse.SessionID).
			Update("ended_at", pulse.CycleTimestamp).Error
		if err != nil {
			return fmt.Errorf("failed to close stoppage on resume: %w", err)
		}

		res := tx.Omit(clause.Associations).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "upstream_id"}, {Name: "slot"}},
			DoNothing: true,
		}).Create(pulse)
		if res.Error != nil {
			return fmt.Errorf("failed to insert pulse %d/%d: %w", pulse.UpstreamID, pulse.Slot, res.Error)
		}
		inserted = res.RowsAffected > 0
		return nil
	})
	return inserted, err
}

func (s *gormStore) OpenStoppageForSession(ctx context.Context, sessionID string) (*model.Stoppage, error) {
	var stoppage model.Stoppage
	err := s.db.WithContext(ctx).
		Where("session_id = ? AND ended_at IS NULL", sessionID).
		First(&stoppage).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load open stoppage for session %s: %w", sessionID, err)
	}
	return &stoppage, nil
}

func (s *gormStore) CreateStoppage(ctx context.Context, stoppage *model.Stoppage) error {
	if err := s.db.WithContext(ctx).Create(stoppage).Error; err != nil {
		return fmt.Errorf("failed to create stoppage: %w", err)
	}
	return nil
}

// EnsureOrphanStoppage opens a machine-level stoppage with no session,
// unless one is already open.
func (s *gormStore) EnsureOrphanStoppage(ctx context.Context, machineID int64, startedAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return ensureOrphanStoppageTx(tx, machineID, startedAt)
	})
}

func isLastActiveSessionTx(tx *gorm.DB, machineID int64) (bool, error) {
	var remaining int64
	err := tx.Model(&model.ProductionSession{}).
		Where("machine_id = ? AND status = ?", machineID, model.SessionInProgress).
		Count(&remaining).Error
	if err != nil {
		return false, fmt.Errorf("failed to count remaining sessions: %w", err)
	}
	return remaining == 0, nil
}

func ensureOrphanStoppageTx(tx *gorm.DB, machineID int64, startedAt time.Time) error {
	var open model.Stoppage
	err := tx.Where("machine_id = ? AND session_id IS NULL AND ended_at IS NULL", machineID).
		First(&open).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to check for open orphan stoppage: %w", err)
	}

	stoppage := model.Stoppage{
		MachineID:      machineID,
		StartedAt:      startedAt,
		Justified:      false,
		Classification: model.StoppageUnplanned,
	}
	if err := tx.Create(&stoppage).Error; err != nil {
		return fmt.Errorf("failed to create orphan stoppage: %w", err)
	}
	return nil
}

// JustifyStoppage records an operator's reason for a stop.
func (s *gormStore) JustifyStoppage(ctx context.Context, stoppageID int64, reasonID int64, classification string) error {
	res := s.db.WithContext(ctx).Model(&model.Stoppage{}).
		Where("id = ?", stoppageID).
		Updates(map[string]any{
			"reason_id":      reasonID,
			"justified":      true,
			"classification": classification,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to justify stoppage %d: %w", stoppageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *gormStore) StoppageReasons(ctx context.Context) ([]model.StoppageReason, error) {
	var reasons []model.StoppageReason
	err := s.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&reasons).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load stoppage reasons: %w", err)
	}
	return reasons, nil
}

// EnsurePhantomAlert raises a phantom-production alert for the machine
// unless one is already unresolved. Reports whether a new alert was created.
func (s *gormStore) EnsurePhantomAlert(ctx context.Context, machineID int64, upstreamTS time.Time) (bool, error) {
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Alert
		err := tx.Where("machine_id = ? AND type = ? AND resolved = ?",
			machineID, model.AlertPhantomProduction, false).
			First(&existing).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("failed to check for phantom alert: %w", err)
		}

		alert := model.Alert{
			MachineID: machineID,
			Type:      model.AlertPhantomProduction,
			Resolved:  false,
			Metadata:  model.AlertMetadata{UpstreamTimestamp: upstreamTS},
		}
		if err := tx.Create(&alert).Error; err != nil {
			return fmt.Errorf("failed to create phantom alert: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

func (s *gormStore) UnresolvedPhantomAlert(ctx context.Context, machineID int64) (*model.Alert, error) {
	var alert model.Alert
	err := s.db.WithContext(ctx).
		Where("machine_id = ? AND type = ? AND resolved = ?",
			machineID, model.AlertPhantomProduction, false).
		First(&alert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load phantom alert for machine %d: %w", machineID, err)
	}
	return &alert, nil
}
