package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"prensa-sync-backend/internal/db"
	"prensa-sync-backend/internal/model"
)

// newTestStore opens a private in-memory SQLite database with the full schema.
func newTestStore(t *testing.T) (Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))

	t.Cleanup(func() {
		sqlDB, _ := gormDB.DB()
		sqlDB.Close()
	})
	return NewGormStore(gormDB), gormDB
}

func seedMachine(t *testing.T, gdb *gorm.DB, id int64, code string) {
	t.Helper()
	require.NoError(t, gdb.Create(&model.Machine{ID: id, ExternalCode: code, Active: true, SlotCount: 2}).Error)
}

func seedSession(t *testing.T, gdb *gorm.DB, machineID int64, slot int, product string, startedAt time.Time) model.ProductionSession {
	t.Helper()
	sess := model.ProductionSession{
		MachineID:   machineID,
		ProductCode: product,
		Slot:        slot,
		OperatorID:  "op-1",
		Status:      model.SessionInProgress,
		StartedAt:   startedAt,
	}
	require.NoError(t, gdb.Create(&sess).Error)
	return sess
}

func TestWatermark(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// First read creates the singleton row at zero.
	w, err := s.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), w)

	now := time.Now().UTC()
	require.NoError(t, s.AdvanceWatermark(ctx, 42, now))

	w, err = s.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), w)

	// A lower id never moves the watermark backwards.
	require.NoError(t, s.AdvanceWatermark(ctx, 17, now))
	w, err = s.Watermark(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), w)
}

func TestRecordPulse_Idempotent(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	seedMachine(t, gdb, 1, "5")
	sess := seedSession(t, gdb, 1, 1, "P1", time.Now().UTC().Add(-time.Hour))

	cycleTS := time.Now().UTC().Truncate(time.Second)
	pulse := model.ProductionPulse{
		SessionID:      sess.ID,
		UpstreamID:     101,
		Slot:           1,
		CycleTimestamp: cycleTS,
		PieceQty:       4,
	}

	inserted, err := s.RecordPulse(ctx, &pulse)
	require.NoError(t, err)
	assert.True(t, inserted)

	// Replay of the same upstream event is a no-op, not an error.
	dup := model.ProductionPulse{
		SessionID:      sess.ID,
		UpstreamID:     101,
		Slot:           1,
		CycleTimestamp: cycleTS,
		PieceQty:       4,
	}
	inserted, err = s.RecordPulse(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	var count int64
	require.NoError(t, gdb.Model(&model.ProductionPulse{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRecordPulse_ClosesOpenStoppage(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	seedMachine(t, gdb, 1, "5")
	sess := seedSession(t, gdb, 1, 1, "P1", time.Now().UTC().Add(-time.Hour))

	stoppage := model.Stoppage{
		MachineID:      1,
		SessionID:      &sess.ID,
		StartedAt:      time.Now().UTC().Add(-20 * time.Minute),
		Classification: model.StoppageUnplanned,
	}
	require.NoError(t, s.CreateStoppage(ctx, &stoppage))

	cycleTS := time.Now().UTC().Truncate(time.Second)
	pulse := model.ProductionPulse{
		SessionID:      sess.ID,
		UpstreamID:     200,
		Slot:           1,
		CycleTimestamp: cycleTS,
		PieceQty:       2,
	}
	inserted, err := s.RecordPulse(ctx, &pulse)
	require.NoError(t, err)
	assert.True(t, inserted)

	// The stoppage closes at the resuming cycle's timestamp, not wall clock.
	var reloaded model.Stoppage
	require.NoError(t, gdb.First(&reloaded, stoppage.ID).Error)
	require.NotNil(t, reloaded.EndedAt)
	assert.WithinDuration(t, cycleTS, *reloaded.EndedAt, time.Second)

	open, err := s.OpenStoppageForSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestBeginSession(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	seedMachine(t, gdb, 1, "5")

	startedAt := time.Now().UTC().Truncate(time.Second)

	// An open orphan stoppage should close the instant the session starts.
	require.NoError(t, s.EnsureOrphanStoppage(ctx, 1, startedAt.Add(-30*time.Minute)))

	sess := model.ProductionSession{
		MachineID:   1,
		ProductCode: "P1",
		Slot:        1,
		OperatorID:  "op-1",
		StartedAt:   startedAt,
	}
	require.NoError(t, s.BeginSession(ctx, &sess, nil))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, model.SessionInProgress, sess.Status)

	var orphan model.Stoppage
	require.NoError(t, gdb.Where("session_id IS NULL").First(&orphan).Error)
	require.NotNil(t, orphan.EndedAt)
	assert.WithinDuration(t, startedAt, *orphan.EndedAt, time.Second)
	assert.True(t, orphan.Justified)

	// Same slot again conflicts.
	again := model.ProductionSession{MachineID: 1, ProductCode: "P1", Slot: 1, OperatorID: "op-2", StartedAt: startedAt}
	err := s.BeginSession(ctx, &again, nil)
	assert.ErrorIs(t, err, ErrSessionActive)

	// A different slot on the same machine is fine.
	other := model.ProductionSession{MachineID: 1, ProductCode: "P2", Slot: 2, OperatorID: "op-2", StartedAt: startedAt}
	require.NoError(t, s.BeginSession(ctx, &other, nil))
}

func TestBeginSession_ResolvesAlert(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	seedMachine(t, gdb, 1, "5")

	upstreamTS := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	created, err := s.EnsurePhantomAlert(ctx, 1, upstreamTS)
	require.NoError(t, err)
	require.True(t, created)

	alert, err := s.UnresolvedPhantomAlert(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, alert)

	sess := model.ProductionSession{MachineID: 1, ProductCode: "P1", Slot: 1, OperatorID: "op-1", StartedAt: upstreamTS}
	require.NoError(t, s.BeginSession(ctx, &sess, &alert.ID))

	resolved, err := s.UnresolvedPhantomAlert(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestFinalizeSession_ZeroProduction(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	seedMachine(t, gdb, 1, "5")
	sess := seedSession(t, gdb, 1, 1, "P1", time.Now().UTC().Add(-time.Hour))

	sessionID := sess.ID
	stoppage := model.Stoppage{MachineID: 1, SessionID: &sessionID, StartedAt: time.Now().UTC().Add(-30 * time.Minute), Classification: model.StoppageUnplanned}
	require.NoError(t, s.CreateStoppage(ctx, &stoppage))

	now := time.Now().UTC().Truncate(time.Second)
	outcome, err := s.FinalizeSession(ctx, sessionID, 0, now)
	require.NoError(t, err)
	assert.True(t, outcome.Deleted)

	// The session leaves no trace except a freshly opened orphan stoppage.
	var count int64
	gdb.Model(&model.ProductionSession{}).Count(&count)
	assert.Equal(t, int64(0), count)
	gdb.Model(&model.Stoppage{}).Where("session_id IS NOT NULL").Count(&count)
	assert.Equal(t, int64(0), count)

	var orphan model.Stoppage
	require.NoError(t, gdb.Where("session_id IS NULL AND ended_at IS NULL").First(&orphan).Error)
	assert.WithinDuration(t, now, orphan.StartedAt, time.Second)
}

func TestFinalizeSession_Normal(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	seedMachine(t, gdb, 1, "5")
	sess := seedSession(t, gdb, 1, 1, "P1", time.Now().UTC().Add(-time.Hour))

	firstTS := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Second)
	lastTS := firstTS.Add(5 * time.Minute)
	for i, ts := range []time.Time{firstTS, lastTS} {
		_, err := s.RecordPulse(ctx, &model.ProductionPulse{
			SessionID:      sess.ID,
			UpstreamID:     int64(100 + i),
			Slot:           1,
			CycleTimestamp: ts,
			PieceQty:       4,
		})
		require.NoError(t, err)
	}

	outcome, err := s.FinalizeSession(ctx, sess.ID, 2, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, outcome.Deleted)
	require.NotNil(t, outcome.Session)

	var finished model.ProductionSession
	require.NoError(t, gdb.First(&finished, "id = ?", sess.ID).Error)
	assert.Equal(t, model.SessionFinished, finished.Status)
	assert.Equal(t, 8, finished.ProducedQty)
	assert.Equal(t, 2, finished.ScrapQty)
	require.NotNil(t, finished.EndedAt)
	assert.WithinDuration(t, lastTS, *finished.EndedAt, time.Second)

	// Export queued for the ERP importer.
	var export model.ExportRecord
	require.NoError(t, gdb.First(&export, "session_id = ?", sess.ID).Error)
	assert.Equal(t, "P1", export.ItemCode)
	assert.Equal(t, 8, export.TotalQty)
	assert.Equal(t, model.ExportPending, export.Status)

	// Machine idle from one second past the last pulse.
	var orphan model.Stoppage
	require.NoError(t, gdb.Where("session_id IS NULL AND ended_at IS NULL").First(&orphan).Error)
	assert.WithinDuration(t, lastTS.Add(time.Second), orphan.StartedAt, time.Second)
}

func TestFinalizeSession_KeepsOrphanOutWhileOthersRun(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	seedMachine(t, gdb, 1, "5")
	sess1 := seedSession(t, gdb, 1, 1, "P1", time.Now().UTC().Add(-time.Hour))
	seedSession(t, gdb, 1, 2, "P2", time.Now().UTC().Add(-time.Hour))

	_, err := s.RecordPulse(ctx, &model.ProductionPulse{
		SessionID:      sess1.ID,
		UpstreamID:     100,
		Slot:           1,
		CycleTimestamp: time.Now().UTC().Add(-time.Minute),
		PieceQty:       1,
	})
	require.NoError(t, err)

	_, err = s.FinalizeSession(ctx, sess1.ID, 0, time.Now().UTC())
	require.NoError(t, err)

	// Slot 2 is still producing, so the machine is not orphan-stopped.
	var count int64
	gdb.Model(&model.Stoppage{}).Where("session_id IS NULL").Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestFinalizeSession_NotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.FinalizeSession(context.Background(), "no-such-id", 0, time.Now().UTC())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestForceFinishSession(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	seedMachine(t, gdb, 1, "5")
	sess := seedSession(t, gdb, 1, 1, "P1", time.Now().UTC().Add(-time.Hour))

	sessionID := sess.ID
	stoppage := model.Stoppage{MachineID: 1, SessionID: &sessionID, StartedAt: time.Now().UTC().Add(-30 * time.Minute), Classification: model.StoppageUnplanned}
	require.NoError(t, s.CreateStoppage(ctx, &stoppage))

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.ForceFinishSession(ctx, sessionID, now))

	var closed model.Stoppage
	require.NoError(t, gdb.First(&closed, stoppage.ID).Error)
	require.NotNil(t, closed.EndedAt)
	assert.True(t, closed.Justified)
	assert.Nil(t, closed.ReasonID)

	var finished model.ProductionSession
	require.NoError(t, gdb.First(&finished, "id = ?", sessionID).Error)
	assert.Equal(t, model.SessionFinished, finished.Status)
	assert.Equal(t, 0, finished.ProducedQty)
	require.NotNil(t, finished.EndedAt)
	assert.WithinDuration(t, now, *finished.EndedAt, time.Second)

	// The machine had no other session, so the idle gap is tracked from the
	// abandonment instant.
	var orphan model.Stoppage
	require.NoError(t, gdb.Where("session_id IS NULL AND ended_at IS NULL").First(&orphan).Error)
	assert.Equal(t, int64(1), orphan.MachineID)
	assert.WithinDuration(t, now, orphan.StartedAt, time.Second)
}

func TestForceFinishSession_NoOrphanWhileOthersRun(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()
	seedMachine(t, gdb, 1, "5")
	sess := seedSession(t, gdb, 1, 1, "P1", time.Now().UTC().Add(-time.Hour))
	seedSession(t, gdb, 1, 2, "P2", time.Now().UTC().Add(-time.Hour))

	require.NoError(t, s.ForceFinishSession(ctx, sess.ID, time.Now().UTC()))

	var count int64
	gdb.Model(&model.Stoppage{}).Where("session_id IS NULL").Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestEnsurePhantomAlert_Dedupes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2024, 1, 1, 13, 0, 0, 0, time.UTC)
	created, err := s.EnsurePhantomAlert(ctx, 7, ts)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnsurePhantomAlert(ctx, 7, ts.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)

	alert, err := s.UnresolvedPhantomAlert(ctx, 7)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, model.AlertPhantomProduction, alert.Type)
	assert.WithinDuration(t, ts, alert.Metadata.UpstreamTimestamp, time.Second)
}

func TestEnsureOrphanStoppage_NoDuplicates(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()

	start := time.Now().UTC()
	require.NoError(t, s.EnsureOrphanStoppage(ctx, 3, start))
	require.NoError(t, s.EnsureOrphanStoppage(ctx, 3, start.Add(time.Minute)))

	var count int64
	gdb.Model(&model.Stoppage{}).Where("machine_id = ? AND session_id IS NULL", 3).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestProductInfo_Fallback(t *testing.T) {
	s, gdb := newTestStore(t)
	ctx := context.Background()

	product, err := s.ProductInfo(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultIdealCycleSeconds, product.IdealCycleSeconds)
	assert.Equal(t, model.DefaultCavityCount, product.CavityCount)

	require.NoError(t, gdb.Create(&model.Product{Code: "P1", IdealCycleSeconds: 120, CavityCount: 6}).Error)
	product, err = s.ProductInfo(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 120, product.IdealCycleSeconds)
	assert.Equal(t, 6, product.CavityCount)
}
