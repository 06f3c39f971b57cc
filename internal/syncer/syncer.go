package syncer

import (
	"context"
	"math"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"prensa-sync-backend/config"
	"prensa-sync-backend/internal/model"
	"prensa-sync-backend/internal/notify"
	"prensa-sync-backend/internal/store"
	"prensa-sync-backend/internal/upstream"
)

// Service runs the two daemon cycles: pulse synchronization from the
// upstream event table, and the idle-machine watchdog. Both cycles contain
// their own failures; a failed tick is retried on the next interval.
type Service struct {
	cfg      *config.Config
	store    store.Store
	source   upstream.Source
	pool     *notify.WorkerPool
	log      *logrus.Logger
	products *cache.Cache

	now func() time.Time
}

// NewService creates the daemon service. pool may be nil when push
// notifications are not configured.
func NewService(cfg *config.Config, st store.Store, source upstream.Source, pool *notify.WorkerPool, log *logrus.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		source:   source,
		pool:     pool,
		log:      log,
		products: cache.New(5*time.Minute, 10*time.Minute),
		now:      time.Now,
	}
}

// Run executes both cycles on a fixed interval until the context is
// cancelled. A cycle never overlaps itself: the timer is re-armed only after
// the previous invocation has fully completed.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Sync.Enabled {
		s.log.Info("sync daemon is disabled, not starting")
		return
	}
	s.log.WithField("interval", s.cfg.Sync.Interval).Info("starting sync daemon")

	if s.pool != nil {
		s.pool.Start(ctx)
	}

	s.runCycles(ctx)

	timer := time.NewTimer(s.cfg.Sync.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sync daemon shutting down")
			return
		case <-timer.C:
			s.runCycles(ctx)
			timer.Reset(s.cfg.Sync.Interval)
		}
	}
}

func (s *Service) runCycles(ctx context.Context) {
	if err := s.SyncOnce(ctx); err != nil {
		s.log.WithError(err).Error("sync cycle failed")
	}
	if err := s.WatchdogOnce(ctx); err != nil {
		s.log.WithError(err).Error("watchdog cycle failed")
	}
}

// SyncOnce pulls every upstream event past the watermark and fans each one
// out to the active sessions of its machine. The watermark is persisted only
// after the whole batch succeeds, so a failed cycle is re-read from the old
// watermark and the idempotent pulse insert absorbs the duplicates.
func (s *Service) SyncOnce(ctx context.Context) error {
	last, err := s.store.Watermark(ctx)
	if err != nil {
		return err
	}

	events, err := s.source.FetchAfter(ctx, last)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	s.log.WithFields(logrus.Fields{"count": len(events), "after": last}).Info("new upstream events")

	machines := make(map[string]*model.Machine)
	candidate := last

	for _, ev := range events {
		machine, ok := machines[ev.MachineCode]
		if !ok {
			machine, err = s.store.MachineByCode(ctx, ev.MachineCode)
			if err != nil {
				return err
			}
			machines[ev.MachineCode] = machine
		}
		if machine == nil {
			// Event for a machine this system does not manage. Nothing to
			// attribute it to; move past it.
			s.log.WithField("num_maq", ev.MachineCode).Warn("event for unknown machine")
			if ev.ID > candidate {
				candidate = ev.ID
			}
			continue
		}

		sessions, err := s.store.ActiveSessionsForMachine(ctx, machine.ID)
		if err != nil {
			return err
		}

		if len(sessions) == 0 {
			if err := s.handlePhantom(ctx, machine, ev); err != nil {
				return err
			}
		} else {
			for i := range sessions {
				if err := s.applyPulse(ctx, &sessions[i], ev); err != nil {
					return err
				}
			}
		}

		if ev.ID > candidate {
			candidate = ev.ID
		}
	}

	if candidate > last {
		if err := s.store.AdvanceWatermark(ctx, candidate, s.now().UTC()); err != nil {
			return err
		}
		s.log.WithField("watermark", candidate).Info("sync cycle complete")
	}
	return nil
}

// handlePhantom records production observed on a machine with no active
// session. No pulse is written; the alert carries the event timestamp so a
// later session start can absorb the orphaned window.
func (s *Service) handlePhantom(ctx context.Context, machine *model.Machine, ev upstream.CycleEvent) error {
	created, err := s.store.EnsurePhantomAlert(ctx, machine.ID, ev.Timestamp)
	if err != nil {
		return err
	}
	if created {
		s.log.WithFields(logrus.Fields{
			"machine": machine.ExternalCode,
			"event":   ev.ID,
		}).Warn("phantom production detected")
		s.dispatch(machine.ID, notify.KindPhantom)
	}
	return nil
}

// applyPulse writes one normalized pulse for one session. One PLC cycle
// produces CavityCount pieces for every slot running a session.
func (s *Service) applyPulse(ctx context.Context, sess *model.ProductionSession, ev upstream.CycleEvent) error {
	lastPulse, err := s.store.LastPulse(ctx, sess.ID)
	if err != nil {
		return err
	}

	var interval *int
	if lastPulse != nil {
		v := int(math.Round(ev.Timestamp.Sub(lastPulse.CycleTimestamp).Seconds()))
		interval = &v
	}

	product, err := s.productInfo(ctx, sess.ProductCode)
	if err != nil {
		return err
	}

	pulse := &model.ProductionPulse{
		SessionID:       sess.ID,
		UpstreamID:      ev.ID,
		Slot:            sess.Slot,
		CycleTimestamp:  ev.Timestamp,
		PieceQty:        product.CavityCount,
		IntervalSeconds: interval,
	}

	inserted, err := s.store.RecordPulse(ctx, pulse)
	if err != nil {
		return err
	}
	if !inserted {
		s.log.WithFields(logrus.Fields{
			"event": ev.ID,
			"slot":  sess.Slot,
		}).Debug("pulse already recorded, skipping")
	}
	return nil
}

// WatchdogOnce drives idle machines through the alert and abandonment
// transitions, independent of whether new pulses are arriving.
func (s *Service) WatchdogOnce(ctx context.Context) error {
	sessions, err := s.store.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	byMachine := make(map[int64][]model.ProductionSession)
	for _, sess := range sessions {
		byMachine[sess.MachineID] = append(byMachine[sess.MachineID], sess)
	}

	now := s.now().UTC()

	for machineID, group := range byMachine {
		if err := s.watchMachine(ctx, machineID, group, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) watchMachine(ctx context.Context, machineID int64, group []model.ProductionSession, now time.Time) error {
	var idealSum float64
	reference := time.Time{}

	for i := range group {
		product, err := s.productInfo(ctx, group[i].ProductCode)
		if err != nil {
			return err
		}
		idealSum += float64(product.IdealCycleSeconds)

		lastPulse, err := s.store.LastPulse(ctx, group[i].ID)
		if err != nil {
			return err
		}
		t := group[i].StartedAt
		if lastPulse != nil {
			t = lastPulse.CycleTimestamp
		}
		if t.After(reference) {
			reference = t
		}
	}

	meanIdeal := idealSum / float64(len(group))
	idleSeconds := now.Sub(reference).Seconds()
	alertThreshold := meanIdeal * s.cfg.Sync.AlertFactor
	abandonThreshold := alertThreshold + float64(s.cfg.Sync.GraceSeconds)

	switch {
	case idleSeconds > abandonThreshold:
		// Past the point where anyone will justify this stop. Close the
		// books so dangling sessions do not skew the OEE numbers.
		s.log.WithFields(logrus.Fields{
			"machine": machineID,
			"idle_s":  int(idleSeconds),
		}).Warn("abandoning idle sessions")
		for i := range group {
			if err := s.store.ForceFinishSession(ctx, group[i].ID, now); err != nil {
				return err
			}
		}

	case idleSeconds > alertThreshold:
		opened := false
		for i := range group {
			open, err := s.store.OpenStoppageForSession(ctx, group[i].ID)
			if err != nil {
				return err
			}
			if open != nil {
				continue
			}
			sessionID := group[i].ID
			stoppage := model.Stoppage{
				MachineID:      machineID,
				SessionID:      &sessionID,
				StartedAt:      reference,
				Justified:      false,
				Classification: model.StoppageUnplanned,
			}
			if err := s.store.CreateStoppage(ctx, &stoppage); err != nil {
				return err
			}
			opened = true
		}
		if opened {
			s.log.WithFields(logrus.Fields{
				"machine": machineID,
				"idle_s":  int(idleSeconds),
			}).Warn("machine stall detected")
			s.dispatch(machineID, notify.KindStall)
		}
	}
	return nil
}

// productInfo looks up ERP reference data with a short-lived cache; the sync
// cycle hits the same handful of product codes on every pulse.
func (s *Service) productInfo(ctx context.Context, code string) (model.Product, error) {
	if v, found := s.products.Get(code); found {
		return v.(model.Product), nil
	}
	product, err := s.store.ProductInfo(ctx, code)
	if err != nil {
		return model.Product{}, err
	}
	s.products.Set(code, product, cache.DefaultExpiration)
	return product, nil
}

func (s *Service) dispatch(machineID int64, kind string) {
	if s.pool == nil {
		return
	}
	s.pool.Dispatch(notify.Job{MachineID: machineID, Kind: kind})
}
