package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"prensa-sync-backend/internal/model"
)

// Job kinds the daemon dispatches.
const (
	KindPhantom = "phantom_production"
	KindStall   = "machine_stall"
)

// Job asks the pool to notify the subscribers of one machine.
type Job struct {
	MachineID int64
	Kind      string
}

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// WorkerPool manages a pool of workers for sending alert notifications to
// subscribed operator browsers.
type WorkerPool struct {
	size    int
	jobs    chan Job
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, size),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	logrus.WithField("worker", id).Debug("notification worker started")
	for {
		select {
		case job := <-wp.jobs:
			wp.notifyMachineSubscribers(ctx, job)
		case <-ctx.Done():
			logrus.WithField("worker", id).Debug("notification worker shutting down")
			return
		}
	}
}

// Dispatch sends a job to the worker pool.
func (wp *WorkerPool) Dispatch(job Job) {
	wp.jobs <- job
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Job {
	return wp.jobs
}

// notifyMachineSubscribers fetches subscriptions for the job's machine and
// pushes the alert message to each.
func (wp *WorkerPool) notifyMachineSubscribers(ctx context.Context, job Job) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Joins("JOIN subscription_machine_mapping smm ON smm.push_subscription_endpoint = push_subscriptions.endpoint").
		Where("smm.machine_id = ?", job.MachineID).
		Find(&subscriptions).Error
	if err != nil {
		logrus.WithError(err).WithField("machine", job.MachineID).Error("failed to fetch subscriptions")
		return
	}
	if len(subscriptions) == 0 {
		return
	}

	var machine model.Machine
	machineLabel := fmt.Sprintf("%d", job.MachineID)
	if err := wp.db.WithContext(ctx).
		Select("external_code").
		First(&machine, job.MachineID).Error; err != nil {
		logrus.WithError(err).WithField("machine", job.MachineID).Error("failed to fetch machine")
	} else if machine.ExternalCode != "" {
		machineLabel = machine.ExternalCode
	}

	var message string
	switch job.Kind {
	case KindPhantom:
		message = fmt.Sprintf("Máquina %s está registrando produção sem sessão ativa!", machineLabel)
	case KindStall:
		message = fmt.Sprintf("Máquina %s parada! Justifique o motivo.", machineLabel)
	default:
		message = fmt.Sprintf("Alerta na máquina %s", machineLabel)
	}

	logrus.WithFields(logrus.Fields{
		"machine": machineLabel,
		"kind":    job.Kind,
		"count":   len(subscriptions),
	}).Info("sending push notifications")

	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, []byte(message))
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		logrus.WithError(err).WithField("endpoint", sub.Endpoint).Error("failed to send notification")
		return
	}
	defer resp.Body.Close()

	// Gone means the browser dropped the subscription.
	if resp.StatusCode == http.StatusGone {
		logrus.WithField("endpoint", sub.Endpoint).Info("subscription expired, deleting")
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			logrus.WithError(err).WithField("endpoint", sub.Endpoint).Error("failed to delete expired subscription")
		}
	}
}
