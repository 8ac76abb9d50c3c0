package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"avatar-cache/internal/domain"
	"avatar-cache/internal/metrics"
)

type DispatcherConfig struct {
	MaxConcurrent int
	Timeout       time.Duration
	Logger        *logrus.Logger
	Metrics       *metrics.Metrics
}

// Dispatcher delivers user notifications in the background. Failures are
// logged and counted, never returned to the caller.
type Dispatcher struct {
	cfg       DispatcherConfig
	publisher Publisher

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewDispatcher(publisher Publisher, cfg DispatcherConfig) *Dispatcher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Dispatcher{
		cfg:       cfg,
		publisher: publisher,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Notify schedules the user created event and the welcome email.
func (d *Dispatcher) Notify(user domain.User) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.cfg.Logger.WithField("user_id", user.ID).Warn("dispatcher stopped, dropping user notification")
		d.cfg.Metrics.Notification("dropped")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		d.deliver(user)
	}()
}

func (d *Dispatcher) deliver(user domain.User) {
	logger := d.cfg.Logger.WithFields(logrus.Fields{"user_id": user.ID, "email": user.Email})

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	logger.Info("sending welcome email")

	if err := d.publisher.PublishUserCreated(ctx, &user); err != nil {
		logger.WithError(err).Error("publish user created event")
		d.cfg.Metrics.Notification("failed")
		return
	}
	d.cfg.Metrics.Notification("sent")
}

// Shutdown waits for scheduled notifications and closes the publisher.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	if err := d.publisher.Close(); err != nil {
		d.cfg.Logger.Warnf("close publisher: %v", err)
	}
	d.cfg.Logger.Info("notification dispatcher stopped")
}
