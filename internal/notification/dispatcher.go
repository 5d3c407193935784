package notification

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/observability/metrics"
)

// Config controls the dispatcher poll loop.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		PollInterval: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	return c
}

type DispatcherParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Config  Config                  `optional:"true"`
	Metrics *metrics.BillingMetrics `optional:"true"`
}

// Dispatcher polls due notifications and delivers them to the handler
// registered for their tag. Per-account serialization is the handler's
// concern; every billing operation takes the account lock itself.
type Dispatcher struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	cfg     Config
	metrics *metrics.BillingMetrics

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewDispatcher(p DispatcherParams) *Dispatcher {
	return &Dispatcher{
		db:       p.DB,
		log:      p.Log.Named("notification.dispatcher"),
		clock:    p.Clock,
		cfg:      p.Config.withDefaults(),
		metrics:  p.Metrics,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a tag. Later registrations win, which lets
// tests substitute handlers.
func (d *Dispatcher) Register(tag string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tag] = handler
}

func (d *Dispatcher) handler(tag string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[tag]
	return h, ok
}

func (d *Dispatcher) RunForever(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil {
			d.log.Warn("notification dispatch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce delivers one batch of due notifications and reports how many
// were processed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.clock.Now()
	var due []Notification
	err := d.db.WithContext(ctx).Raw(
		`SELECT * FROM notifications
		 WHERE status = ? AND effective_date <= ?
		 ORDER BY effective_date ASC, id ASC
		 LIMIT ?`,
		StatusPending,
		now,
		d.cfg.BatchSize,
	).Scan(&due).Error
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, n := range due {
		if err := d.deliver(ctx, n); err != nil {
			d.log.Warn("notification delivery failed",
				zap.String("notification_id", n.ID.String()),
				zap.String("tag", n.Tag),
				zap.Error(err))
			d.metrics.IncNotificationDelivered("failed")
			if recordErr := d.recordFailure(ctx, n, err); recordErr != nil {
				return processed, recordErr
			}
			continue
		}
		d.metrics.IncNotificationDelivered("delivered")
		processed++
	}
	return processed, nil
}

// deliver runs the handler, then marks the row delivered. Handlers must
// tolerate redelivery: a crash after the handler but before the mark
// replays the notification.
func (d *Dispatcher) deliver(ctx context.Context, n Notification) error {
	handler, ok := d.handler(n.Tag)
	if !ok {
		return ErrUnknownTag
	}

	// re-read before running: an explicit synchronous action may have
	// cancelled this scheduled one
	var status Status
	if err := d.db.WithContext(ctx).Raw(
		`SELECT status FROM notifications WHERE id = ?`, n.ID,
	).Scan(&status).Error; err != nil {
		return err
	}
	if status != StatusPending {
		return nil
	}

	if err := handler(ctx, n); err != nil {
		return err
	}

	now := d.clock.Now()
	return d.db.WithContext(ctx).Exec(
		`UPDATE notifications
		 SET status = ?, delivered_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusDelivered,
		now,
		now,
		n.ID,
		StatusPending,
	).Error
}

func (d *Dispatcher) recordFailure(ctx context.Context, n Notification, cause error) error {
	if errors.Is(cause, ErrUnknownTag) {
		return nil
	}
	message := cause.Error()
	return d.db.WithContext(ctx).Exec(
		`UPDATE notifications
		 SET attempts = attempts + 1, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		message,
		d.clock.Now(),
		n.ID,
	).Error
}
