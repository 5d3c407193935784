package snapshot

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/observability/metrics"
	domain "github.com/smallbiznis/tally/internal/usage/domain"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Config  Config                  `optional:"true"`
	Metrics *metrics.BillingMetrics `optional:"true"`
}

// Worker folds raw usage records into per-day rollups. Raw records stay
// the billing source of truth; rollups serve reporting queries without
// scanning the record table.
type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	cfg     Config
	metrics *metrics.BillingMetrics
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("usage.snapshot"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		cfg:     p.Config.withDefaults(),
		metrics: p.Metrics,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("usage rollup run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce rolls up one batch and reports how many records it consumed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	processed := 0
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		records, err := w.repo.LockUnsnapshotted(ctx, tx, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		now := w.clock.Now()
		type bucket struct {
			subscriptionID snowflake.ID
			meterCode      string
			day            time.Time
		}
		totals := make(map[bucket]int64)
		ids := make([]snowflake.ID, 0, len(records))
		for _, record := range records {
			key := bucket{
				subscriptionID: record.SubscriptionID,
				meterCode:      record.MeterCode,
				day:            record.RecordedAt.UTC().Truncate(24 * time.Hour),
			}
			totals[key] += record.Quantity
			ids = append(ids, record.ID)
		}

		for key, quantity := range totals {
			err := w.repo.AddToRollup(ctx, tx, &domain.UsageRollup{
				ID:             w.genID.Generate(),
				SubscriptionID: key.subscriptionID,
				MeterCode:      key.meterCode,
				Day:            key.day,
				Quantity:       quantity,
				UpdatedAt:      now,
			})
			if err != nil {
				return err
			}
		}

		if err := w.repo.MarkSnapshotted(ctx, tx, ids, now); err != nil {
			return err
		}
		processed = len(records)
		return nil
	})
	if err != nil {
		w.metrics.AddUsageRollupRecords("error", 1)
		return 0, err
	}
	if processed > 0 {
		w.metrics.AddUsageRollupRecords("success", processed)
		w.log.Debug("usage records rolled up", zap.Int("records", processed))
	}
	return processed, nil
}
