package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/tally/internal/cache"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/observability/metrics"
	domain "github.com/smallbiznis/tally/internal/payment/domain"
)

// Config controls the janitor sweep loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int

	// PendingAge is how long a PENDING transaction may wait for its
	// out-of-band notification before the janitor re-queries the
	// processor directly.
	PendingAge time.Duration

	// RequeryBackoff throttles processor lookups for transactions that
	// are still ambiguous after a sweep.
	RequeryBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:   time.Minute,
		BatchSize:      50,
		PendingAge:     time.Hour,
		RequeryBackoff: 5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.PendingAge <= 0 {
		c.PendingAge = defaults.PendingAge
	}
	if c.RequeryBackoff <= 0 {
		c.RequeryBackoff = defaults.RequeryBackoff
	}
	return c
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Repo    domain.Repository
	Svc     domain.Service
	Config  Config                  `optional:"true"`
	Metrics *metrics.BillingMetrics `optional:"true"`
}

// Worker sweeps transactions stuck in UNKNOWN or aged PENDING, plus INIT
// attempts whose transaction was never recorded, and asks the payment
// service to settle them against processor ground truth.
// Resolution is exactly-once regardless of how many sweeps observe the
// same transaction.
type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	repo    domain.Repository
	svc     domain.Service
	cfg     Config
	metrics *metrics.BillingMetrics
	queried *cache.TTLCache[snowflake.ID, time.Time]
}

func NewWorker(p Params) *Worker {
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("payment.janitor"),
		clock:   p.Clock,
		repo:    p.Repo,
		svc:     p.Svc,
		cfg:     p.Config.withDefaults(),
		metrics: p.Metrics,
		queried: cache.NewTTLCache[snowflake.ID, time.Time](),
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("janitor sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce sweeps one batch and reports how many transactions it settled.
// Aged INIT attempts with no transaction row are adopted first: a crash
// between submission and bookkeeping leaves nothing in the transaction
// sweep, yet the attempt keeps the invoice blocked until it resolves.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	now := w.clock.Now()
	txns, err := w.repo.ListUnresolvedTransactions(ctx, w.db, now.Add(-w.cfg.PendingAge), w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, txn := range txns {
		if _, recently := w.queried.Get(txn.ID); recently {
			continue
		}
		if w.resolve(ctx, txn.ID, now) {
			resolved++
		}
	}

	attempts, err := w.repo.ListOrphanedInitAttempts(ctx, w.db, now.Add(-w.cfg.PendingAge), w.cfg.BatchSize)
	if err != nil {
		return resolved, err
	}
	for _, attempt := range attempts {
		txnID, err := w.svc.AdoptOrphanedAttempt(ctx, attempt.ID)
		if err != nil {
			w.log.Warn("orphaned attempt adoption failed",
				zap.String("attempt_id", attempt.ID.String()),
				zap.Error(err))
			w.metrics.IncJanitorResolution("error")
			continue
		}
		if txnID == 0 {
			continue
		}
		if w.resolve(ctx, txnID, now) {
			resolved++
		}
	}
	return resolved, nil
}

// resolve settles one stuck transaction against processor ground truth,
// backing off the ones the processor cannot answer for yet.
func (w *Worker) resolve(ctx context.Context, txnID snowflake.ID, now time.Time) bool {
	ok, err := w.svc.ResolveStaleTransaction(ctx, txnID)
	if err != nil {
		if errors.Is(err, domain.ErrProcessorUnavailable) {
			w.metrics.IncJanitorResolution("processor_unavailable")
			w.queried.Set(txnID, now, w.cfg.RequeryBackoff)
			return false
		}
		w.log.Warn("stale transaction resolution failed",
			zap.String("transaction_id", txnID.String()),
			zap.Error(err))
		w.metrics.IncJanitorResolution("error")
		return false
	}
	if ok {
		w.metrics.IncJanitorResolution("resolved")
		return true
	}
	// still ambiguous per the processor; back off before asking again
	w.metrics.IncJanitorResolution("ambiguous")
	w.queried.Set(txnID, now, w.cfg.RequeryBackoff)
	return false
}
