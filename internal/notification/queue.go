package notification

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/smallbiznis/tally/internal/clock"
)

// ScheduleRequest describes one scheduled action. An empty DedupeKey gets
// a generated one, making the schedule call non-replayable but unique.
type ScheduleRequest struct {
	AccountID     snowflake.ID
	Tag           string
	EffectiveDate time.Time
	Payload       map[string]any
	DedupeKey     string
}

// Queue persists scheduled notifications for at-least-once delivery.
type Queue struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewQueue(db *gorm.DB, log *zap.Logger, genID *snowflake.Node, clk clock.Clock) *Queue {
	return &Queue{db: db, log: log.Named("notification.queue"), genID: genID, clock: clk}
}

// Schedule stores a notification and returns its token. Replaying a
// previously used dedupe key fails with ErrDuplicateNotification.
func (q *Queue) Schedule(ctx context.Context, req ScheduleRequest) (snowflake.ID, error) {
	return q.schedule(ctx, q.db, req)
}

// ScheduleTx stores a notification inside an existing transaction so the
// schedule commits atomically with the billing change that requires it.
func (q *Queue) ScheduleTx(ctx context.Context, tx *gorm.DB, req ScheduleRequest) (snowflake.ID, error) {
	return q.schedule(ctx, tx, req)
}

func (q *Queue) schedule(ctx context.Context, db *gorm.DB, req ScheduleRequest) (snowflake.ID, error) {
	if req.AccountID == 0 {
		return 0, ErrInvalidAccount
	}
	tag := strings.TrimSpace(req.Tag)
	if tag == "" {
		return 0, ErrInvalidTag
	}
	if req.EffectiveDate.IsZero() {
		return 0, ErrInvalidEffectiveDate
	}
	dedupe := strings.TrimSpace(req.DedupeKey)
	if dedupe == "" {
		dedupe = uuid.NewString()
	}

	payload := datatypes.JSONMap{}
	for key, value := range req.Payload {
		if strings.TrimSpace(key) == "" {
			continue
		}
		payload[key] = value
	}

	id := q.genID.Generate()
	now := q.clock.Now().UTC()
	result := db.WithContext(ctx).Exec(
		`INSERT INTO notifications (id, account_id, tag, payload, effective_date, dedupe_key, status, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		id,
		req.AccountID,
		tag,
		payload,
		req.EffectiveDate,
		dedupe,
		StatusPending,
		now,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, ErrDuplicateNotification
	}
	return id, nil
}

// Cancel marks a pending notification cancelled. Cancelling an already
// delivered or cancelled token is a no-op: the state has simply advanced.
func (q *Queue) Cancel(ctx context.Context, token snowflake.ID) error {
	now := q.clock.Now().UTC()
	return q.db.WithContext(ctx).Exec(
		`UPDATE notifications
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		StatusCancelled,
		now,
		token,
		StatusPending,
	).Error
}
