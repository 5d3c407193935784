package notification

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type fixture struct {
	db         *gorm.DB
	queue      *Queue
	dispatcher *Dispatcher
	clk        *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Notification{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	log := zap.NewNop()

	return &fixture{
		db:    db,
		queue: NewQueue(db, log, node, clk),
		dispatcher: NewDispatcher(DispatcherParams{
			DB:    db,
			Log:   log,
			Clock: clk,
		}),
		clk: clk,
	}
}

func (f *fixture) get(t *testing.T, token snowflake.ID) Notification {
	t.Helper()
	var n Notification
	require.NoError(t, f.db.First(&n, "id = ?", token).Error)
	return n
}

func TestScheduleRejectsDuplicateDedupeKey(t *testing.T) {
	f := newFixture(t)

	req := ScheduleRequest{
		AccountID:     1,
		Tag:           TagPaymentRetry,
		EffectiveDate: f.clk.now,
		DedupeKey:     "payment:1:retry:1",
	}
	_, err := f.queue.Schedule(context.Background(), req)
	require.NoError(t, err)

	_, err = f.queue.Schedule(context.Background(), req)
	require.ErrorIs(t, err, ErrDuplicateNotification)
}

func TestScheduleGeneratesDedupeKeyWhenEmpty(t *testing.T) {
	f := newFixture(t)

	req := ScheduleRequest{
		AccountID:     1,
		Tag:           TagInvoiceRun,
		EffectiveDate: f.clk.now,
	}
	first, err := f.queue.Schedule(context.Background(), req)
	require.NoError(t, err)
	second, err := f.queue.Schedule(context.Background(), req)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestScheduleValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.queue.Schedule(context.Background(), ScheduleRequest{
		Tag: TagInvoiceRun, EffectiveDate: f.clk.now,
	})
	require.ErrorIs(t, err, ErrInvalidAccount)

	_, err = f.queue.Schedule(context.Background(), ScheduleRequest{
		AccountID: 1, Tag: "  ", EffectiveDate: f.clk.now,
	})
	require.ErrorIs(t, err, ErrInvalidTag)

	_, err = f.queue.Schedule(context.Background(), ScheduleRequest{
		AccountID: 1, Tag: TagInvoiceRun,
	})
	require.ErrorIs(t, err, ErrInvalidEffectiveDate)
}

func TestScheduleAndCancelStampInjectedClock(t *testing.T) {
	f := newFixture(t)

	token, err := f.queue.Schedule(context.Background(), ScheduleRequest{
		AccountID:     1,
		Tag:           TagInvoiceRun,
		EffectiveDate: f.clk.now,
	})
	require.NoError(t, err)
	require.Equal(t, f.clk.now, f.get(t, token).CreatedAt.UTC())

	f.clk.now = f.clk.now.Add(45 * time.Minute)
	require.NoError(t, f.queue.Cancel(context.Background(), token))
	require.Equal(t, f.clk.now, f.get(t, token).UpdatedAt.UTC())
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)

	token, err := f.queue.Schedule(context.Background(), ScheduleRequest{
		AccountID:     1,
		Tag:           TagPaymentRetry,
		EffectiveDate: f.clk.now,
	})
	require.NoError(t, err)

	require.NoError(t, f.queue.Cancel(context.Background(), token))
	require.Equal(t, StatusCancelled, f.get(t, token).Status)

	require.NoError(t, f.queue.Cancel(context.Background(), token))
	require.Equal(t, StatusCancelled, f.get(t, token).Status)
}

func TestRunOnceDeliversDueOnly(t *testing.T) {
	f := newFixture(t)

	var delivered []string
	f.dispatcher.Register(TagInvoiceRun, func(ctx context.Context, n Notification) error {
		delivered = append(delivered, n.DedupeKey)
		return nil
	})

	due, err := f.queue.Schedule(context.Background(), ScheduleRequest{
		AccountID:     1,
		Tag:           TagInvoiceRun,
		EffectiveDate: f.clk.now.Add(-time.Hour),
		DedupeKey:     "due",
	})
	require.NoError(t, err)
	future, err := f.queue.Schedule(context.Background(), ScheduleRequest{
		AccountID:     1,
		Tag:           TagInvoiceRun,
		EffectiveDate: f.clk.now.Add(time.Hour),
		DedupeKey:     "future",
	})
	require.NoError(t, err)

	processed, err := f.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, []string{"due"}, delivered)

	row := f.get(t, due)
	require.Equal(t, StatusDelivered, row.Status)
	require.NotNil(t, row.DeliveredAt)
	require.Equal(t, StatusPending, f.get(t, future).Status)

	// the future one fires once the clock reaches it
	f.clk.now = f.clk.now.Add(2 * time.Hour)
	processed, err = f.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, []string{"due", "future"}, delivered)
}

func TestRunOnceRetriesFailedDelivery(t *testing.T) {
	f := newFixture(t)

	calls := 0
	f.dispatcher.Register(TagPaymentRetry, func(ctx context.Context, n Notification) error {
		calls++
		if calls == 1 {
			return errors.New("account busy")
		}
		return nil
	})

	token, err := f.queue.Schedule(context.Background(), ScheduleRequest{
		AccountID:     1,
		Tag:           TagPaymentRetry,
		EffectiveDate: f.clk.now,
	})
	require.NoError(t, err)

	processed, err := f.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, processed)

	row := f.get(t, token)
	require.Equal(t, StatusPending, row.Status)
	require.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.LastError)
	require.Equal(t, "account busy", *row.LastError)

	// still pending, so the next poll redelivers
	processed, err = f.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, processed)
	require.Equal(t, StatusDelivered, f.get(t, token).Status)
}

func TestRunOnceSkipsUnregisteredTag(t *testing.T) {
	f := newFixture(t)

	token, err := f.queue.Schedule(context.Background(), ScheduleRequest{
		AccountID:     1,
		Tag:           "billing.unmapped",
		EffectiveDate: f.clk.now,
	})
	require.NoError(t, err)

	processed, err := f.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, processed)

	// no handler is a deployment gap, not a delivery failure
	row := f.get(t, token)
	require.Equal(t, StatusPending, row.Status)
	require.Zero(t, row.Attempts)
}

func TestDeliverySkipsCancelledMidBatch(t *testing.T) {
	f := newFixture(t)

	var second snowflake.ID
	f.dispatcher.Register(TagParentCommit, func(ctx context.Context, n Notification) error {
		// the first handler cancels the second notification in the batch
		return f.queue.Cancel(ctx, second)
	})
	f.dispatcher.Register(TagPaymentRetry, func(ctx context.Context, n Notification) error {
		t.Fatal("cancelled notification must not reach its handler")
		return nil
	})

	first, err := f.queue.Schedule(context.Background(), ScheduleRequest{
		AccountID:     1,
		Tag:           TagParentCommit,
		EffectiveDate: f.clk.now.Add(-2 * time.Minute),
	})
	require.NoError(t, err)
	second, err = f.queue.Schedule(context.Background(), ScheduleRequest{
		AccountID:     1,
		Tag:           TagPaymentRetry,
		EffectiveDate: f.clk.now.Add(-time.Minute),
	})
	require.NoError(t, err)

	_, err = f.dispatcher.RunOnce(context.Background())
	require.NoError(t, err)

	require.Equal(t, StatusDelivered, f.get(t, first).Status)
	require.Equal(t, StatusCancelled, f.get(t, second).Status)
}
