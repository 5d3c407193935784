package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	domain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/internal/usage/repository"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type fixture struct {
	db     *gorm.DB
	worker *Worker
	node   *snowflake.Node
	clk    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&domain.UsageRecord{}, &domain.UsageRollup{}))

	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	clk := &testClock{now: time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)}

	worker := NewWorker(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return &fixture{db: db, worker: worker, node: node, clk: clk}
}

func (f *fixture) seedRecord(t *testing.T, sub snowflake.ID, meter string, quantity int64, at time.Time) {
	t.Helper()
	record := domain.UsageRecord{
		ID:             f.node.Generate(),
		AccountID:      1,
		SubscriptionID: sub,
		MeterCode:      meter,
		Quantity:       quantity,
		RecordedAt:     at,
		IdempotencyKey: fmt.Sprintf("seed-%d", f.node.Generate()),
		CreatedAt:      at,
	}
	require.NoError(t, f.db.Create(&record).Error)
}

func (f *fixture) rollups(t *testing.T, sub snowflake.ID) []domain.UsageRollup {
	t.Helper()
	var out []domain.UsageRollup
	require.NoError(t, f.db.
		Where("subscription_id = ?", sub).
		Order("day ASC, meter_code ASC").
		Find(&out).Error)
	return out
}

func TestRunOnceBucketsByMeterAndDay(t *testing.T) {
	f := newFixture(t)
	sub := f.node.Generate()

	f.seedRecord(t, sub, "api_calls", 10, time.Date(2024, 1, 20, 8, 0, 0, 0, time.UTC))
	f.seedRecord(t, sub, "api_calls", 5, time.Date(2024, 1, 20, 22, 0, 0, 0, time.UTC))
	f.seedRecord(t, sub, "api_calls", 7, time.Date(2024, 1, 21, 1, 0, 0, 0, time.UTC))
	f.seedRecord(t, sub, "storage_gb", 3, time.Date(2024, 1, 20, 9, 0, 0, 0, time.UTC))

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, processed)

	rollups := f.rollups(t, sub)
	require.Len(t, rollups, 3)

	require.Equal(t, "api_calls", rollups[0].MeterCode)
	require.Equal(t, time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC), rollups[0].Day.UTC())
	require.Equal(t, int64(15), rollups[0].Quantity)

	require.Equal(t, "storage_gb", rollups[1].MeterCode)
	require.Equal(t, int64(3), rollups[1].Quantity)

	require.Equal(t, "api_calls", rollups[2].MeterCode)
	require.Equal(t, time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC), rollups[2].Day.UTC())
	require.Equal(t, int64(7), rollups[2].Quantity)

	var unsnapshotted int64
	require.NoError(t, f.db.Model(&domain.UsageRecord{}).
		Where("snapshot_at IS NULL").Count(&unsnapshotted).Error)
	require.Zero(t, unsnapshotted)
}

func TestRunOnceIsIncrementalAcrossSweeps(t *testing.T) {
	f := newFixture(t)
	sub := f.node.Generate()

	f.seedRecord(t, sub, "api_calls", 10, time.Date(2024, 1, 20, 8, 0, 0, 0, time.UTC))

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	// already snapshotted records are never re-consumed
	processed, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, processed)

	// a late record for the same day accumulates onto the existing rollup
	f.seedRecord(t, sub, "api_calls", 4, time.Date(2024, 1, 20, 23, 0, 0, 0, time.UTC))
	processed, err = f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	rollups := f.rollups(t, sub)
	require.Len(t, rollups, 1)
	require.Equal(t, int64(14), rollups[0].Quantity)
}

func TestRunOnceEmptyBacklog(t *testing.T) {
	f := newFixture(t)

	processed, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, processed)
}

func TestRunOnceHonorsBatchSize(t *testing.T) {
	f := newFixture(t)
	sub := f.node.Generate()

	for i := 0; i < 5; i++ {
		f.seedRecord(t, sub, "api_calls", 1, time.Date(2024, 1, 20, i, 0, 0, 0, time.UTC))
	}

	worker := NewWorker(Params{
		DB:     f.db,
		Log:    zap.NewNop(),
		GenID:  f.node,
		Clock:  f.clk,
		Repo:   repository.Provide(),
		Config: Config{BatchSize: 2},
	})

	processed, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, processed)

	processed, err = worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, processed)

	processed, err = worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	rollups := f.rollups(t, sub)
	require.Len(t, rollups, 1)
	require.Equal(t, int64(5), rollups[0].Quantity)
}
