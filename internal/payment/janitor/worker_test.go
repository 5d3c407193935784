package janitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	domain "github.com/smallbiznis/tally/internal/payment/domain"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

// stubRepo serves a fixed unresolved backlog. The embedded interface
// panics on anything the worker has no business calling.
type stubRepo struct {
	domain.Repository
	unresolved    []domain.PaymentTransaction
	orphaned      []domain.PaymentAttempt
	pendingBefore time.Time
	initBefore    time.Time
	limit         int
}

func (r *stubRepo) ListUnresolvedTransactions(ctx context.Context, db *gorm.DB, pendingBefore time.Time, limit int) ([]domain.PaymentTransaction, error) {
	r.pendingBefore = pendingBefore
	r.limit = limit
	return r.unresolved, nil
}

func (r *stubRepo) ListOrphanedInitAttempts(ctx context.Context, db *gorm.DB, initBefore time.Time, limit int) ([]domain.PaymentAttempt, error) {
	r.initBefore = initBefore
	return r.orphaned, nil
}

type resolveResult struct {
	ok  bool
	err error
}

type stubService struct {
	domain.Service
	results    map[snowflake.ID]resolveResult
	calls      map[snowflake.ID]int
	adoptions  map[snowflake.ID]snowflake.ID
	adoptCalls map[snowflake.ID]int
}

func (s *stubService) ResolveStaleTransaction(ctx context.Context, transactionID snowflake.ID) (bool, error) {
	if s.calls == nil {
		s.calls = make(map[snowflake.ID]int)
	}
	s.calls[transactionID]++
	res := s.results[transactionID]
	return res.ok, res.err
}

func (s *stubService) AdoptOrphanedAttempt(ctx context.Context, attemptID snowflake.ID) (snowflake.ID, error) {
	if s.adoptCalls == nil {
		s.adoptCalls = make(map[snowflake.ID]int)
	}
	s.adoptCalls[attemptID]++
	return s.adoptions[attemptID], nil
}

func txn(id snowflake.ID) domain.PaymentTransaction {
	return domain.PaymentTransaction{ID: id, Status: domain.TransactionStatusUnknown}
}

func newWorker(repo *stubRepo, svc *stubService, clk *testClock, cfg Config) *Worker {
	return NewWorker(Params{
		Log:    zap.NewNop(),
		Clock:  clk,
		Repo:   repo,
		Svc:    svc,
		Config: cfg,
	})
}

func TestRunOnceResolvesBacklog(t *testing.T) {
	clk := &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	repo := &stubRepo{unresolved: []domain.PaymentTransaction{txn(1), txn(2)}}
	svc := &stubService{results: map[snowflake.ID]resolveResult{
		1: {ok: true},
		2: {ok: true},
	}}

	worker := newWorker(repo, svc, clk, Config{PendingAge: time.Hour, BatchSize: 10})

	resolved, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, resolved)
	require.Equal(t, clk.now.Add(-time.Hour), repo.pendingBefore)
	require.Equal(t, 10, repo.limit)
}

func TestRunOnceAdoptsOrphanedAttempts(t *testing.T) {
	clk := &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	repo := &stubRepo{orphaned: []domain.PaymentAttempt{
		{ID: 7, State: domain.AttemptStateInit},
		{ID: 8, State: domain.AttemptStateInit},
	}}
	// attempt 7 adopts into transaction 77; attempt 8 turns out to have
	// been claimed by the original submission after all
	svc := &stubService{
		adoptions: map[snowflake.ID]snowflake.ID{7: 77},
		results:   map[snowflake.ID]resolveResult{77: {ok: true}},
	}

	worker := newWorker(repo, svc, clk, Config{PendingAge: time.Hour})

	resolved, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resolved)
	require.Equal(t, clk.now.Add(-time.Hour), repo.initBefore)
	require.Equal(t, 1, svc.adoptCalls[7])
	require.Equal(t, 1, svc.calls[77])
	require.Equal(t, 1, svc.adoptCalls[8])
	require.Zero(t, svc.calls[8])
}

func TestRunOnceBacksOffAmbiguousTransactions(t *testing.T) {
	clk := &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	repo := &stubRepo{unresolved: []domain.PaymentTransaction{txn(1)}}
	svc := &stubService{results: map[snowflake.ID]resolveResult{
		1: {ok: false},
	}}

	worker := newWorker(repo, svc, clk, Config{RequeryBackoff: 30 * time.Millisecond})

	resolved, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, resolved)
	require.Equal(t, 1, svc.calls[1])

	// within the backoff window the processor is not asked again
	resolved, err = worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, resolved)
	require.Equal(t, 1, svc.calls[1])

	// once the backoff lapses the sweep requeries
	time.Sleep(50 * time.Millisecond)
	svc.results[1] = resolveResult{ok: true}
	resolved, err = worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resolved)
	require.Equal(t, 2, svc.calls[1])
}

func TestRunOnceBacksOffWhenProcessorUnavailable(t *testing.T) {
	clk := &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	repo := &stubRepo{unresolved: []domain.PaymentTransaction{txn(1)}}
	svc := &stubService{results: map[snowflake.ID]resolveResult{
		1: {err: domain.ErrProcessorUnavailable},
	}}

	worker := newWorker(repo, svc, clk, Config{RequeryBackoff: time.Minute})

	resolved, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, resolved)

	resolved, err = worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, resolved)
	require.Equal(t, 1, svc.calls[1])
}

func TestRunOnceRetriesFailuresNextSweep(t *testing.T) {
	clk := &testClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	repo := &stubRepo{unresolved: []domain.PaymentTransaction{txn(1), txn(2)}}
	svc := &stubService{results: map[snowflake.ID]resolveResult{
		1: {err: errors.New("row vanished")},
		2: {ok: true},
	}}

	worker := newWorker(repo, svc, clk, Config{})

	// one bad transaction never blocks the rest of the batch
	resolved, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resolved)

	// unlike ambiguity, plain failures carry no backoff
	svc.results[1] = resolveResult{ok: true}
	resolved, err = worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, resolved)
	require.Equal(t, 2, svc.calls[1])
}
