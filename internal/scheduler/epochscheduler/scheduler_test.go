package epochscheduler

import (
	"context"
	"testing"
	"time"

	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/epoch"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct{}

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

type fakeBeginner struct{}

func (fakeBeginner) Begin(ctx context.Context) (core.Tx, error) { return fakeTx{}, nil }

type fakeEpochRepo struct {
	byID     map[uuid.UUID]*core.Epoch
	byNumber map[int64]*core.Epoch
}

func newFakeEpochRepo(epochs ...*core.Epoch) *fakeEpochRepo {
	f := &fakeEpochRepo{byID: map[uuid.UUID]*core.Epoch{}, byNumber: map[int64]*core.Epoch{}}
	for _, e := range epochs {
		f.byID[e.ID] = e
		f.byNumber[e.EpochNumber] = e
	}
	return f
}

func (f *fakeEpochRepo) Insert(ctx context.Context, tx core.Tx, e *core.Epoch) error {
	if _, exists := f.byNumber[e.EpochNumber]; !exists {
		f.byNumber[e.EpochNumber] = e
		f.byID[e.ID] = e
	}
	return nil
}
func (f *fakeEpochRepo) Update(ctx context.Context, tx core.Tx, e *core.Epoch) error {
	f.byID[e.ID] = e
	f.byNumber[e.EpochNumber] = e
	return nil
}
func (f *fakeEpochRepo) GetByNumber(ctx context.Context, epochNumber int64) (*core.Epoch, error) {
	e, ok := f.byNumber[epochNumber]
	if !ok {
		return nil, nil
	}
	return e, nil
}
func (f *fakeEpochRepo) Latest(ctx context.Context) (*core.Epoch, error) { return nil, nil }
func (f *fakeEpochRepo) PendingEnteringWindow(ctx context.Context, now time.Time) ([]*core.Epoch, error) {
	return nil, nil
}
func (f *fakeEpochRepo) ActiveExpired(ctx context.Context, now time.Time) ([]*core.Epoch, error) {
	var out []*core.Epoch
	for _, e := range f.byID {
		if e.Status == core.EpochActive && !e.EndTime.After(now) {
			out = append(out, e)
		}
	}
	return out, nil
}
func (f *fakeEpochRepo) ClearedUnsettled(ctx context.Context) ([]*core.Epoch, error) { return nil, nil }
func (f *fakeEpochRepo) RecentClearedOrSettled(ctx context.Context, limit int) ([]*core.Epoch, error) {
	return nil, nil
}

type fakeMatcher struct {
	calls []uuid.UUID
}

func (f *fakeMatcher) MatchEpoch(ctx context.Context, epochID uuid.UUID) (int, error) {
	f.calls = append(f.calls, epochID)
	return 1, nil
}

type capturingWS struct {
	events []core.EpochTransitionEvent
}

func (c *capturingWS) BroadcastOrderCreated(order *core.Order)           {}
func (c *capturingWS) BroadcastOrderUpdated(order *core.Order)           {}
func (c *capturingWS) BroadcastOrderMatched(match *core.OrderMatch)      {}
func (c *capturingWS) BroadcastTradeExecuted(s *core.Settlement)         {}
func (c *capturingWS) BroadcastP2POrderUpdate(order *core.Order)         {}
func (c *capturingWS) BroadcastEpochTransition(e core.EpochTransitionEvent) {
	c.events = append(c.events, e)
}

type nopLogger struct{}

func (nopLogger) Debug(msg string, fields ...interface{})               {}
func (nopLogger) Info(msg string, fields ...interface{})                {}
func (nopLogger) Warn(msg string, fields ...interface{})                {}
func (nopLogger) Error(msg string, fields ...interface{})                {}
func (nopLogger) Fatal(msg string, fields ...interface{})                {}
func (nopLogger) WithField(key string, value interface{}) core.ILogger  { return nopLogger{} }
func (nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return nopLogger{} }

func TestTickClearsEpochAndCreatesNext(t *testing.T) {
	now := time.Date(2026, 8, 1, 14, 45, 0, 0, time.UTC)
	active := &core.Epoch{
		ID: uuid.New(), EpochNumber: epoch.Number(now.Add(-time.Minute)),
		StartTime: now.Add(-15 * time.Minute), EndTime: now,
		Status: core.EpochActive, TotalVolume: decimal.Zero,
	}
	repo := newFakeEpochRepo(active)
	reg := epoch.New(repo, fakeBeginner{})
	matcher := &fakeMatcher{}
	ws := &capturingWS{}

	s := New(reg, matcher, ws, nopLogger{}, time.Minute)
	s.tick(context.Background(), now)

	assert.Equal(t, core.EpochCleared, repo.byID[active.ID].Status)
	require.Len(t, matcher.calls, 1)
	assert.Equal(t, active.ID, matcher.calls[0])

	nextNumber := epoch.Number(now.Add(15 * time.Minute))
	next, ok := repo.byNumber[nextNumber]
	require.True(t, ok)
	assert.Equal(t, core.EpochPending, next.Status)

	require.Len(t, ws.events, 1)
	assert.Equal(t, core.EpochCleared, ws.events[0].NewStatus)
}
