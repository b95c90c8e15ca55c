// Package epoch implements the Epoch Registry: 15-minute trading window
// bookkeeping and the epoch status state machine (pending -> active ->
// cleared -> settled).
package epoch

import (
	"context"
	"time"

	"p2p_energy_market/internal/apperrors"
	"p2p_energy_market/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const windowMinutes = 15

// Registry is the Epoch Registry service. It owns epoch numbering,
// window computation and the epoch status transitions; all persistence
// goes through core.IEpochRepository.
type Registry struct {
	repo   core.IEpochRepository
	beginr core.ITxBeginner
}

func New(repo core.IEpochRepository, beginr core.ITxBeginner) *Registry {
	return &Registry{repo: repo, beginr: beginr}
}

// Number computes the epoch number for t: YYYYMMDDHHmm with minute
// floored to the nearest 15-minute boundary.
func Number(t time.Time) int64 {
	t = t.UTC()
	floored := (t.Minute() / windowMinutes) * windowMinutes
	return int64(t.Year())*100_000_000 +
		int64(t.Month())*1_000_000 +
		int64(t.Day())*10_000 +
		int64(t.Hour())*100 +
		int64(floored)
}

// Window returns the [start, end) bounds of the 15-minute window containing t.
func Window(t time.Time) (start, end time.Time) {
	t = t.UTC()
	floored := (t.Minute() / windowMinutes) * windowMinutes
	start = time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), floored, 0, 0, time.UTC)
	end = start.Add(windowMinutes * time.Minute)
	return start, end
}

// statusForWindow derives the status an epoch should carry given now,
// without ever moving a cleared or settled epoch backwards.
func statusForWindow(current core.EpochStatus, start, end, now time.Time) core.EpochStatus {
	if current == core.EpochCleared || current == core.EpochSettled {
		return current
	}
	switch {
	case now.Before(start):
		return core.EpochPending
	case now.Before(end):
		return core.EpochActive
	default:
		return core.EpochCleared
	}
}

// GetOrCreateEpoch returns the epoch covering t. An existing epoch has its
// status advanced to match the current wall clock; an absent one is created
// with status pending, whatever the clock says. Idempotent by
// epoch number: concurrent callers racing to create the same window
// converge on the row the unique epoch_number constraint keeps.
func (r *Registry) GetOrCreateEpoch(ctx context.Context, t time.Time) (*core.Epoch, error) {
	number := Number(t)
	start, end := Window(t)

	existing, err := r.repo.GetByNumber(ctx, number)
	if err != nil && !apperrors.IsNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()

	if existing != nil {
		newStatus := statusForWindow(existing.Status, start, end, now)
		if newStatus != existing.Status {
			existing.Status = newStatus
			tx, err := r.beginr.Begin(ctx)
			if err != nil {
				return nil, apperrors.NewDatabaseFailure("begin epoch status update", err)
			}
			if err := r.repo.Update(ctx, tx, existing); err != nil {
				tx.Rollback(ctx)
				return nil, err
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, apperrors.NewDatabaseFailure("commit epoch status update", err)
			}
		}
		return existing, nil
	}

	newEpoch := &core.Epoch{
		ID:          uuid.New(),
		EpochNumber: number,
		StartTime:   start,
		EndTime:     end,
		Status:      core.EpochPending,
		TotalVolume: decimal.Zero,
	}

	tx, err := r.beginr.Begin(ctx)
	if err != nil {
		return nil, apperrors.NewDatabaseFailure("begin epoch create", err)
	}
	if err := r.repo.Insert(ctx, tx, newEpoch); err != nil {
		tx.Rollback(ctx)
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.NewDatabaseFailure("commit epoch create", err)
	}

	// Another caller may have won the ON CONFLICT race; re-read to converge
	// on whichever row actually persisted.
	created, err := r.repo.GetByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Current returns the epoch whose window contains now, if one has been
// created yet.
func (r *Registry) Current(ctx context.Context) (*core.Epoch, error) {
	latest, err := r.repo.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	if now.Before(latest.StartTime) || !now.Before(latest.EndTime) {
		return nil, nil
	}
	return latest, nil
}

// TransitionToActive moves epochs past their start_time from pending to
// active, called by the Epoch Scheduler each tick. Each transitioned epoch
// is persisted before being returned.
func (r *Registry) TransitionToActive(ctx context.Context, now time.Time) ([]*core.Epoch, error) {
	pending, err := r.repo.PendingEnteringWindow(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, e := range pending {
		e.Status = core.EpochActive
		tx, err := r.beginr.Begin(ctx)
		if err != nil {
			return nil, apperrors.NewDatabaseFailure("begin epoch activation", err)
		}
		if err := r.repo.Update(ctx, tx, e); err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, apperrors.NewDatabaseFailure("commit epoch activation", err)
		}
	}
	return pending, nil
}

// TransitionToCleared flips epochs whose window has ended from active to
// cleared, ahead of order matching running against them, and returns the
// transitioned epochs for the caller to run matching on.
func (r *Registry) TransitionToCleared(ctx context.Context, now time.Time) ([]*core.Epoch, error) {
	expired, err := r.repo.ActiveExpired(ctx, now)
	if err != nil {
		return nil, err
	}
	for _, e := range expired {
		e.Status = core.EpochCleared
		tx, err := r.beginr.Begin(ctx)
		if err != nil {
			return nil, apperrors.NewDatabaseFailure("begin epoch clearing", err)
		}
		if err := r.repo.Update(ctx, tx, e); err != nil {
			tx.Rollback(ctx)
			return nil, err
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, apperrors.NewDatabaseFailure("commit epoch clearing", err)
		}
	}
	return expired, nil
}

// MarkCleared persists the clearing statistics computed by the Market
// Clearing Service and advances the epoch to cleared.
func (r *Registry) MarkCleared(ctx context.Context, tx core.Tx, e *core.Epoch, totalVolume decimal.Decimal, matchedOrders, totalOrders int64) error {
	e.Status = core.EpochCleared
	e.TotalVolume = totalVolume
	e.MatchedOrders = matchedOrders
	e.TotalOrders = totalOrders
	return r.repo.Update(ctx, tx, e)
}

// MarkSettled advances a cleared epoch to settled once every match it
// produced has a confirmed or failed settlement.
func (r *Registry) MarkSettled(ctx context.Context, tx core.Tx, e *core.Epoch) error {
	e.Status = core.EpochSettled
	return r.repo.Update(ctx, tx, e)
}

// ClearedUnsettled lists epochs awaiting settlement completion, used by the
// Epoch Scheduler to drive the cleared -> settled transition.
func (r *Registry) ClearedUnsettled(ctx context.Context) ([]*core.Epoch, error) {
	return r.repo.ClearedUnsettled(ctx)
}

// Statistics returns the most recent cleared or settled epochs, newest
// first, for the market-statistics projection.
func (r *Registry) Statistics(ctx context.Context, limit int) ([]*core.Epoch, error) {
	return r.repo.RecentClearedOrSettled(ctx, limit)
}
