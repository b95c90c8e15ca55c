// Package epochscheduler implements the Epoch Scheduler: the background
// worker that advances market epochs through pending -> active -> cleared
// and triggers order matching the moment an epoch's window closes.
package epochscheduler

import (
	"context"
	"sync"
	"time"

	"p2p_energy_market/internal/core"
	"p2p_energy_market/internal/epoch"
	"p2p_energy_market/internal/matching"
	"p2p_energy_market/pkg/telemetry"

	"github.com/google/uuid"
)

const defaultInterval = 60 * time.Second

// MatchEpocher is the narrow surface of matching.Engine the scheduler drives.
type MatchEpocher interface {
	MatchEpoch(ctx context.Context, epochID uuid.UUID) (int, error)
}

var _ MatchEpocher = (*matching.Engine)(nil)

// Scheduler is the Epoch Scheduler.
type Scheduler struct {
	epochs   *epoch.Registry
	matcher  MatchEpocher
	ws       core.IWebSocketBroadcaster
	logger   core.ILogger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(epochs *epoch.Registry, matcher MatchEpocher, ws core.IWebSocketBroadcaster, logger core.ILogger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		epochs:   epochs,
		matcher:  matcher,
		ws:       ws,
		logger:   logger.WithField("component", "epoch_scheduler"),
		interval: interval,
	}
}

// Run starts the tick loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Info("starting epoch scheduler", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runCtx, runCancel := context.WithTimeout(ctx, 30*time.Second)
			s.tick(runCtx, time.Now().UTC())
			runCancel()
		}
	}
}

// Stop cancels the tick loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	activated, err := s.epochs.TransitionToActive(ctx, now)
	if err != nil {
		s.logger.Error("activate pending epochs failed", "error", err.Error())
	}
	mh := telemetry.GetGlobalMetrics()
	for _, e := range activated {
		s.logger.Info("epoch activated", "epoch_number", e.EpochNumber, "epoch_id", e.ID.String())
		s.publish(e.ID, e.EpochNumber, core.EpochPending, core.EpochActive, now)
		mh.AddEpochsActive("active", 1)
	}

	cleared, err := s.epochs.TransitionToCleared(ctx, now)
	if err != nil {
		s.logger.Error("clear expired epochs failed", "error", err.Error())
	}
	for _, e := range cleared {
		s.logger.Info("epoch cleared, running matching", "epoch_number", e.EpochNumber, "epoch_id", e.ID.String())
		s.publish(e.ID, e.EpochNumber, core.EpochActive, core.EpochCleared, now)
		mh.AddEpochsActive("active", -1)

		matched, err := s.matcher.MatchEpoch(ctx, e.ID)
		if err != nil {
			// The epoch stays cleared. TransitionToCleared only returns
			// active epochs, so later ticks do not retry matching for it;
			// a retry has to target this epoch id directly.
			s.logger.Error("order matching failed for cleared epoch", "epoch_id", e.ID.String(), "error", err.Error())
			continue
		}
		s.logger.Info("order matching completed", "epoch_id", e.ID.String(), "matches_created", matched)
	}

	if err := s.ensureNextEpoch(ctx, now); err != nil {
		s.logger.Error("ensure next epoch failed", "error", err.Error())
	}
}

func (s *Scheduler) ensureNextEpoch(ctx context.Context, now time.Time) error {
	_, end := epoch.Window(now)
	_, err := s.epochs.GetOrCreateEpoch(ctx, end)
	return err
}

var _ core.IRunner = (*Scheduler)(nil)

func (s *Scheduler) publish(epochID uuid.UUID, epochNumber int64, old, new_ core.EpochStatus, at time.Time) {
	if s.ws == nil {
		return
	}
	s.ws.BroadcastEpochTransition(core.EpochTransitionEvent{
		EpochID:        epochID,
		EpochNumber:    epochNumber,
		OldStatus:      old,
		NewStatus:      new_,
		TransitionTime: at,
	})
}
