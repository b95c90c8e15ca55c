package epoch

import (
	"testing"
	"time"

	"p2p_energy_market/internal/core"

	"github.com/stretchr/testify/assert"
)

func TestNumberFloorsToFifteenMinutes(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 37, 12, 0, time.UTC)
	assert.Equal(t, int64(2026_03_05_14_30), Number(ts))
}

func TestNumberAtExactBoundary(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, int64(2026_01_01_00_00), Number(ts))
}

func TestWindowBounds(t *testing.T) {
	ts := time.Date(2026, 3, 5, 14, 37, 12, 0, time.UTC)
	start, end := Window(ts)
	assert.Equal(t, time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 5, 14, 45, 0, 0, time.UTC), end)
}

func TestStatusForWindowTransitions(t *testing.T) {
	start := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	end := start.Add(15 * time.Minute)

	assert.Equal(t, core.EpochPending, statusForWindow(core.EpochPending, start, end, start.Add(-time.Minute)))
	assert.Equal(t, core.EpochActive, statusForWindow(core.EpochPending, start, end, start.Add(time.Minute)))
	assert.Equal(t, core.EpochCleared, statusForWindow(core.EpochActive, start, end, end.Add(time.Second)))
}

func TestStatusForWindowNeverRegressesSettled(t *testing.T) {
	start := time.Date(2026, 3, 5, 14, 30, 0, 0, time.UTC)
	end := start.Add(15 * time.Minute)
	assert.Equal(t, core.EpochSettled, statusForWindow(core.EpochSettled, start, end, start.Add(time.Minute)))
	assert.Equal(t, core.EpochCleared, statusForWindow(core.EpochCleared, start, end, start.Add(time.Minute)))
}
