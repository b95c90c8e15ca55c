package gridtopology

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func zone(z int32) *int32 { return &z }

func TestCrossZoneLookup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Add(2, 1, decimal.NewFromFloat(0.02), decimal.NewFromFloat(0.05))
	svc := New(cfg)

	assert.True(t, svc.WheelingCharge(zone(2), zone(1)).Equal(decimal.NewFromFloat(0.02)))
	assert.True(t, svc.LossFactor(zone(2), zone(1)).Equal(decimal.NewFromFloat(0.05)))
}

func TestSameZoneIsCheap(t *testing.T) {
	svc := New(DefaultConfig())
	assert.True(t, svc.WheelingCharge(zone(1), zone(1)).IsZero())
	assert.True(t, svc.LossFactor(zone(1), zone(1)).Equal(decimal.NewFromFloat(0.01)))
}

func TestUnknownZoneFallsBackToDefault(t *testing.T) {
	cfg := DefaultConfig()
	svc := New(cfg)
	assert.True(t, svc.WheelingCharge(nil, zone(1)).Equal(cfg.DefaultWheeling))
	assert.True(t, svc.LossFactor(zone(1), nil).Equal(cfg.DefaultLoss))
}
