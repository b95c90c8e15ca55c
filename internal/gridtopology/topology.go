// Package gridtopology is the pure zone-cost lookup consumed by the Order
// Matching Engine when ranking candidates by landed cost.
package gridtopology

import (
	"p2p_energy_market/internal/core"

	"github.com/shopspring/decimal"
)

// ZoneCost is one entry of the cross-zone wheeling/loss table.
type ZoneCost struct {
	Wheeling   decimal.Decimal
	LossFactor decimal.Decimal
}

// Config is the static wheeling/loss table plus the conservative defaults
// applied when either zone is unknown.
type Config struct {
	SameZoneWheeling   decimal.Decimal
	SameZoneLoss       decimal.Decimal
	DefaultWheeling    decimal.Decimal
	DefaultLoss        decimal.Decimal
	Table              map[zonePair]ZoneCost
}

type zonePair struct {
	seller int32
	buyer  int32
}

// DefaultConfig mirrors the conservative fallback values the spec requires:
// unknown zones pay more wheeling and lose more energy than any configured pair.
func DefaultConfig() *Config {
	return &Config{
		SameZoneWheeling: decimal.Zero,
		SameZoneLoss:     decimal.NewFromFloat(0.01),
		DefaultWheeling:  decimal.NewFromFloat(0.05),
		DefaultLoss:      decimal.NewFromFloat(0.08),
		Table:            make(map[zonePair]ZoneCost),
	}
}

// Add registers a wheeling/loss pair for a specific (seller, buyer) zone pair.
func (c *Config) Add(sellerZone, buyerZone int32, wheeling, loss decimal.Decimal) {
	c.Table[zonePair{sellerZone, buyerZone}] = ZoneCost{Wheeling: wheeling, LossFactor: loss}
}

// Service is the stateless grid topology lookup.
type Service struct {
	cfg *Config
}

// New builds a Service from a static table config.
func New(cfg *Config) *Service {
	return &Service{cfg: cfg}
}

var _ core.IGridTopology = (*Service)(nil)

// WheelingCharge returns the per-kWh wheeling surcharge for the given zone pair.
func (s *Service) WheelingCharge(sellerZone, buyerZone *int32) decimal.Decimal {
	cost, ok := s.lookup(sellerZone, buyerZone)
	if !ok {
		return s.cfg.DefaultWheeling
	}
	return cost.Wheeling
}

// LossFactor returns the fractional transmission loss for the given zone pair.
func (s *Service) LossFactor(sellerZone, buyerZone *int32) decimal.Decimal {
	cost, ok := s.lookup(sellerZone, buyerZone)
	if !ok {
		return s.cfg.DefaultLoss
	}
	return cost.LossFactor
}

func (s *Service) lookup(sellerZone, buyerZone *int32) (ZoneCost, bool) {
	if sellerZone == nil || buyerZone == nil {
		return ZoneCost{}, false
	}
	if *sellerZone == *buyerZone {
		return ZoneCost{Wheeling: s.cfg.SameZoneWheeling, LossFactor: s.cfg.SameZoneLoss}, true
	}
	cost, ok := s.cfg.Table[zonePair{*sellerZone, *buyerZone}]
	return cost, ok
}
