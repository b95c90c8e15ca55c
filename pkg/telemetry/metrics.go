package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersActive      = "market_core_orders_active"
	MetricOrdersPlacedTotal = "market_core_orders_placed_total"
	MetricOrdersFilledTotal = "market_core_orders_filled_total"
	MetricMatchesTotal      = "market_core_matches_total"
	MetricSettlementsTotal  = "market_core_settlements_total"
	MetricVolumeTotal       = "market_core_volume_kwh_total"
	MetricEscrowLocked      = "market_core_escrow_locked"
	MetricLatencyOnChain    = "market_core_latency_onchain_ms"
	MetricLatencyMatchCycle = "market_core_latency_match_cycle_ms"
	MetricTriggersEvaluated = "market_core_conditional_triggers_evaluated"
	MetricEpochsActive      = "market_core_epochs_active"
)

// MetricsHolder holds initialized OTel instruments for the market core.
type MetricsHolder struct {
	OrdersActive      metric.Int64ObservableGauge
	OrdersPlacedTotal metric.Int64Counter
	OrdersFilledTotal metric.Int64Counter
	MatchesTotal      metric.Int64Counter
	SettlementsTotal  metric.Int64Counter
	VolumeTotal       metric.Float64Counter
	EscrowLocked      metric.Float64ObservableGauge
	LatencyOnChain    metric.Float64Histogram
	LatencyMatchCycle metric.Float64Histogram
	TriggersEvaluated metric.Int64Counter
	EpochsActive      metric.Int64ObservableGauge

	// State for observable gauges
	mu              sync.RWMutex
	activeOrdersMap map[string]int64
	escrowLockedMap map[string]float64
	epochsActiveMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			activeOrdersMap: make(map[string]int64),
			escrowLockedMap: make(map[string]float64),
			epochsActiveMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total orders created"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders fully filled"))
	if err != nil {
		return err
	}

	m.MatchesTotal, err = meter.Int64Counter(MetricMatchesTotal, metric.WithDescription("Total order matches produced by the matching engine"))
	if err != nil {
		return err
	}

	m.SettlementsTotal, err = meter.Int64Counter(MetricSettlementsTotal, metric.WithDescription("Total settlements confirmed"))
	if err != nil {
		return err
	}

	m.VolumeTotal, err = meter.Float64Counter(MetricVolumeTotal, metric.WithDescription("Total matched energy volume in kWh"))
	if err != nil {
		return err
	}

	m.LatencyOnChain, err = meter.Float64Histogram(MetricLatencyOnChain, metric.WithDescription("Latency of on-chain RPC calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.LatencyMatchCycle, err = meter.Float64Histogram(MetricLatencyMatchCycle, metric.WithDescription("Duration of one matching engine tick"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.TriggersEvaluated, err = meter.Int64Counter(MetricTriggersEvaluated, metric.WithDescription("Conditional orders evaluated by the price monitor"))
	if err != nil {
		return err
	}

	m.OrdersActive, err = meter.Int64ObservableGauge(MetricOrdersActive, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for zone, val := range m.activeOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("zone", zone)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EscrowLocked, err = meter.Float64ObservableGauge(MetricEscrowLocked, metric.WithDescription("Currently locked escrow balance"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for asset, val := range m.escrowLockedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("asset", asset)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.EpochsActive, err = meter.Int64ObservableGauge(MetricEpochsActive, metric.WithDescription("Epoch state machine gauge (1=active epoch exists)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for status, val := range m.epochsActiveMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("status", status)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetActiveOrders(zone string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[zone] = count
}

// AddActiveOrders adjusts the running open-order count for zone by delta,
// which is negative on cancel, fill, or expiry.
func (m *MetricsHolder) AddActiveOrders(zone string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeOrdersMap[zone] += delta
}

func (m *MetricsHolder) SetEscrowLocked(asset string, amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrowLockedMap[asset] = amount
}

// AddEscrowLocked adjusts the running locked balance for asset by delta,
// which may be negative on unlock/release.
func (m *MetricsHolder) AddEscrowLocked(asset string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrowLockedMap[asset] += delta
}

func (m *MetricsHolder) SetEpochsActive(status string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochsActiveMap[status] = count
}

// AddEpochsActive adjusts the running epoch count for status by delta.
func (m *MetricsHolder) AddEpochsActive(status string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epochsActiveMap[status] += delta
}

func (m *MetricsHolder) GetActiveOrders() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.activeOrdersMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetEscrowLocked() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.escrowLockedMap {
		res[k] = v
	}
	return res
}
