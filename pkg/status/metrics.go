package status

// Live metrics shared between the pipeline stages and the status display

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/heidpi/loggerbench/pkg/util"
)

// Metrics holds the current send rate, target rate and latency. Sends and the target rate come
// from the generator and latency from the analyzer; all are read by the status display. The values
// are independent, so a reader may see them from slightly different moments.
type Metrics struct {
	latencyUsec atomic.Uint64
	targetBits  atomic.Uint64
	sent        *util.RateWindow

	latencyGauge prometheus.Gauge
	targetGauge  prometheus.Gauge
}

// NewMetrics creates the metrics, registering their prometheus gauges with reg. The send rate is
// measured over rateWindow.
func NewMetrics(reg prometheus.Registerer, rateWindow time.Duration) *Metrics {
	m := &Metrics{
		latencyUsec: atomic.Uint64{},
		targetBits:  atomic.Uint64{},
		sent:        util.NewRateWindow(rateWindow),

		latencyGauge: util.RegisterMetric(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loggerbench_current_latency_microseconds",
				Help: "Most recently observed end-to-end latency through the logger",
			},
		)),
		targetGauge: util.RegisterMetric(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loggerbench_target_rate_events_per_second",
				Help: "Rate the active scenario profile is currently scheduling events at",
			},
		)),
	}
	util.RegisterMetric(reg, prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "loggerbench_current_rate_events_per_second",
			Help: "Rate of events sent to the logger, over the configured rate window",
		},
		m.Rate,
	))
	return m
}

func (m *Metrics) SetLatency(usec uint64) {
	m.latencyUsec.Store(usec)
	m.latencyGauge.Set(float64(usec))
}

func (m *Metrics) Latency() uint64 {
	return m.latencyUsec.Load()
}

// CountSent records n events written to the logger. Only the generator may call it.
func (m *Metrics) CountSent(n uint64) {
	m.sent.Add(n)
}

// Rate returns the send rate, in events per second, over the window ending now
func (m *Metrics) Rate() float64 {
	return m.sent.Rate()
}

// Sent returns the total number of events counted by CountSent
func (m *Metrics) Sent() uint64 {
	return m.sent.Total()
}

func (m *Metrics) SetTargetRate(eventsPerSecond float64) {
	m.targetBits.Store(math.Float64bits(eventsPerSecond))
	m.targetGauge.Set(eventsPerSecond)
}

// TargetRate returns the rate last scheduled by the generator, zero before the first event
func (m *Metrics) TargetRate() float64 {
	return math.Float64frombits(m.targetBits.Load())
}
