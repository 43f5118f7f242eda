package analyzer

// Consumer side of the watcher handoff: turns samples into latency figures and drives the status
// display.

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/heidpi/loggerbench/pkg/scenario"
	"github.com/heidpi/loggerbench/pkg/status"
	"github.com/heidpi/loggerbench/pkg/util"
	"github.com/heidpi/loggerbench/pkg/util/queue"
)

// Sample is a single event as observed by the watcher, correlated with the time the generator
// created it. Timestamps are microseconds since the Unix epoch.
type Sample struct {
	PacketID    uint64
	GeneratorTS uint64
	WatcherTS   uint64
}

// Latency returns the time between the generator creating the event and the watcher seeing it.
// Clock skew can make the watcher timestamp the earlier of the two, in which case the latency is
// zero.
func (s Sample) Latency() uint64 {
	return util.SaturatingSub(s.WatcherTS, s.GeneratorTS)
}

type Config struct {
	// IdleSleep is how long to wait before polling an empty queue again
	IdleSleep time.Duration
	// DisplayInterval is how often the status is rendered
	DisplayInterval time.Duration
	// ProducerGrace bounds how long shutdown waits for the producer to finish, when one was given
	// with WaitFor
	ProducerGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleSleep:       time.Millisecond,
		DisplayInterval: 500 * time.Millisecond,
		ProducerGrace:   2 * time.Second,
	}
}

type Analyzer struct {
	logger   *zap.Logger
	config   Config
	queue    *queue.SPSC[Sample]
	bus      *scenario.Bus
	status   *status.Metrics
	renderer status.Renderer
	metrics  analyzerMetrics

	producerDone <-chan struct{}

	processed  atomic.Uint64
	latencySum atomic.Uint64
	latencyMax atomic.Uint64
	// latencyMinPlusOne is offset by one, so that zero can mean "no samples yet"
	latencyMinPlusOne atomic.Uint64
}

type analyzerMetrics struct {
	samples prometheus.Counter
	latency prometheus.Histogram
}

func makeAnalyzerMetrics(reg prometheus.Registerer) analyzerMetrics {
	return analyzerMetrics{
		samples: util.RegisterMetric(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loggerbench_analyzer_samples_total",
				Help: "Number of samples taken off the watcher queue",
			},
		)),
		latency: util.RegisterMetric(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name: "loggerbench_analyzer_latency_seconds",
				Help: "End-to-end latency from event creation until it appears in the logger's output",
				// 10us up to ~10s
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 11),
			},
		)),
	}
}

func New(
	logger *zap.Logger,
	config Config,
	q *queue.SPSC[Sample],
	bus *scenario.Bus,
	metrics *status.Metrics,
	renderer status.Renderer,
	reg prometheus.Registerer,
) *Analyzer {
	return &Analyzer{
		logger:   logger,
		config:   config,
		queue:    q,
		bus:      bus,
		status:   metrics,
		renderer: renderer,
		metrics:  makeAnalyzerMetrics(reg),

		producerDone: nil,

		processed:         atomic.Uint64{},
		latencySum:        atomic.Uint64{},
		latencyMax:        atomic.Uint64{},
		latencyMinPlusOne: atomic.Uint64{},
	}
}

// WaitFor makes shutdown keep draining the queue until done is closed, so that samples the
// producer pushes on its way out are still counted. Must be called before Run.
func (a *Analyzer) WaitFor(done <-chan struct{}) {
	a.producerDone = done
}

// Run consumes samples until ctx is canceled. Before returning, it drains whatever is left in the
// queue and renders the final status.
func (a *Analyzer) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.config.DisplayInterval)
	defer ticker.Stop()

	idle := time.NewTimer(a.config.IdleSleep)
	defer idle.Stop()

	for {
		if ctx.Err() != nil {
			a.waitForProducer(idle)
			a.drain()
			a.render(true)
			summary := a.Summary()
			a.logger.Info("Analyzer finished", zap.Object("summary", summary))
			return nil
		}

		n := a.drain()

		select {
		case <-ticker.C:
			a.render(false)
		default:
		}

		if n == 0 {
			idle.Reset(a.config.IdleSleep)
			select {
			case <-ctx.Done():
			case <-idle.C:
			}
		}
	}
}

func (a *Analyzer) waitForProducer(idle *time.Timer) {
	if a.producerDone == nil {
		return
	}

	deadline := time.NewTimer(a.config.ProducerGrace)
	defer deadline.Stop()

	for {
		a.drain()
		idle.Reset(a.config.IdleSleep)
		select {
		case <-a.producerDone:
			return
		case <-deadline.C:
			a.logger.Warn("Producer did not finish in time, some samples may be missed",
				zap.Duration("grace", a.config.ProducerGrace))
			return
		case <-idle.C:
		}
	}
}

// drain processes every sample currently in the queue, returning how many there were
func (a *Analyzer) drain() int {
	n := 0
	for {
		s, ok := a.queue.TryPop()
		if !ok {
			return n
		}
		a.observe(s)
		n += 1
	}
}

func (a *Analyzer) observe(s Sample) {
	latency := s.Latency()

	a.status.SetLatency(latency)
	a.processed.Add(1)
	a.latencySum.Add(latency)
	util.AtomicMax(&a.latencyMax, latency)
	util.AtomicMin(&a.latencyMinPlusOne, latency+1)

	a.metrics.samples.Inc()
	a.metrics.latency.Observe(float64(latency) / 1e6)
}

func (a *Analyzer) render(final bool) {
	profile := a.bus.Current()
	a.renderer.Render(status.Snapshot{
		LatencyUsec: a.status.Latency(),
		Rate:        a.status.Rate(),
		TargetRate:  a.status.TargetRate(),
		Mode:        profile.Mode.String(),
		Label:       profile.Label(),
		Final:       final,
	})
}

// Summary is the aggregate of every sample processed so far
type Summary struct {
	Samples         uint64
	MinLatencyUsec  uint64
	MaxLatencyUsec  uint64
	MeanLatencyUsec float64
}

func (s Summary) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint64("samples", s.Samples)
	enc.AddUint64("minLatencyUsec", s.MinLatencyUsec)
	enc.AddUint64("maxLatencyUsec", s.MaxLatencyUsec)
	enc.AddFloat64("meanLatencyUsec", s.MeanLatencyUsec)
	return nil
}

// Summary returns the aggregate latency figures. It is safe to call concurrently with Run, though
// the figures may then be from slightly different moments.
func (a *Analyzer) Summary() Summary {
	samples := a.processed.Load()
	sum := a.latencySum.Load()

	var mean float64
	if samples != 0 {
		mean = float64(sum) / float64(samples)
	}

	return Summary{
		Samples:         samples,
		MinLatencyUsec:  util.SaturatingSub(a.latencyMinPlusOne.Load(), 1),
		MaxLatencyUsec:  a.latencyMax.Load(),
		MeanLatencyUsec: mean,
	}
}
