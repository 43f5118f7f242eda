package generator

// Synthetic event source: serves length-prefixed JSON events to the logger under test, paced by
// the active scenario profile.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/heidpi/loggerbench/pkg/scenario"
	"github.com/heidpi/loggerbench/pkg/status"
	"github.com/heidpi/loggerbench/pkg/util"
	"github.com/heidpi/loggerbench/pkg/wire"
)

type Config struct {
	Host string
	Port uint16
	// StartDelay is how long to wait after the logger connects before sending the first event
	StartDelay time.Duration
	// SpinThreshold is the interval below which the generator yields in a loop instead of using a
	// timer
	SpinThreshold time.Duration
	// MaxLag is how far behind schedule the generator may fall before it gives up on catching up
	// and resets its schedule to the current time
	MaxLag  time.Duration
	Weights wire.Weights
	Seed    uint64
}

func DefaultConfig() Config {
	return Config{
		Host:          "127.0.0.1",
		Port:          7000,
		StartDelay:    time.Second,
		SpinThreshold: 50 * time.Microsecond,
		MaxLag:        time.Second,
		Weights:       wire.DefaultWeights(),
		Seed:          uint64(time.Now().UnixNano()),
	}
}

type Generator struct {
	logger   *zap.Logger
	config   Config
	listener net.Listener
	bus      *scenario.Bus
	status   *status.Metrics
	metrics  generatorMetrics

	factory   *wire.Factory
	connected chan struct{}
}

type generatorMetrics struct {
	events *prometheus.CounterVec
	bytes  prometheus.Counter
	resets prometheus.Counter
}

func makeGeneratorMetrics(reg prometheus.Registerer) generatorMetrics {
	return generatorMetrics{
		events: util.RegisterMetric(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loggerbench_generator_events_sent_total",
				Help: "Number of events written to the logger connection",
			},
			[]string{"kind"},
		)),
		bytes: util.RegisterMetric(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loggerbench_generator_bytes_sent_total",
				Help: "Number of bytes written to the logger connection, including frame headers",
			},
		)),
		resets: util.RegisterMetric(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loggerbench_generator_schedule_resets_total",
				Help: "Number of times the generator fell too far behind schedule and reset it",
			},
		)),
	}
}

// Listen binds the generator's listening socket. The returned Generator does nothing until Run
// is called, but the logger may connect as soon as Listen returns.
func Listen(
	ctx context.Context,
	logger *zap.Logger,
	config Config,
	bus *scenario.Bus,
	metrics *status.Metrics,
	reg prometheus.Registerer,
) (*Generator, error) {
	if err := config.Weights.Validate(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(config.Host, strconv.Itoa(int(config.Port)))
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("Error listening on %s: %w", addr, err)
	}

	logger.Info("Generator listening", zap.String("addr", listener.Addr().String()))

	return &Generator{
		logger:   logger,
		config:   config,
		listener: listener,
		bus:      bus,
		status:   metrics,
		metrics:  makeGeneratorMetrics(reg),

		factory:   wire.NewFactory(config.Weights, config.Seed),
		connected: make(chan struct{}),
	}, nil
}

// Addr returns the address the generator is listening on
func (g *Generator) Addr() net.Addr {
	return g.listener.Addr()
}

// Connected returns a channel that is closed once the logger has connected
func (g *Generator) Connected() <-chan struct{} {
	return g.connected
}

// Run accepts a single connection and sends events on it until ctx is canceled.
//
// Failing to accept or write to the connection is logged, and Run returns nil. There's no way to
// continue the benchmark without the logger, but the rest of the harness can still shut down
// cleanly.
func (g *Generator) Run(ctx context.Context) error {
	conn, err := g.accept(ctx)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Error("Failed to accept logger connection", zap.Error(err))
		}
		return nil
	}
	defer conn.Close()
	close(g.connected)

	g.logger.Info("Logger connected", zap.String("remote", conn.RemoteAddr().String()))

	// unblock any in-progress write on shutdown
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if !sleepCtx(ctx, g.config.StartDelay) {
		return nil
	}

	g.send(ctx, conn)
	return nil
}

func (g *Generator) accept(ctx context.Context) (net.Conn, error) {
	defer g.listener.Close()

	stop := context.AfterFunc(ctx, func() { _ = g.listener.Close() })
	defer stop()

	return g.listener.Accept()
}

func (g *Generator) send(ctx context.Context, conn net.Conn) {
	enc := wire.NewEncoder(conn)
	sub := g.bus.Subscribe()
	profile := g.bus.Current()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	defer func() {
		g.logger.Info("Generator stopped", zap.Uint64("events", g.factory.Issued()))
	}()

	next := time.Now()
	for ctx.Err() == nil {
		ev := g.factory.Next()
		n, err := enc.Encode(ev)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			g.logger.Error(
				"Failed to send event, stopping generator",
				zap.Uint64("packetID", ev.PacketID()),
				zap.Error(err),
			)
			return
		}

		g.metrics.events.WithLabelValues(ev.Kind().String()).Inc()
		g.metrics.bytes.Add(float64(n))
		g.status.CountSent(1)

		now := time.Now()
		next = next.Add(profile.NextIntervalAt(now))
		g.status.SetTargetRate(profile.RateAt(now))
		if lag := now.Sub(next); lag > g.config.MaxLag {
			g.metrics.resets.Inc()
			g.logger.Warn("Generator fell behind schedule, resetting", zap.Duration("lag", lag))
			next = now
		}

		if g.waitUntil(ctx, sub, timer, next) {
			// new profile: start its schedule from now rather than the old profile's deadline
			next = time.Now()
		}
		if p := g.bus.Current(); p != profile {
			g.logger.Info("Generator switched profile", zap.String("mode", p.Mode.String()),
				zap.String("label", p.Label()), zap.Uint64("previousProfileEvents", profile.Sent()))
			profile = p
		}
	}
}

// waitUntil sleeps until deadline, ctx is canceled, or a new profile is published. It returns
// true if it was woken by a new profile.
func (g *Generator) waitUntil(
	ctx context.Context,
	sub *scenario.Subscription,
	timer *time.Timer,
	deadline time.Time,
) (changed bool) {
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}

	if d < g.config.SpinThreshold {
		for time.Now().Before(deadline) {
			runtime.Gosched()
		}
		return false
	}

	timer.Reset(d)
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return false
	case <-sub.Wait():
		sub.Ack()
		return true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
