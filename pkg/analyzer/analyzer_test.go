package analyzer_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/heidpi/loggerbench/pkg/analyzer"
	"github.com/heidpi/loggerbench/pkg/scenario"
	"github.com/heidpi/loggerbench/pkg/status"
	"github.com/heidpi/loggerbench/pkg/util/queue"
)

type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots []status.Snapshot
}

func (r *snapshotRecorder) Render(s status.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *snapshotRecorder) get() []status.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]status.Snapshot(nil), r.snapshots...)
}

type harness struct {
	analyzer *analyzer.Analyzer
	queue    *queue.SPSC[analyzer.Sample]
	metrics  *status.Metrics
	recorder *snapshotRecorder
	registry *prometheus.Registry
}

func newHarness(t *testing.T, config analyzer.Config) harness {
	reg := prometheus.NewRegistry()
	q := queue.NewSPSC[analyzer.Sample](1024)
	bus := scenario.NewBus(&scenario.Profile{Name: "steady", Mode: scenario.ModeIdle, IdleRate: 100})
	metrics := status.NewMetrics(reg, 200*time.Millisecond)
	recorder := &snapshotRecorder{}

	return harness{
		analyzer: analyzer.New(zaptest.NewLogger(t), config, q, bus, metrics, recorder, reg),
		queue:    q,
		metrics:  metrics,
		recorder: recorder,
		registry: reg,
	}
}

func TestSampleLatency(t *testing.T) {
	cases := []struct {
		name     string
		sample   analyzer.Sample
		expected uint64
	}{
		{"normal", analyzer.Sample{PacketID: 1, GeneratorTS: 1000, WatcherTS: 1500}, 500},
		{"equal", analyzer.Sample{PacketID: 2, GeneratorTS: 1000, WatcherTS: 1000}, 0},
		{"watcher clock behind", analyzer.Sample{PacketID: 3, GeneratorTS: 2000, WatcherTS: 1000}, 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expected, c.sample.Latency())
		})
	}
}

func TestNegativeLatencyIsClampedToZero(t *testing.T) {
	h := newHarness(t, analyzer.DefaultConfig())

	require.True(t, h.queue.TryPush(analyzer.Sample{PacketID: 0, GeneratorTS: 5000, WatcherTS: 4000}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.analyzer.Run(ctx))

	assert.Equal(t, uint64(0), h.metrics.Latency())
	summary := h.analyzer.Summary()
	assert.Equal(t, uint64(1), summary.Samples)
	assert.Equal(t, uint64(0), summary.MinLatencyUsec)
	assert.Equal(t, uint64(0), summary.MaxLatencyUsec)
}

func TestDrainOnShutdown(t *testing.T) {
	h := newHarness(t, analyzer.DefaultConfig())

	for i := uint64(0); i < 500; i++ {
		require.True(t, h.queue.TryPush(analyzer.Sample{PacketID: i, GeneratorTS: 1000, WatcherTS: 1000 + i}))
	}

	// already canceled, so everything processed comes from the final drain
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, h.analyzer.Run(ctx))

	assert.Equal(t, 0, h.queue.Len())
	summary := h.analyzer.Summary()
	assert.Equal(t, uint64(500), summary.Samples)
	assert.Equal(t, uint64(0), summary.MinLatencyUsec)
	assert.Equal(t, uint64(499), summary.MaxLatencyUsec)
	assert.InDelta(t, 249.5, summary.MeanLatencyUsec, 1e-9)
	assert.Equal(t, uint64(499), h.metrics.Latency())
	count, err := testutil.GatherAndCount(h.registry, "loggerbench_analyzer_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	snapshots := h.recorder.get()
	require.NotEmpty(t, snapshots)
	last := snapshots[len(snapshots)-1]
	assert.True(t, last.Final)
	assert.Equal(t, uint64(499), last.LatencyUsec)
	assert.Equal(t, "IDLE", last.Mode)
	assert.Equal(t, "steady", last.Label)
}

func TestLiveRendering(t *testing.T) {
	h := newHarness(t, analyzer.Config{IdleSleep: time.Millisecond, DisplayInterval: 20 * time.Millisecond})
	h.metrics.SetTargetRate(123)
	h.metrics.CountSent(50)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- h.analyzer.Run(ctx)
	}()

	require.True(t, h.queue.TryPush(analyzer.Sample{PacketID: 0, GeneratorTS: 100, WatcherTS: 350}))

	assert.Eventually(t, func() bool {
		for _, s := range h.recorder.get() {
			if !s.Final && s.LatencyUsec == 250 && s.Rate > 0 && s.TargetRate == 123 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	// nothing more is sent, so the displayed rate falls to zero within the rate window
	assert.Eventually(t, func() bool {
		snapshots := h.recorder.get()
		return snapshots[len(snapshots)-1].Rate == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("analyzer did not stop after cancellation")
	}

	snapshots := h.recorder.get()
	assert.True(t, snapshots[len(snapshots)-1].Final)
}

func TestShutdownWaitsForProducer(t *testing.T) {
	h := newHarness(t, analyzer.DefaultConfig())

	producerDone := make(chan struct{})
	h.analyzer.WaitFor(producerDone)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error)
	go func() {
		done <- h.analyzer.Run(ctx)
	}()

	// more than the queue holds, so the producer depends on the analyzer draining as it goes
	for i := uint64(0); i < 5000; i++ {
		for !h.queue.TryPush(analyzer.Sample{PacketID: i, GeneratorTS: 1, WatcherTS: 2}) {
			time.Sleep(time.Microsecond)
		}
	}
	close(producerDone)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer did not stop")
	}
	assert.Equal(t, uint64(5000), h.analyzer.Summary().Samples)
}

func TestEmptySummary(t *testing.T) {
	h := newHarness(t, analyzer.DefaultConfig())
	assert.Equal(t, analyzer.Summary{}, h.analyzer.Summary())
}
