package scenario_test

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/heidpi/loggerbench/pkg/scenario"
)

type publishRecorder struct {
	mu      sync.Mutex
	indexes []int
	times   []time.Time
}

func (r *publishRecorder) record(index int, _ *scenario.Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexes = append(r.indexes, index)
	r.times = append(r.times, time.Now())
}

func (r *publishRecorder) get() ([]int, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.indexes...), append([]time.Time(nil), r.times...)
}

// The automatic switcher holds profile 0 for its hold duration, then profile 1 for its own, then
// wraps around. The timings here are scaled down from 2s/3s over a 6s window.
func TestSwitcherAutomaticTransitions(t *testing.T) {
	path := writeFile(t, "scenarios.json", `{
		"mode": "automatic",
		"interval": 5,
		"scenarios": [
			{"mode": "IDLE", "idle_rate": 100, "hold_dur": 2},
			{"mode": "IDLE", "idle_rate": 200, "hold_dur": 3}
		]
	}`)
	file, err := scenario.ReadFile(path)
	require.NoError(t, err)

	const scale = 5
	for _, p := range file.Scenarios {
		p.HoldDur /= scale
	}
	window := 6 * time.Second / scale

	bus := scenario.NewBus(scenario.DefaultFile().Scenarios[0])
	rec := &publishRecorder{}
	sw := scenario.NewSwitcher(zaptest.NewLogger(t), file, bus, scenario.SwitcherOptions{
		PollInterval: 10 * time.Millisecond,
		OnPublish:    rec.record,
	})

	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()
	start := time.Now()
	require.NoError(t, sw.Run(ctx))

	assert.Less(t, time.Since(start), window+time.Second/2, "switcher should stop promptly")

	indexes, times := rec.get()
	require.Equal(t, []int{0, 1, 0}, indexes, "initial publish plus exactly two transitions")
	assert.InDelta(t, (2 * time.Second / scale).Seconds(), times[1].Sub(start).Seconds(), 0.1)
	assert.InDelta(t, (5 * time.Second / scale).Seconds(), times[2].Sub(start).Seconds(), 0.1)
	assert.Equal(t, 200.0, file.Scenarios[1].IdleRate)
	assert.Equal(t, 100.0, bus.Current().IdleRate)
	assert.Equal(t, uint64(3), bus.Publishes())
}

func TestSwitcherPublishesFreshProfiles(t *testing.T) {
	file := &scenario.File{
		Mode:     scenario.SwitchAutomatic,
		Interval: 20 * time.Millisecond,
		Scenarios: []*scenario.Profile{
			{Mode: scenario.ModeRamp, StartRate: 1, EndRate: 2, RampDur: time.Second},
		},
	}
	bus := scenario.NewBus(file.Scenarios[0])
	sw := scenario.NewSwitcher(zaptest.NewLogger(t), file, bus, scenario.SwitcherOptions{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, sw.Run(ctx))

	assert.NotSame(t, file.Scenarios[0], bus.Current())
	assert.GreaterOrEqual(t, bus.Publishes(), uint64(2))
}

func TestSwitcherKillAfter(t *testing.T) {
	file := &scenario.File{
		Mode:      scenario.SwitchAutomatic,
		Interval:  time.Second,
		KillAfter: 100 * time.Millisecond,
		Scenarios: []*scenario.Profile{
			{Mode: scenario.ModeIdle, IdleRate: 10, HoldDur: -1},
		},
	}
	bus := scenario.NewBus(file.Scenarios[0])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sw := scenario.NewSwitcher(zaptest.NewLogger(t), file, bus, scenario.SwitcherOptions{
		PollInterval: 10 * time.Millisecond,
		Shutdown:     cancel,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, sw.Run(context.Background()))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("switcher did not stop after kill_after")
	}
	assert.Error(t, ctx.Err(), "shutdown should have been requested")
	assert.Equal(t, uint64(1), bus.Publishes(), "indefinite hold never advances")
}

func TestSwitcherManual(t *testing.T) {
	file := &scenario.File{
		Mode:     scenario.SwitchManual,
		Interval: time.Second,
		Scenarios: []*scenario.Profile{
			{Mode: scenario.ModeIdle, IdleRate: 10},
			{Mode: scenario.ModeIdle, IdleRate: 20, Name: "faster"},
		},
	}
	bus := scenario.NewBus(file.Scenarios[0])

	var out bytes.Buffer
	shutdowns := 0
	rec := &publishRecorder{}
	sw := scenario.NewSwitcher(zaptest.NewLogger(t), file, bus, scenario.SwitcherOptions{
		PollInterval: 10 * time.Millisecond,
		Input:        strings.NewReader("banana\n5\n1\nq\n"),
		Output:       &out,
		Shutdown:     func() { shutdowns++ },
		OnPublish:    rec.record,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sw.Run(ctx))

	assert.Equal(t, 1, shutdowns)
	indexes, _ := rec.get()
	assert.Equal(t, []int{0, 1}, indexes)
	assert.Equal(t, "faster", bus.Current().Label())

	output := out.String()
	assert.Contains(t, output, "[0] IDLE")
	assert.Contains(t, output, "[1] faster")
	assert.Contains(t, output, "Invalid input")
	assert.Contains(t, output, "Invalid index")
}

func TestSwitcherManualInputClosed(t *testing.T) {
	file := &scenario.File{
		Mode:     scenario.SwitchManual,
		Interval: time.Second,
		Scenarios: []*scenario.Profile{
			{Mode: scenario.ModeIdle, IdleRate: 10},
			{Mode: scenario.ModeIdle, IdleRate: 20, Name: "faster"},
		},
	}
	bus := scenario.NewBus(file.Scenarios[0])

	core, logs := observer.New(zap.InfoLevel)
	var shutdowns atomic.Int32
	sw := scenario.NewSwitcher(zap.New(core), file, bus, scenario.SwitcherOptions{
		PollInterval: 10 * time.Millisecond,
		Input:        strings.NewReader("1\n"),
		Shutdown:     func() { shutdowns.Add(1) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return logs.FilterMessage("Operator input closed, keeping current scenario").Len() == 1
	}, 5*time.Second, time.Millisecond)

	// end of input leaves the last selection running
	time.Sleep(100 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("switcher stopped when operator input closed")
	default:
	}
	assert.Zero(t, shutdowns.Load())
	assert.Equal(t, "faster", bus.Current().Label())
	assert.Equal(t, 1, logs.FilterMessage("Operator input closed, keeping current scenario").Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("switcher did not stop after cancellation")
	}
	assert.Zero(t, shutdowns.Load())
}

func TestSwitcherManualInputClosedKillAfter(t *testing.T) {
	file := &scenario.File{
		Mode:      scenario.SwitchManual,
		Interval:  time.Second,
		KillAfter: 200 * time.Millisecond,
		Scenarios: []*scenario.Profile{{Mode: scenario.ModeIdle, IdleRate: 10}},
	}
	bus := scenario.NewBus(file.Scenarios[0])

	shutdown := make(chan struct{})
	sw := scenario.NewSwitcher(zaptest.NewLogger(t), file, bus, scenario.SwitcherOptions{
		PollInterval: 10 * time.Millisecond,
		Input:        strings.NewReader(""),
		Shutdown:     func() { close(shutdown) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, sw.Run(ctx))

	select {
	case <-shutdown:
	default:
		t.Fatal("the kill-after deadline should request shutdown")
	}
	assert.GreaterOrEqual(t, time.Since(start), file.KillAfter)
}

func TestSwitcherStopsOnCancel(t *testing.T) {
	file := &scenario.File{
		Mode:      scenario.SwitchAutomatic,
		Interval:  time.Hour,
		Scenarios: []*scenario.Profile{{Mode: scenario.ModeIdle, IdleRate: 10}},
	}
	bus := scenario.NewBus(file.Scenarios[0])
	// a poll interval above one second is clamped
	sw := scenario.NewSwitcher(zaptest.NewLogger(t), file, bus, scenario.SwitcherOptions{PollInterval: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sw.Run(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("switcher did not observe cancellation within a second")
	}
}
