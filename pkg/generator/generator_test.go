package generator_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/heidpi/loggerbench/pkg/generator"
	"github.com/heidpi/loggerbench/pkg/scenario"
	"github.com/heidpi/loggerbench/pkg/status"
	"github.com/heidpi/loggerbench/pkg/wire"
)

type harness struct {
	gen    *generator.Generator
	bus    *scenario.Bus
	status *status.Metrics
	logs   *observer.ObservedLogs
	done   chan error
	cancel context.CancelFunc
}

func start(t *testing.T, initial *scenario.Profile) harness {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	config := generator.DefaultConfig()
	config.Port = 0
	config.StartDelay = 0
	config.Seed = 1

	reg := prometheus.NewRegistry()
	bus := scenario.NewBus(initial)
	metrics := status.NewMetrics(reg, time.Second)
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(zapcore.NewTee(zaptest.NewLogger(t).Core(), core))

	gen, err := generator.Listen(ctx, logger, config, bus, metrics, reg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- gen.Run(ctx)
	}()

	return harness{gen: gen, bus: bus, status: metrics, logs: logs, done: done, cancel: cancel}
}

func (h harness) waitDone(t *testing.T) {
	select {
	case err := <-h.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("generator did not stop")
	}
}

func dial(t *testing.T, h harness) net.Conn {
	conn, err := net.Dial("tcp", h.gen.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	select {
	case <-h.gen.Connected():
	case <-time.After(5 * time.Second):
		t.Fatal("generator did not accept the connection")
	}
	return conn
}

func TestRoundTrip(t *testing.T) {
	h := start(t, &scenario.Profile{Mode: scenario.ModeIdle, IdleRate: 5000})
	conn := dial(t, h)

	dec := wire.NewDecoder(conn)
	for i := uint64(0); i < 200; i++ {
		payload, err := dec.Next()
		require.NoError(t, err)
		ev, err := wire.DecodeEvent(payload)
		require.NoError(t, err)
		assert.Equal(t, i, ev.PacketID())

		now := uint64(time.Now().UnixMicro())
		assert.LessOrEqual(t, ev.Timestamp(), now)
		assert.Greater(t, ev.Timestamp(), now-uint64((10*time.Second).Microseconds()))
	}

	assert.Greater(t, h.status.Rate(), 0.0)
	assert.Equal(t, 5000.0, h.status.TargetRate())
	assert.GreaterOrEqual(t, h.status.Sent(), uint64(200))

	h.cancel()
	h.waitDone(t)

	stopped := h.logs.FilterMessage("Generator stopped").All()
	require.Len(t, stopped, 1)
	assert.GreaterOrEqual(t, stopped[0].ContextMap()["events"], uint64(200))
}

func TestProfileChangeCutsSleepShort(t *testing.T) {
	// one event every 10 seconds
	h := start(t, &scenario.Profile{Mode: scenario.ModeIdle, IdleRate: 0.1})
	conn := dial(t, h)
	dec := wire.NewDecoder(conn)

	_, err := dec.Next()
	require.NoError(t, err)

	h.bus.Publish(&scenario.Profile{Name: "fast", Mode: scenario.ModeIdle, IdleRate: 1000})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for i := 0; i < 10; i++ {
		_, err := dec.Next()
		require.NoError(t, err)
	}
	assert.Equal(t, 1000.0, h.status.TargetRate())

	h.cancel()
	h.waitDone(t)

	switched := h.logs.FilterMessage("Generator switched profile").All()
	require.Len(t, switched, 1)
	assert.Equal(t, "fast", switched[0].ContextMap()["label"])
	assert.Equal(t, uint64(1), switched[0].ContextMap()["previousProfileEvents"])
}

func TestLoggerDisconnectStopsGenerator(t *testing.T) {
	h := start(t, &scenario.Profile{Mode: scenario.ModeIdle, IdleRate: 10000})
	conn := dial(t, h)
	require.NoError(t, conn.Close())

	// write errors end Run without an error, and without waiting for cancellation
	h.waitDone(t)
}

func TestCancelBeforeConnect(t *testing.T) {
	h := start(t, &scenario.Profile{Mode: scenario.ModeIdle, IdleRate: 100})
	h.cancel()
	h.waitDone(t)

	select {
	case <-h.gen.Connected():
		t.Fatal("no logger connected")
	default:
	}
}

func TestListenRejectsBadWeights(t *testing.T) {
	config := generator.DefaultConfig()
	config.Port = 0
	config.Weights.Error = -1

	reg := prometheus.NewRegistry()
	_, err := generator.Listen(context.Background(), zaptest.NewLogger(t), config,
		scenario.NewBus(&scenario.Profile{Mode: scenario.ModeIdle, IdleRate: 1}), status.NewMetrics(reg, time.Second), reg)
	assert.Error(t, err)
}

func TestListenBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	config := generator.DefaultConfig()
	config.Port = uint16(occupied.Addr().(*net.TCPAddr).Port)

	reg := prometheus.NewRegistry()
	_, err = generator.Listen(context.Background(), zaptest.NewLogger(t), config,
		scenario.NewBus(&scenario.Profile{Mode: scenario.ModeIdle, IdleRate: 1}), status.NewMetrics(reg, time.Second), reg)
	assert.Error(t, err)
}
