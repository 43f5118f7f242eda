package mocklogger_test

import (
	"bufio"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/heidpi/loggerbench/pkg/mocklogger"
	"github.com/heidpi/loggerbench/pkg/wire"
)

func TestWritesOneLinePerEvent(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	output := filepath.Join(t.TempDir(), "out.json")
	config := mocklogger.DefaultConfig()
	config.Addr = listener.Addr().String()
	config.OutputPath = output
	config.Validate = true
	l := mocklogger.New(zaptest.NewLogger(t), config)

	done := make(chan error, 1)
	go func() {
		done <- l.Run(context.Background())
	}()

	conn, err := listener.Accept()
	require.NoError(t, err)

	factory := wire.NewFactory(wire.DefaultWeights(), 3)
	enc := wire.NewEncoder(conn)
	var sent []uint64
	for i := 0; i < 100; i++ {
		ev := factory.Next()
		_, err := enc.Encode(ev)
		require.NoError(t, err)
		sent = append(sent, ev.PacketID())
	}
	// not an event; skipped by validation
	frame, err := wire.AppendFrame(nil, []byte("{}"))
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mock logger did not stop after the connection closed")
	}
	assert.Equal(t, uint64(100), l.Messages())
	assert.Equal(t, uint64(1), l.Invalid())

	f, err := os.Open(output)
	require.NoError(t, err)
	defer f.Close()

	var received []uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ev, err := wire.DecodeEvent(scanner.Bytes())
		require.NoError(t, err)
		received = append(received, ev.PacketID())
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, sent, received)
}

func TestRetriesUntilGeneratorListens(t *testing.T) {
	// find a free port, then leave it closed for a while
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	require.NoError(t, probe.Close())

	config := mocklogger.DefaultConfig()
	config.Addr = addr
	config.OutputPath = filepath.Join(t.TempDir(), "out.json")
	l := mocklogger.New(zaptest.NewLogger(t), config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- l.Run(ctx)
	}()

	time.Sleep(200 * time.Millisecond)
	listener, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer listener.Close()

	conn, err := listener.Accept()
	require.NoError(t, err)
	defer conn.Close()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("mock logger did not stop after cancellation")
	}
}

func TestCancelWhileDialing(t *testing.T) {
	config := mocklogger.DefaultConfig()
	config.Addr = "127.0.0.1:1"
	config.OutputPath = filepath.Join(t.TempDir(), "out.json")
	l := mocklogger.New(zaptest.NewLogger(t), config)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.NoError(t, l.Run(ctx))
}
