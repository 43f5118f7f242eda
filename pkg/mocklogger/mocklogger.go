package mocklogger

// A stand-in for the logger under test: receives events from the generator and appends each one
// to the output file as a JSON line.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/heidpi/loggerbench/pkg/wire"
)

const bytesPerKB = 1024.0

type Config struct {
	// Addr is the generator's address
	Addr       string
	OutputPath string
	// ReportInterval is how often receive rates are logged
	ReportInterval time.Duration
	// Validate checks that every payload is one of the known event kinds. Invalid payloads are
	// counted and not written.
	Validate bool
}

func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:7000",
		OutputPath:     "flow_event.json",
		ReportInterval: time.Second,
		Validate:       false,
	}
}

// Logger receives events from a single generator connection
type Logger struct {
	logger *zap.Logger
	config Config

	messages atomic.Uint64
	bytes    atomic.Uint64
	invalid  atomic.Uint64
}

func New(logger *zap.Logger, config Config) *Logger {
	return &Logger{
		logger:   logger,
		config:   config,
		messages: atomic.Uint64{},
		bytes:    atomic.Uint64{},
		invalid:  atomic.Uint64{},
	}
}

// Messages returns the number of events written so far
func (l *Logger) Messages() uint64 {
	return l.messages.Load()
}

// Invalid returns the number of payloads rejected by validation
func (l *Logger) Invalid() uint64 {
	return l.invalid.Load()
}

// Run connects to the generator, retrying until it succeeds or ctx is canceled, and writes events
// until the generator closes the connection or ctx is canceled.
func (l *Logger) Run(ctx context.Context) error {
	conn, err := l.dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	out, err := os.OpenFile(l.config.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("Error opening output file: %w", err)
	}
	defer out.Close()

	l.logger.Info("Connected to generator", zap.String("addr", l.config.Addr),
		zap.String("output", l.config.OutputPath))

	reportDone := make(chan struct{})
	reportCtx, stopReport := context.WithCancel(ctx)
	go func() {
		defer close(reportDone)
		l.report(reportCtx)
	}()
	defer func() {
		stopReport()
		<-reportDone
	}()

	dec := wire.NewDecoder(conn)
	var line []byte
	for {
		payload, err := dec.Next()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				l.logger.Info("Generator closed the connection")
				return nil
			default:
				return fmt.Errorf("Error reading from generator: %w", err)
			}
		}

		if l.config.Validate {
			if _, err := wire.DecodeEvent(payload); err != nil {
				l.invalid.Add(1)
				l.logger.Warn("Received invalid event", zap.ByteString("payload", payload), zap.Error(err))
				continue
			}
		}

		// one write per line, so a tailing reader never waits on a buffer
		line = append(append(line[:0], payload...), '\n')
		if _, err := out.Write(line); err != nil {
			return fmt.Errorf("Error writing output file: %w", err)
		}
		l.messages.Add(1)
		l.bytes.Add(uint64(len(line)))
	}
}

func (l *Logger) dial(ctx context.Context) (net.Conn, error) {
	b := &backoff.Backoff{
		Min:    50 * time.Millisecond,
		Max:    2 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", l.config.Addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		wait := b.Duration()
		l.logger.Info("Generator not reachable yet, retrying", zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// report periodically logs overall and instantaneous receive rates
func (l *Logger) report(ctx context.Context) {
	ticker := time.NewTicker(l.config.ReportInterval)
	defer ticker.Stop()

	startTime := time.Now()
	lastReportTime := startTime
	var lastMsgCount, lastByteCount uint64

	for {
		select {
		case <-ctx.Done():
			elapsed := time.Since(startTime)
			l.logger.Info("Receive totals",
				zap.Duration("duration", elapsed.Round(time.Millisecond)),
				zap.Uint64("messages", l.messages.Load()),
				zap.Float64("kb", float64(l.bytes.Load())/bytesPerKB),
				zap.Float64("messagesPerSec", float64(l.messages.Load())/elapsed.Seconds()),
				zap.Uint64("invalid", l.invalid.Load()),
			)
			return
		case now := <-ticker.C:
			elapsed := now.Sub(startTime)
			currentMsgCount := l.messages.Load()
			currentByteCount := l.bytes.Load()

			intervalElapsed := now.Sub(lastReportTime)
			l.logger.Info("Receive rate",
				zap.Duration("elapsed", elapsed.Round(time.Second)),
				zap.Uint64("messages", currentMsgCount),
				zap.Float64("overallMessagesPerSec", float64(currentMsgCount)/elapsed.Seconds()),
				zap.Float64("overallKBPerSec", float64(currentByteCount)/bytesPerKB/elapsed.Seconds()),
				zap.Float64("currentMessagesPerSec", float64(currentMsgCount-lastMsgCount)/intervalElapsed.Seconds()),
				zap.Float64("currentKBPerSec", float64(currentByteCount-lastByteCount)/bytesPerKB/intervalElapsed.Seconds()),
			)

			lastReportTime = now
			lastMsgCount = currentMsgCount
			lastByteCount = currentByteCount
		}
	}
}
