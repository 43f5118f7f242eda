package watcher

// Tails the logger's output file, correlating each record with the time it was generated

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/heidpi/loggerbench/pkg/analyzer"
	"github.com/heidpi/loggerbench/pkg/util"
	"github.com/heidpi/loggerbench/pkg/util/queue"
)

// CompanionSuffix is appended to the watched path to get the companion file's path
const CompanionSuffix = ".watch"

// SampleRecord is written to the companion file for every correlated record
type SampleRecord struct {
	PacketID    uint64 `json:"packet_id"`
	GeneratorTS uint64 `json:"generator_ts"`
	WatcherTS   uint64 `json:"watcher_ts"`
}

// StatsRecord is written to the companion file on every stats tick
type StatsRecord struct {
	// Timestamp is in microseconds since the Unix epoch
	Timestamp uint64 `json:"timestamp"`
	// TotalCPU is the percentage of all CPU time that was busy since the previous tick
	TotalCPU float64 `json:"total_cpu"`
	// TotalMemory is the memory in use by the system, in kB
	TotalMemory uint64 `json:"total_memory"`
	// LoggerCPU is the percentage of all CPU time used by the logger's process tree since the
	// previous tick
	LoggerCPU float64 `json:"logger_cpu"`
	// LoggerMemory is the resident memory of the logger's process tree, in kB
	LoggerMemory uint64 `json:"logger_memory"`
}

type Config struct {
	Path string
	// PollInterval is how often the file is checked for new content even without a change
	// notification
	PollInterval time.Duration
	// StatsInterval is how often resource usage is recorded
	StatsInterval time.Duration
	// LoggerPID is the root of the process tree whose resource usage is recorded. Zero disables
	// per-process stats.
	LoggerPID int
	// PushTimeout is how long to keep retrying a full queue after shutdown has started, before
	// giving up on the sample
	PushTimeout time.Duration
}

func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		PollInterval:  250 * time.Millisecond,
		StatsInterval: time.Second,
		LoggerPID:     0,
		PushTimeout:   time.Second,
	}
}

type Watcher struct {
	logger  *zap.Logger
	config  Config
	queue   *queue.SPSC[analyzer.Sample]
	stats   ProcessStats
	metrics watcherMetrics
	ready   chan struct{}
	done    chan struct{}

	file      *os.File
	partial   []byte
	readBuf   []byte
	companion *os.File
	out       *bufio.Writer
	enc       *json.Encoder

	prevCPU cpuTimes
}

type cpuTimes struct {
	valid       bool
	busy        float64
	total       float64
	loggerValid bool
	logger      float64
}

type watcherMetrics struct {
	lines     prometheus.Counter
	skipped   *prometheus.CounterVec
	queueFull prometheus.Counter
	dropped   prometheus.Counter
	statsErrs prometheus.Counter
}

func makeWatcherMetrics(reg prometheus.Registerer) watcherMetrics {
	return watcherMetrics{
		lines: util.RegisterMetric(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loggerbench_watcher_lines_total",
				Help: "Number of complete lines read from the logger's output",
			},
		)),
		skipped: util.RegisterMetric(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loggerbench_watcher_skipped_lines_total",
				Help: "Number of lines that could not be correlated with a generated event",
			},
			[]string{"reason"},
		)),
		queueFull: util.RegisterMetric(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loggerbench_watcher_queue_full_total",
				Help: "Number of times a sample had to wait for space in the analyzer queue",
			},
		)),
		dropped: util.RegisterMetric(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loggerbench_watcher_dropped_samples_total",
				Help: "Number of samples abandoned during shutdown because the analyzer queue stayed full",
			},
		)),
		statsErrs: util.RegisterMetric(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loggerbench_watcher_stats_errors_total",
				Help: "Number of resource usage readings that failed",
			},
		)),
	}
}

func New(
	logger *zap.Logger,
	config Config,
	q *queue.SPSC[analyzer.Sample],
	stats ProcessStats,
	reg prometheus.Registerer,
) *Watcher {
	return &Watcher{
		logger:  logger,
		config:  config,
		queue:   q,
		stats:   stats,
		metrics: makeWatcherMetrics(reg),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),

		file:      nil,
		partial:   nil,
		readBuf:   make([]byte, 64*1024),
		companion: nil,
		out:       nil,
		enc:       nil,

		prevCPU: cpuTimes{}, //nolint:exhaustruct // zero value is "no previous reading"
	}
}

// Ready returns a channel that is closed once the log file has been opened and positioned at its
// end. Anything appended after that will be seen.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Done returns a channel that is closed once Run has returned. Everything Run pushed to the queue
// has been pushed by then.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Run tails the file until ctx is canceled. Failing to open the file or its companion is logged,
// and Run returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.done)

	if err := w.open(); err != nil {
		w.logger.Error("Watcher failed to open files, giving up", zap.Error(err))
		return nil
	}
	defer w.close()
	close(w.ready)

	w.logger.Info("Watching log file", zap.String("path", w.config.Path), zap.Int("loggerPID", w.config.LoggerPID))

	var events <-chan fsnotify.Event
	var notifyErrs <-chan error
	if fsw, err := w.startNotify(); err != nil {
		w.logger.Warn("File change notifications unavailable, falling back to polling",
			zap.Duration("interval", w.config.PollInterval), zap.Error(err))
	} else {
		defer fsw.Close()
		events = fsw.Events
		notifyErrs = fsw.Errors
	}

	poll := time.NewTicker(w.config.PollInterval)
	defer poll.Stop()
	statsTicker := time.NewTicker(w.config.StatsInterval)
	defer statsTicker.Stop()

	w.primeStats()

	base := filepath.Base(w.config.Path)
	for {
		select {
		case <-ctx.Done():
			// whatever made it into the file before shutdown still counts
			w.readAvailable(ctx)
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) == base && ev.Has(fsnotify.Write|fsnotify.Create) {
				w.readAvailable(ctx)
			}
		case err, ok := <-notifyErrs:
			if !ok {
				notifyErrs = nil
				continue
			}
			w.logger.Warn("File change notification error", zap.Error(err))
		case <-poll.C:
			w.readAvailable(ctx)
		case now := <-statsTicker.C:
			w.recordStats(now)
		}
	}
}

func (w *Watcher) open() error {
	f, err := os.OpenFile(w.config.Path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("Error opening log file: %w", err)
	}
	// only content appended from now on is of interest
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return fmt.Errorf("Error seeking to end of log file: %w", err)
	}

	companionPath := w.config.Path + CompanionSuffix
	companion, err := os.OpenFile(companionPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("Error opening companion file: %w", err)
	}

	w.file = f
	w.companion = companion
	w.out = bufio.NewWriter(companion)
	w.enc = json.NewEncoder(w.out)
	return nil
}

func (w *Watcher) close() {
	err := multierr.Combine(
		w.out.Flush(),
		w.companion.Close(),
		w.file.Close(),
	)
	if err != nil {
		w.logger.Error("Error closing watcher files", zap.Error(err))
	}
}

func (w *Watcher) startNotify() (*fsnotify.Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// watch the directory rather than the file, so that the watch survives the file being replaced
	if err := fsw.Add(filepath.Dir(w.config.Path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return fsw, nil
}

// readAvailable processes every complete line appended since the last call
func (w *Watcher) readAvailable(ctx context.Context) {
	w.checkReplacedOrTruncated()

	for {
		n, err := w.file.Read(w.readBuf)
		if n > 0 {
			w.consume(ctx, w.readBuf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				w.logger.Warn("Error reading log file", zap.Error(err))
			}
			break
		}
		if n == 0 {
			break
		}
	}

	if err := w.out.Flush(); err != nil {
		w.logger.Warn("Error writing companion file", zap.Error(err))
	}
}

func (w *Watcher) checkReplacedOrTruncated() {
	current, err := w.file.Stat()
	if err != nil {
		w.logger.Warn("Error checking log file", zap.Error(err))
		return
	}

	onDisk, err := os.Stat(w.config.Path)
	if err == nil && !os.SameFile(current, onDisk) {
		f, err := os.Open(w.config.Path)
		if err != nil {
			w.logger.Warn("Log file was replaced, but the new file could not be opened", zap.Error(err))
			return
		}
		w.logger.Info("Log file was replaced, reading the new file from the start")
		_ = w.file.Close()
		w.file = f
		w.partial = w.partial[:0]
		return
	}

	offset, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return
	}
	if current.Size() < offset {
		w.logger.Warn("Log file was truncated, skipping to its new end",
			zap.Int64("offset", offset), zap.Int64("size", current.Size()))
		_, _ = w.file.Seek(0, io.SeekEnd)
		w.partial = w.partial[:0]
	}
}

// consume splits data into lines, holding on to a trailing partial line until the rest of it
// arrives
func (w *Watcher) consume(ctx context.Context, data []byte) {
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			w.partial = append(w.partial, data...)
			return
		}

		line := data[:i]
		if len(w.partial) != 0 {
			w.partial = append(w.partial, line...)
			line = w.partial
		}
		w.processLine(ctx, line)
		w.partial = w.partial[:0]
		data = data[i+1:]
	}
}

// loggedRecord is the subset of the logger's output that's needed to correlate it
type loggedRecord struct {
	PacketID     *uint64 `json:"packet_id"`
	ThreadTSUsec *uint64 `json:"thread_ts_usec"`
	GlobalTSUsec *uint64 `json:"global_ts_usec"`
}

func (w *Watcher) processLine(ctx context.Context, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	w.metrics.lines.Inc()

	watcherTS := uint64(time.Now().UnixMicro())

	var rec loggedRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		w.skip("malformed", line, err)
		return
	}
	if rec.PacketID == nil {
		w.skip("no_packet_id", line, nil)
		return
	}

	var generatorTS uint64
	switch {
	case rec.ThreadTSUsec != nil:
		generatorTS = *rec.ThreadTSUsec
	case rec.GlobalTSUsec != nil:
		generatorTS = *rec.GlobalTSUsec
	default:
		w.skip("no_timestamp", line, nil)
		return
	}

	sample := analyzer.Sample{PacketID: *rec.PacketID, GeneratorTS: generatorTS, WatcherTS: watcherTS}
	w.write(SampleRecord{PacketID: sample.PacketID, GeneratorTS: sample.GeneratorTS, WatcherTS: sample.WatcherTS})
	w.push(ctx, sample)
}

func (w *Watcher) skip(reason string, line []byte, err error) {
	w.metrics.skipped.WithLabelValues(reason).Inc()
	if ce := w.logger.Check(zap.DebugLevel, "Skipping log line"); ce != nil {
		ce.Write(zap.String("reason", reason), zap.ByteString("line", line), zap.Error(err))
	}
}

func (w *Watcher) write(record any) {
	if err := w.enc.Encode(record); err != nil {
		w.logger.Warn("Error writing companion file", zap.Error(err))
	}
}

// push hands the sample to the analyzer. A full queue is retried with backoff; once shutdown has
// started, retries stop after PushTimeout.
func (w *Watcher) push(ctx context.Context, s analyzer.Sample) {
	if w.queue.TryPush(s) {
		return
	}
	w.metrics.queueFull.Inc()

	b := &backoff.Backoff{
		Min:    10 * time.Microsecond,
		Max:    10 * time.Millisecond,
		Factor: 2,
		Jitter: false,
	}
	var giveUpAt time.Time
	for !w.queue.TryPush(s) {
		if ctx.Err() != nil {
			if giveUpAt.IsZero() {
				giveUpAt = time.Now().Add(w.config.PushTimeout)
			} else if time.Now().After(giveUpAt) {
				w.metrics.dropped.Inc()
				w.logger.Warn("Analyzer queue stayed full during shutdown, dropping sample",
					zap.Uint64("packetID", s.PacketID))
				return
			}
		}
		time.Sleep(b.Duration())
	}
}

func (w *Watcher) primeStats() {
	busy, total, err := w.stats.SystemCPU()
	if err == nil {
		w.prevCPU = cpuTimes{valid: true, busy: busy, total: total, loggerValid: false, logger: 0}
	}
	if w.config.LoggerPID > 0 {
		if cpu, err := w.stats.ProcessTreeCPU(w.config.LoggerPID); err == nil {
			w.prevCPU.loggerValid = true
			w.prevCPU.logger = cpu
		}
	}
}

// recordStats writes a StatsRecord for the interval since the previous call. Readings that fail
// are left at zero; if the system CPU can't be read at all, the tick is skipped.
func (w *Watcher) recordStats(now time.Time) {
	busy, total, err := w.stats.SystemCPU()
	if err != nil {
		w.metrics.statsErrs.Inc()
		w.logger.Warn("Skipping resource usage sample", zap.Error(err))
		return
	}

	rec := StatsRecord{
		Timestamp:    uint64(now.UnixMicro()),
		TotalCPU:     0,
		TotalMemory:  0,
		LoggerCPU:    0,
		LoggerMemory: 0,
	}

	prev := w.prevCPU
	elapsed := total - prev.total
	if prev.valid && elapsed > 0 {
		rec.TotalCPU = max(busy-prev.busy, 0) * 100 / elapsed
	}
	w.prevCPU = cpuTimes{valid: true, busy: busy, total: total, loggerValid: false, logger: 0}

	var errs error
	if used, err := w.stats.SystemUsedMemory(); err != nil {
		errs = multierr.Append(errs, err)
	} else {
		rec.TotalMemory = used / 1024
	}

	if pid := w.config.LoggerPID; pid > 0 {
		if cpu, err := w.stats.ProcessTreeCPU(pid); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			if prev.loggerValid && elapsed > 0 {
				// descendants exiting can make the tree total go down
				rec.LoggerCPU = max(cpu-prev.logger, 0) * 100 / elapsed
			}
			w.prevCPU.loggerValid = true
			w.prevCPU.logger = cpu
		}

		if rss, err := w.stats.ProcessTreeResidentMemory(pid); err != nil {
			errs = multierr.Append(errs, err)
		} else {
			rec.LoggerMemory = rss / 1024
		}
	}

	if errs != nil {
		w.metrics.statsErrs.Inc()
		w.logger.Warn("Some resource usage readings failed", zap.Error(errs))
	}

	w.write(rec)
	if err := w.out.Flush(); err != nil {
		w.logger.Warn("Error writing companion file", zap.Error(err))
	}
}
