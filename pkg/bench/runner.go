package bench

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/lithammer/shortuuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/heidpi/loggerbench/pkg/analyzer"
	"github.com/heidpi/loggerbench/pkg/generator"
	"github.com/heidpi/loggerbench/pkg/launcher"
	"github.com/heidpi/loggerbench/pkg/scenario"
	"github.com/heidpi/loggerbench/pkg/status"
	"github.com/heidpi/loggerbench/pkg/util"
	"github.com/heidpi/loggerbench/pkg/util/queue"
	"github.com/heidpi/loggerbench/pkg/util/taskgroup"
	"github.com/heidpi/loggerbench/pkg/watcher"
)

// shutdownWarning is how long the run waits for its tasks after shutdown before naming the ones
// still running
const shutdownWarning = 5 * time.Second

// MainRunner runs a single benchmark: it serves events to the logger, starts the logger, and
// measures the logger's output until ctx is canceled or the scenarios request shutdown.
type MainRunner struct {
	Config    *Config
	Scenarios *scenario.File

	Registry *prometheus.Registry
	Renderer status.Renderer
	// Stats is used for resource usage readings. If nil, it's read from /proc.
	Stats watcher.ProcessStats

	// Input and Output are used for the scenario menu in manual mode
	Input  io.Reader
	Output io.Writer
}

func (r MainRunner) Run(logger *zap.Logger, ctx context.Context) error {
	runID := shortuuid.New()
	logger = logger.With(zap.String("runID", runID))

	buildInfo := util.GetBuildInfo()
	logger.Info("Starting benchmark run", zap.Any("buildInfo", buildInfo))

	ctx, shutdown := context.WithCancel(ctx)
	defer shutdown()

	file := r.Scenarios
	bus := scenario.NewBus(file.Scenarios[file.StartIndex].Clone())
	metrics := status.NewMetrics(r.Registry, time.Duration(r.Config.RateWindowMillis)*time.Millisecond)

	genConfig := generator.DefaultConfig()
	genConfig.Host = r.Config.GeneratorParams.Host
	genConfig.Port = r.Config.GeneratorParams.Port
	genConfig.StartDelay = time.Duration(r.Config.GeneratorParams.StartDelayMillis) * time.Millisecond
	genConfig.Weights = r.Config.EventProbabilities
	if r.Config.GeneratorParams.Seed != 0 {
		genConfig.Seed = r.Config.GeneratorParams.Seed
	}

	gen, err := generator.Listen(ctx, logger.Named("generator"), genConfig, bus, metrics, r.Registry)
	if err != nil {
		return fmt.Errorf("Error starting generator: %w", err)
	}

	tg := taskgroup.NewGroup(logger, taskgroup.WithParentContext(ctx),
		taskgroup.WithShutdownWarning(shutdownWarning))
	tg.WithPanicHandler(func(any) { shutdown() })

	// the generator has to be accepting before the logger starts, or the logger's connection
	// attempt fails
	tg.Go("generator", func(logger *zap.Logger) error {
		return gen.Run(tg.Ctx())
	})

	proc, err := launcher.Start(logger.Named("launcher"), r.Config.launcherConfig())
	if err != nil {
		shutdown()
		_ = tg.Wait()
		return err
	}

	stats := r.Stats
	if stats == nil {
		stats, err = watcher.NewDefaultProcfsStats()
		if err != nil {
			logger.Warn("Resource usage will not be recorded", zap.Error(err))
			stats = unavailableStats{err: err}
		}
	}

	q := queue.NewSPSC[analyzer.Sample](int(r.Config.QueueCapacity))

	watchConfig := watcher.DefaultConfig(r.Config.OutputFilePath)
	watchConfig.LoggerPID = proc.PID()
	w := watcher.New(logger.Named("watcher"), watchConfig, q, stats, r.Registry)

	a := analyzer.New(logger.Named("analyzer"), analyzer.DefaultConfig(), q, bus, metrics, r.Renderer, r.Registry)
	a.WaitFor(w.Done())

	switcher := scenario.NewSwitcher(logger.Named("switcher"), file, bus, scenario.SwitcherOptions{
		PollInterval: 0,
		Input:        r.Input,
		Output:       r.Output,
		Shutdown:     shutdown,
		OnPublish:    nil,
	})

	tg.Go("watcher", func(logger *zap.Logger) error {
		return w.Run(tg.Ctx())
	})
	tg.Go("analyzer", func(logger *zap.Logger) error {
		return a.Run(tg.Ctx())
	})
	tg.Go("switcher", func(logger *zap.Logger) error {
		return switcher.Run(tg.Ctx())
	})

	if proc != nil {
		tg.Go("logger-monitor", func(logger *zap.Logger) error {
			select {
			case <-proc.Exited():
				logger.Warn("Logger exited before the benchmark finished")
			case <-tg.Ctx().Done():
			}
			return nil
		})
	}

	waitErr := tg.Wait()

	terminateCtx, cancel := context.WithTimeout(context.Background(), 2*r.Config.launcherConfig().TerminateTimeout)
	defer cancel()
	if err := proc.Terminate(terminateCtx); err != nil {
		logger.Error("Failed to stop logger", zap.Error(err))
	}

	logger.Info("Benchmark run finished", zap.Uint64("eventsSent", metrics.Sent()),
		zap.Object("latency", a.Summary()))
	return waitErr
}

type unavailableStats struct {
	err error
}

func (s unavailableStats) SystemCPU() (float64, float64, error) { return 0, 0, s.err }
func (s unavailableStats) SystemUsedMemory() (uint64, error) { return 0, s.err }
func (s unavailableStats) ProcessTreeCPU(int) (float64, error) { return 0, s.err }
func (s unavailableStats) ProcessTreeResidentMemory(int) (uint64, error) { return 0, s.err }
