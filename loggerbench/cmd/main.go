package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tychoish/fun/srv"
	"go.uber.org/zap"

	"github.com/heidpi/loggerbench/pkg/bench"
	"github.com/heidpi/loggerbench/pkg/scenario"
	"github.com/heidpi/loggerbench/pkg/status"
	"github.com/heidpi/loggerbench/pkg/util"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the harness config file")
	flag.Parse()

	// the config decides where logs go, so anything before that is reported on stderr
	config, configErr := bench.ReadConfig(*configPath)
	if errors.Is(configErr, bench.ErrConfigNotFound) {
		config = bench.DefaultConfig()
	}

	logFile := ""
	rotation := bench.DefaultConfig().LogRotation
	if config != nil {
		logFile = config.LogFile
		rotation = config.LogRotation
	}
	logger := util.NewLogger("loggerbench", logFile, rotation)
	defer logger.Sync() //nolint:errcheck // what are we gonna do, log something about it?

	switch {
	case errors.Is(configErr, bench.ErrConfigNotFound):
		logger.Warn("Config file not found, using defaults", zap.String("path", *configPath))
	case configErr != nil:
		logger.Fatal("Failed to read config", zap.Error(configErr))
	}
	logger.Info("Got config", zap.Any("config", config))

	scenarios, err := scenario.ReadFile(config.ScenarioPath)
	if errors.Is(err, scenario.ErrFileNotFound) {
		logger.Warn("Scenario file not found, using defaults", zap.String("path", config.ScenarioPath))
		scenarios = scenario.DefaultFile()
	} else if err != nil {
		logger.Fatal("Failed to read scenarios", zap.Error(err))
	}

	reg := util.NewRegistry()

	// the scenario menu shares the terminal with the status block, so it is written through the
	// renderer
	var renderer status.Renderer
	var menuOutput io.Writer
	if term := status.NewTerminalRenderer(os.Stdout); term.IsTerminal() {
		renderer = term
		menuOutput = term
	} else {
		renderer = status.NewLogRenderer(logger.Named("status"))
		menuOutput = os.Stdout
	}

	runner := bench.MainRunner{
		Config:    config,
		Scenarios: scenarios,
		Registry:  reg,
		Renderer:  renderer,
		Stats:     nil,
		Input:     os.Stdin,
		Output:    menuOutput,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx = srv.SetShutdownSignal(ctx)
	ctx = srv.SetBaseContext(ctx)
	ctx = srv.WithOrchestrator(ctx)
	defer func() {
		cancel()
		if err := srv.GetOrchestrator(ctx).Wait(); err != nil {
			logger.Fatal("Failed to shut down orchestrator", zap.Error(err))
		}

		logger.Info("Main loop returned without issue. Exiting.")
	}()

	if config.MetricsAddr != "" {
		server := util.MakeMetricsServer(config.MetricsAddr, reg)
		if err := srv.GetOrchestrator(ctx).Add(srv.HTTP("loggerbench-metrics", time.Second, server)); err != nil {
			logger.Fatal("Failed to add metrics service", zap.Error(err))
		}
	}

	if err := runner.Run(logger, ctx); err != nil {
		logger.Fatal("Main loop failed", zap.Error(err))
	}
}
