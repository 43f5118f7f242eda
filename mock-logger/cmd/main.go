package main

// Stand-in for the logger under test, for running the harness with loggerType "none"

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/heidpi/loggerbench/pkg/mocklogger"
	"github.com/heidpi/loggerbench/pkg/util"
)

func main() {
	defaults := mocklogger.DefaultConfig()
	addr := flag.String("addr", defaults.Addr, "generator address to connect to")
	output := flag.String("output", defaults.OutputPath, "file to append received events to")
	interval := flag.Duration("report-interval", defaults.ReportInterval, "how often to log receive rates")
	validate := flag.Bool("validate", defaults.Validate, "drop payloads that are not known events")
	logFile := flag.String("log-file", "", "write logs to this file instead of stderr")
	flag.Parse()

	logger := util.NewLogger("mock-logger", *logFile, util.LogRotation{
		MaxSizeMB:  100,
		MaxBackups: 3,
		MaxAgeDays: 0,
		Compress:   false,
	})
	defer logger.Sync() //nolint:errcheck // what are we gonna do, log something about it?

	if *interval <= 0 {
		logger.Fatal("Flag -report-interval must be positive", zap.Duration("value", *interval))
	}

	config := mocklogger.Config{
		Addr:           *addr,
		OutputPath:     *output,
		ReportInterval: *interval,
		Validate:       *validate,
	}
	logger.Info("Starting mock logger", zap.Any("config", config))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()
	l := mocklogger.New(logger, config)
	if err := l.Run(ctx); err != nil {
		logger.Fatal("Mock logger failed", zap.Error(err))
	}
	logger.Info("Mock logger stopped", zap.Uint64("messages", l.Messages()), zap.Duration("uptime", time.Since(start)))
}
