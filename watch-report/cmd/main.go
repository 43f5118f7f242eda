package main

// Reports dropped events, latency and logger resource usage from the watcher's companion files

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"

	"github.com/heidpi/loggerbench/pkg/util"
	"github.com/heidpi/loggerbench/pkg/watchreport"
)

func main() {
	format := flag.String("format", "text", `output format, "text" or "json"`)
	concurrency := flag.Int("j", runtime.NumCPU(), "number of files analyzed at once")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <dir>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	root := flag.Arg(0)

	logger := util.NewLogger("watch-report", "", util.LogRotation{
		MaxSizeMB:  0,
		MaxBackups: 0,
		MaxAgeDays: 0,
		Compress:   false,
	})
	defer logger.Sync() //nolint:errcheck // what are we gonna do, log something about it?

	write := watchreport.WriteText
	switch *format {
	case "text":
	case "json":
		write = watchreport.WriteJSON
	default:
		logger.Fatal("Unknown output format", zap.String("format", *format))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reports, err := watchreport.AnalyzeDir(ctx, root, *concurrency)
	if err != nil {
		logger.Fatal("Failed to analyze companion files", zap.String("dir", root), zap.Error(err))
	}
	if len(reports) == 0 {
		logger.Warn("No companion files found", zap.String("dir", root), zap.String("suffix", watchreport.FileSuffix))
	}

	if err := write(os.Stdout, reports); err != nil {
		logger.Fatal("Failed to write report", zap.Error(err))
	}
}
