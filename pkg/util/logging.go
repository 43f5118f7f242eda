package util

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogRotation configures the rotating log file used by NewLogger when logging to a file
type LogRotation struct {
	MaxSizeMB  int  `json:"maxSizeMB"`
	MaxBackups int  `json:"maxBackups"`
	MaxAgeDays int  `json:"maxAgeDays"`
	Compress   bool `json:"compress"`
}

// NewLogger builds the production logger shared by all binaries, named after the component.
//
// If logFile is empty, logs go to stderr. Otherwise they are written (with rotation) to logFile, so
// that the terminal stays free for the live status display.
func NewLogger(name string, logFile string, rotation LogRotation) *zap.Logger {
	logConfig := zap.NewProductionConfig()
	logConfig.Sampling = nil                // Disable sampling, which the production config enables by default.
	logConfig.Level.SetLevel(zap.InfoLevel) // Only "info" level and above (i.e. not debug logs)
	logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if logFile == "" {
		return zap.Must(logConfig.Build()).Named(name)
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
		LocalTime:  false,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(logConfig.EncoderConfig), sink, logConfig.Level)
	return zap.New(core, zap.AddCaller()).Named(name)
}
