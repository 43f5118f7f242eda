package bench

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/heidpi/loggerbench/pkg/launcher"
	"github.com/heidpi/loggerbench/pkg/util"
	"github.com/heidpi/loggerbench/pkg/wire"
)

type Config struct {
	// LoggerType selects how the logger under test is started
	LoggerType launcher.LoggerType `json:"loggerType"`
	// LoggerModule is the python module to run, when LoggerType is "python"
	LoggerModule string `json:"loggerModule"`
	// LoggerBinary is the executable to run, when LoggerType is "binary"
	LoggerBinary string `json:"loggerBinary"`
	// LoggerConfigPath is passed through to the logger as its own config file
	LoggerConfigPath string `json:"loggerConfigPath"`
	// OutputFilePath is the logger's output file, as tailed by the watcher
	OutputFilePath string `json:"outputFilePath"`
	ScenarioPath   string `json:"scenarioPath"`
	// StraceEnabled runs the logger under strace
	StraceEnabled bool `json:"straceEnabled"`

	GeneratorParams    GeneratorParams `json:"generatorParams"`
	EventProbabilities wire.Weights    `json:"eventProbabilities"`

	// RateWindowMillis is the window over which the displayed send rate is measured
	RateWindowMillis uint `json:"rateWindowMillis"`
	// QueueCapacity is the size of the queue between the watcher and the analyzer
	QueueCapacity uint `json:"queueCapacity"`
	// TerminateTimeoutSeconds is how long the logger has to exit after SIGTERM before being killed
	TerminateTimeoutSeconds uint `json:"terminateTimeoutSeconds"`

	// MetricsAddr, if not empty, is where prometheus metrics and pprof are served
	MetricsAddr string `json:"metricsAddr"`
	// LogFile, if not empty, is where the harness writes its own logs instead of stderr
	LogFile     string           `json:"logFile"`
	LogRotation util.LogRotation `json:"logRotation"`
}

type GeneratorParams struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
	// StartDelayMillis is how long the generator waits after the logger connects before sending
	StartDelayMillis uint `json:"startDelayMillis"`
	// Seed, if not zero, makes the sequence of event kinds reproducible
	Seed uint64 `json:"seed"`
}

// DefaultConfig returns the config used when no config file exists. Fields absent from a config
// file also take their values from here.
func DefaultConfig() *Config {
	return &Config{
		LoggerType:       launcher.LoggerPython,
		LoggerModule:     "heiDPI_logger",
		LoggerBinary:     "heiDPI_logger.bin",
		LoggerConfigPath: "config.yml",
		OutputFilePath:   "flow_event.json",
		ScenarioPath:     "scenarios.json",
		StraceEnabled:    false,
		GeneratorParams: GeneratorParams{
			Host:             "127.0.0.1",
			Port:             7000,
			StartDelayMillis: 1000,
			Seed:             0,
		},
		EventProbabilities:      wire.DefaultWeights(),
		RateWindowMillis:        1000,
		QueueCapacity:           1 << 16,
		TerminateTimeoutSeconds: 5,
		MetricsAddr:             "",
		LogFile:                 "",
		LogRotation: util.LogRotation{
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 0,
			Compress:   false,
		},
	}
}

// ErrConfigNotFound is returned (wrapped) by ReadConfig when the config file does not exist
var ErrConfigNotFound = errors.New("config file not found")

// ReadConfig reads and validates the config file at path, filling in defaults for absent fields.
//
// A missing file results in an error wrapping ErrConfigNotFound, for which callers are expected to
// fall back to DefaultConfig.
func ReadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrConfigNotFound, err)
		}
		return nil, fmt.Errorf("Error opening config file %q: %w", path, err)
	}

	config := DefaultConfig()
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("Error decoding JSON config in %q: %w", path, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("Invalid config: %w", err)
	}

	return config, nil
}

func (c *Config) validate() error {
	cannotBeZero := func(fieldPath string) error {
		return fmt.Errorf("Field %s cannot be zero", fieldPath)
	}
	cannotBeEmpty := func(fieldPath string) error {
		return fmt.Errorf("Field %s cannot be empty", fieldPath)
	}

	if err := c.LoggerType.Validate(); err != nil {
		return fmt.Errorf("Field .loggerType: %w", err)
	} else if c.LoggerType == launcher.LoggerPython && c.LoggerModule == "" {
		return cannotBeEmpty(".loggerModule")
	} else if c.LoggerType == launcher.LoggerBinary && c.LoggerBinary == "" {
		return cannotBeEmpty(".loggerBinary")
	} else if c.OutputFilePath == "" {
		return cannotBeEmpty(".outputFilePath")
	} else if c.ScenarioPath == "" {
		return cannotBeEmpty(".scenarioPath")
	} else if c.GeneratorParams.Host == "" {
		return cannotBeEmpty(".generatorParams.host")
	} else if c.GeneratorParams.Port == 0 {
		return cannotBeZero(".generatorParams.port")
	} else if c.RateWindowMillis == 0 {
		return cannotBeZero(".rateWindowMillis")
	} else if c.QueueCapacity == 0 {
		return cannotBeZero(".queueCapacity")
	} else if c.TerminateTimeoutSeconds == 0 {
		return cannotBeZero(".terminateTimeoutSeconds")
	} else if err := c.EventProbabilities.Validate(); err != nil {
		return err
	}

	return nil
}

func (c *Config) launcherConfig() launcher.Config {
	return launcher.Config{
		Type:             c.LoggerType,
		Module:           c.LoggerModule,
		Binary:           c.LoggerBinary,
		ConfigPath:       c.LoggerConfigPath,
		Host:             c.GeneratorParams.Host,
		Port:             c.GeneratorParams.Port,
		Strace:           c.StraceEnabled,
		Dir:              "",
		TerminateTimeout: time.Duration(c.TerminateTimeoutSeconds) * time.Second,
	}
}
