package launcher

// Starting and stopping the logger under test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
	"go.uber.org/zap"
	"go.uber.org/zap/zapio"
)

type LoggerType string

const (
	// LoggerPython runs the logger as a python module
	LoggerPython LoggerType = "python"
	// LoggerBinary runs a standalone logger executable
	LoggerBinary LoggerType = "binary"
	// LoggerNone starts nothing; the logger is expected to be started separately
	LoggerNone LoggerType = "none"
)

func (t LoggerType) Validate() error {
	switch t {
	case LoggerPython, LoggerBinary, LoggerNone:
		return nil
	default:
		return fmt.Errorf("unknown logger type %q", string(t))
	}
}

// StraceOutput is where the syscall summary goes when running under strace, relative to the
// logger's working directory
const StraceOutput = "strace_summary.log"

type Config struct {
	Type LoggerType
	// Module is the python module to run, for LoggerPython
	Module string
	// Binary is the path to the executable, for LoggerBinary
	Binary string
	// ConfigPath is passed to the logger as its own config file
	ConfigPath string
	// Host and Port are where the logger should connect to the generator
	Host string
	Port uint16
	// Strace runs the logger under strace, collecting a syscall summary
	Strace bool
	// Dir is the working directory for the logger. The logger writes its output there.
	Dir string
	// TerminateTimeout is how long to wait after SIGTERM before killing the logger
	TerminateTimeout time.Duration
}

// Command returns the argv that starts the logger. It returns nil for LoggerNone.
func Command(c Config) ([]string, error) {
	if err := c.Type.Validate(); err != nil {
		return nil, err
	}

	var argv []string
	switch c.Type {
	case LoggerNone:
		return nil, nil
	case LoggerPython:
		argv = []string{"python3", "-m", c.Module}
	case LoggerBinary:
		binary := c.Binary
		if c.Strace {
			// strace resolves a bare name via PATH, not relative to the working directory
			abs, err := filepath.Abs(binary)
			if err != nil {
				return nil, fmt.Errorf("Error resolving logger binary path: %w", err)
			}
			binary = abs
		}
		argv = []string{binary}
	}

	argv = append(argv,
		"--host", c.Host,
		"--port", strconv.Itoa(int(c.Port)),
		"--write", ".",
		"--config", c.ConfigPath,
		"--show-flow-events", "1",
	)

	if c.Strace {
		argv = append([]string{"strace", "-f", "-c", "-o", StraceOutput}, argv...)
	}
	return argv, nil
}

// Process is a running logger
type Process struct {
	logger  *zap.Logger
	config  Config
	cmd     *exec.Cmd
	output  *zapio.Writer
	exited  chan struct{}
	waitErr error
}

// Start launches the logger. For LoggerNone, it returns a nil *Process, which is safe to use.
//
// The logger's stdout and stderr are forwarded line by line to logger.
func Start(logger *zap.Logger, c Config) (*Process, error) {
	argv, err := Command(c)
	if err != nil {
		return nil, err
	}
	if argv == nil {
		logger.Info("Not starting a logger process", zap.String("type", string(c.Type)))
		return nil, nil
	}

	output := &zapio.Writer{Log: logger.Named("output"), Level: zap.InfoLevel}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("Error starting logger %q: %w", argv[0], err)
	}

	logger.Info("Started logger", zap.Int("pid", cmd.Process.Pid), zap.String("command", shellescape.QuoteCommand(argv)))

	p := &Process{
		logger:  logger,
		config:  c,
		cmd:     cmd,
		output:  output,
		exited:  make(chan struct{}),
		waitErr: nil,
	}
	go func() {
		p.waitErr = cmd.Wait()
		_ = output.Close()
		close(p.exited)
	}()
	return p, nil
}

// PID returns the logger's process id, or zero if there's no process
func (p *Process) PID() int {
	if p == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Exited returns a channel that is closed once the logger has exited. For a nil *Process, it is
// never closed.
func (p *Process) Exited() <-chan struct{} {
	if p == nil {
		return nil
	}
	return p.exited
}

// Terminate sends SIGTERM to the logger, and kills it if it hasn't exited after TerminateTimeout
// or once ctx is canceled.
func (p *Process) Terminate(ctx context.Context) error {
	if p == nil {
		return nil
	}

	select {
	case <-p.exited:
		p.logger.Info("Logger had already exited", zap.Error(p.waitErr))
		return nil
	default:
	}

	p.logger.Info("Sending SIGTERM to logger", zap.Int("pid", p.PID()))
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("Error signalling logger: %w", err)
	}

	timer := time.NewTimer(p.config.TerminateTimeout)
	defer timer.Stop()

	select {
	case <-p.exited:
		p.logger.Info("Logger exited", zap.Error(p.waitErr))
		return nil
	case <-timer.C:
		p.logger.Warn("Logger did not exit after SIGTERM, killing it",
			zap.Duration("timeout", p.config.TerminateTimeout))
	case <-ctx.Done():
		p.logger.Warn("Gave up waiting for logger to exit, killing it")
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("Error killing logger: %w", err)
	}
	<-p.exited
	return nil
}
