package scenario

// The control loop that moves between profiles and publishes them on the Bus

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
)

// SwitcherOptions configures a Switcher. The zero value of every field has a usable default.
type SwitcherOptions struct {
	// PollInterval bounds how long the switcher can go without checking for shutdown or the
	// kill-after deadline. Defaults to 100ms; values above one second are clamped.
	PollInterval time.Duration

	// Input is where manual mode reads operator selections from
	Input io.Reader
	// Output is where manual mode writes the menu and prompts to. It must be safe to write to
	// while the status display is being drawn.
	Output io.Writer

	// Shutdown is called when the switcher wants the whole run to stop: the kill-after deadline
	// passed, or the operator quit in manual mode.
	Shutdown func()

	// OnPublish, if not nil, is called after every publish with the index of the new profile
	OnPublish func(index int, p *Profile)
}

// Switcher selects the active profile from a File, either automatically by hold duration or
// manually from operator input.
type Switcher struct {
	logger *zap.Logger
	file   *File
	bus    *Bus
	opts   SwitcherOptions

	index int
}

func NewSwitcher(logger *zap.Logger, file *File, bus *Bus, opts SwitcherOptions) *Switcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	} else if opts.PollInterval > time.Second {
		opts.PollInterval = time.Second
	}
	if opts.Output == nil {
		opts.Output = io.Discard
	}
	if opts.Shutdown == nil {
		opts.Shutdown = func() {}
	}

	return &Switcher{
		logger: logger,
		file:   file,
		bus:    bus,
		opts:   opts,
		index:  min(max(file.StartIndex, 0), len(file.Scenarios)-1),
	}
}

// Run publishes the starting profile and then switches between profiles until ctx is canceled,
// the kill-after deadline passes, or the operator quits.
func (s *Switcher) Run(ctx context.Context) error {
	var deadline time.Time
	if s.file.KillAfter > 0 {
		deadline = time.Now().Add(s.file.KillAfter)
	}

	s.activate(s.index)

	switch s.file.Mode {
	case SwitchManual:
		s.runManual(ctx, deadline)
	default:
		s.runAutomatic(ctx, deadline)
	}
	return nil
}

func (s *Switcher) activate(index int) {
	s.index = index
	p := s.file.Scenarios[index].Clone()
	s.bus.Publish(p)
	s.logger.Info("Scenario active", zap.Int("index", index), zap.String("mode", p.Mode.String()),
		zap.String("label", p.Label()))
	if s.opts.OnPublish != nil {
		s.opts.OnPublish(index, p)
	}
}

// holdFor returns how long to keep the profile at index active, or a negative duration to keep
// it forever.
func (s *Switcher) holdFor(index int) time.Duration {
	hold := s.file.Scenarios[index].HoldDur
	if hold == 0 {
		return s.file.Interval
	}
	return hold
}

func (s *Switcher) killed(deadline time.Time, now time.Time) bool {
	if deadline.IsZero() || now.Before(deadline) {
		return false
	}
	s.logger.Info("Kill-after deadline reached, requesting shutdown", zap.Duration("killAfter", s.file.KillAfter))
	s.opts.Shutdown()
	return true
}

func (s *Switcher) runAutomatic(ctx context.Context, deadline time.Time) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	activeSince := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.killed(deadline, now) {
				return
			}

			hold := s.holdFor(s.index)
			if hold < 0 || now.Sub(activeSince) < hold {
				continue
			}

			// Advance by the scheduled boundary rather than the tick time, so polling granularity
			// doesn't accumulate across transitions.
			activeSince = activeSince.Add(hold)
			if now.Sub(activeSince) >= s.opts.PollInterval {
				activeSince = now
			}
			s.activate((s.index + 1) % len(s.file.Scenarios))
		}
	}
}

func (s *Switcher) printMenu() {
	lines := lo.Map(s.file.Scenarios, func(p *Profile, i int) string {
		return fmt.Sprintf("  [%d] %s", i, p.Label())
	})
	fmt.Fprintf(s.opts.Output, "Available scenarios:\n%s\nSelect scenario index (or 'q' to quit): ",
		strings.Join(lines, "\n"))
}

func (s *Switcher) runManual(ctx context.Context, deadline time.Time) {
	if s.opts.Input == nil {
		s.logger.Warn("Manual scenario mode without operator input, keeping the starting scenario")
		s.waitForDeadline(ctx, deadline)
		return
	}

	// Reads happen in their own goroutine so that shutdown isn't held up by a blocking read. On
	// shutdown, the goroutine stays parked in Read until the input is closed or the process exits.
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.opts.Input)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.printMenu()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.killed(deadline, now) {
				return
			}
		case err := <-readErr:
			// no more selections can arrive; the current profile stays active until ctx is
			// canceled or the deadline passes
			if err != nil {
				s.logger.Error("Failed to read operator input, keeping current scenario", zap.Error(err))
			} else {
				s.logger.Info("Operator input closed, keeping current scenario")
			}
			readErr = nil
		case line := <-lines:
			if s.handleInput(strings.TrimSpace(line)) {
				s.opts.Shutdown()
				return
			}
			s.printMenu()
		}
	}
}

// handleInput acts on a single line of operator input, returning true if the operator asked to
// quit
func (s *Switcher) handleInput(line string) (quit bool) {
	if line == "q" || line == "quit" {
		s.logger.Info("Operator requested shutdown")
		return true
	}

	index, err := strconv.Atoi(line)
	if err != nil {
		s.logger.Warn("Invalid scenario selection", zap.String("input", line))
		fmt.Fprintln(s.opts.Output, "Invalid input")
		return false
	} else if index < 0 || index >= len(s.file.Scenarios) {
		s.logger.Warn("Scenario index out of range", zap.Int("index", index))
		fmt.Fprintln(s.opts.Output, "Invalid index")
		return false
	}

	s.activate(index)
	return false
}

func (s *Switcher) waitForDeadline(ctx context.Context, deadline time.Time) {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.killed(deadline, now) {
				return
			}
		}
	}
}
