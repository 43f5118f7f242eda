// Originally taken from https://github.com/ptxmac/multierrgroup

// Package taskgroup provides a mix of multierr and errgroup, tailored for the small, fixed set of
// long-lived workers that make up a benchmark run.
// See documentation for https://pkg.go.dev/go.uber.org/multierr and https://pkg.go.dev/golang.org/x/sync/errgroup
package taskgroup

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Group manages goroutines and collect all the errors.
// See https://pkg.go.dev/golang.org/x/sync/errgroup#group for more information
type Group interface {
	// Ctx returns the context shared by all tasks. It is canceled when any task fails, when the
	// parent context is canceled, or once Wait returns.
	Ctx() context.Context
	WithPanicHandler(f func(any))
	Wait() error
	Go(name string, f func(logger *zap.Logger) error)
	// Running returns the names of the tasks that have not yet returned.
	Running() []string
}

type group struct {
	cancel       context.CancelFunc
	ctx          context.Context
	logger       *zap.Logger
	panicHandler func(any)
	// warnAfter is how long after cancellation Wait may block before it logs the tasks still
	// running. Zero disables the warning.
	warnAfter time.Duration

	wg sync.WaitGroup

	mu      sync.Mutex
	err     error
	running map[string]int
}

type GroupOption func(*group)

// WithParentContext sets the parent context for the group.
func WithParentContext(ctx context.Context) GroupOption {
	return func(g *group) {
		g.ctx, g.cancel = context.WithCancel(ctx)
	}
}

// WithShutdownWarning makes Wait log the tasks that are still running if they have not all exited
// d after the group's context was canceled.
func WithShutdownWarning(d time.Duration) GroupOption {
	return func(g *group) {
		g.warnAfter = d
	}
}

// NewGroup returns a new Group.
func NewGroup(logger *zap.Logger, opts ...GroupOption) Group {
	g := &group{
		cancel:       nil, // Set separately by WithParentContext
		ctx:          nil, // Set separately by WithParentContext
		panicHandler: nil, // Set separately by WithPanicHandler
		logger:       logger,
		warnAfter:    0,
		wg:           sync.WaitGroup{},

		mu:      sync.Mutex{},
		err:     nil,
		running: make(map[string]int),
	}

	for _, opt := range opts {
		opt(g)
	}
	if g.ctx == nil {
		// If parent context is not set, use background context
		WithParentContext(context.Background())(g)
	}

	return g
}

func (g *group) Ctx() context.Context {
	return g.ctx
}

// WithPanicHandler sets a panic handler for the group.
func (g *group) WithPanicHandler(f func(any)) {
	g.panicHandler = f
}

// Wait blocks until all goroutines have completed.
//
// All errors returned from the goroutines will be combined into one using multierr and returned from this method.
func (g *group) Wait() error {
	if g.warnAfter > 0 {
		done := make(chan struct{})
		defer close(done)
		go g.warnOnSlowShutdown(done)
	}

	g.wg.Wait()
	g.cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

func (g *group) warnOnSlowShutdown(done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-g.ctx.Done():
	}

	timer := time.NewTimer(g.warnAfter)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		g.logger.Warn("Tasks are slow to exit after shutdown", zap.Strings("running", g.Running()))
	}
}

func (g *group) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var names []string
	for name, count := range g.running {
		for i := 0; i < count; i++ {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

func (g *group) call(logger *zap.Logger, f func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if g.panicHandler != nil {
				g.panicHandler(r)
			}
			logger.Error("panic", zap.Any("panic", r), zap.StackSkip("stack", 1))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	err = f()
	return err
}

// Go calls the function in a new goroutine.
// If a non-nil errors is returned, the context is canceled and
// the error is collected using multierr and will be returned by Wait.
//
// Tasks that fail in a way that should not bring down their siblings are expected to log the
// failure themselves and return nil.
func (g *group) Go(name string, f func(logger *zap.Logger) error) {
	g.wg.Add(1)

	g.mu.Lock()
	g.running[name] += 1
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		logger := g.logger.Named(name)
		start := time.Now()

		err := g.call(logger, func() error { return f(logger) })

		g.mu.Lock()
		if g.running[name] <= 1 {
			delete(g.running, name)
		} else {
			g.running[name] -= 1
		}
		if err != nil {
			err = fmt.Errorf("task %s failed: %w", name, err)
			g.err = multierr.Append(g.err, err)
		}
		g.mu.Unlock()

		if err != nil {
			logger.Error(err.Error())
			g.cancel()
		} else {
			logger.Info("Task exited", zap.Duration("runtime", time.Since(start)))
		}
	}()
}
