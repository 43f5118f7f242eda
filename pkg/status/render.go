package status

import (
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/term"
)

// Snapshot is a single point-in-time view of the benchmark, as shown by a Renderer
type Snapshot struct {
	LatencyUsec uint64
	Rate        float64
	// TargetRate is the rate the active profile is scheduling, in events per second
	TargetRate float64
	Mode       string
	// Label is the name of the active profile, if it has one distinct from the mode
	Label string
	// Final is set on the last snapshot of a run
	Final bool
}

// Renderer displays status snapshots. Implementations must be safe to call from multiple
// goroutines.
type Renderer interface {
	Render(s Snapshot)
}

// RendererFunc adapts a function to the Renderer interface
type RendererFunc func(Snapshot)

func (f RendererFunc) Render(s Snapshot) { f(s) }

// TerminalRenderer redraws a fixed block of lines at the bottom of the terminal, leaving the
// cursor where it was. If the output isn't a terminal (or is too small), it prints plain lines
// instead.
type TerminalRenderer struct {
	mu  sync.Mutex
	out io.Writer
	// fd is the file descriptor used to query the terminal size, or -1 if out is not a terminal
	fd int
}

const statusLines = 4

// NewTerminalRenderer returns a TerminalRenderer writing to out. If out is an *os.File attached to
// a terminal, the status block is drawn in place.
func NewTerminalRenderer(out io.Writer) *TerminalRenderer {
	fd := -1
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd = int(f.Fd())
	}
	return &TerminalRenderer{mu: sync.Mutex{}, out: out, fd: fd}
}

// IsTerminal returns whether the renderer is drawing in place
func (r *TerminalRenderer) IsTerminal() bool {
	return r.fd >= 0
}

func modeLine(s Snapshot) string {
	if s.Label != "" && s.Label != s.Mode {
		return fmt.Sprintf("Current mode: %s (%s)", s.Mode, s.Label)
	}
	return fmt.Sprintf("Current mode: %s", s.Mode)
}

func (r *TerminalRenderer) Render(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lines := [statusLines]string{
		"Press Ctrl+C to exit",
		fmt.Sprintf("Current latency: %d us", s.LatencyUsec),
		fmt.Sprintf("Current rate: %.1f events/s (target %.1f)", s.Rate, s.TargetRate),
		modeLine(s),
	}

	rows := 0
	if r.fd >= 0 && !s.Final {
		if _, height, err := term.GetSize(r.fd); err == nil {
			rows = height
		}
	}

	if rows < statusLines {
		for _, l := range lines {
			fmt.Fprintln(r.out, l)
		}
		return
	}

	// save cursor, draw each line at the bottom of the screen, restore cursor
	buf := []byte("\0337")
	start := rows - statusLines + 1
	for i, l := range lines {
		buf = fmt.Appendf(buf, "\033[%d;1H\033[2K%s", start+i, l)
	}
	buf = append(buf, "\0338"...)
	_, _ = r.out.Write(buf)
}

// Write writes p to the renderer's output without interleaving it with a status redraw, so other
// output to the same terminal can go through the renderer.
func (r *TerminalRenderer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Write(p)
}

// LogRenderer writes each snapshot as a structured log line
type LogRenderer struct {
	logger *zap.Logger
}

func NewLogRenderer(logger *zap.Logger) *LogRenderer {
	return &LogRenderer{logger: logger}
}

func (r *LogRenderer) Render(s Snapshot) {
	msg := "Status"
	if s.Final {
		msg = "Final status"
	}
	r.logger.Info(msg,
		zap.Uint64("latencyUsec", s.LatencyUsec),
		zap.Float64("rate", s.Rate),
		zap.Float64("targetRate", s.TargetRate),
		zap.String("mode", s.Mode),
		zap.String("label", s.Label),
	)
}
