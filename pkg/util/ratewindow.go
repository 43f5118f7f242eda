package util

import (
	"sync/atomic"
	"time"
)

// rateWindowSlots is the number of fixed-width slots a RateWindow is divided into
const rateWindowSlots = 20

// RateWindow estimates an event rate from the events counted within a sliding window. The window
// is split into fixed-width slots, so memory use does not depend on the rate.
//
// Add must only be called from a single goroutine. Rate and Total may be called from any
// goroutine; Rate is computed from the current time, so it decays once events stop.
type RateWindow struct {
	slotWidth time.Duration

	// counts[i] holds the events counted in slot number epochs[i]
	counts []atomic.Uint64
	epochs []atomic.Int64

	// unix nanos of the first Add, zero before that
	start atomic.Int64
	total atomic.Uint64
}

func NewRateWindow(window time.Duration) *RateWindow {
	if window <= 0 {
		panic("RateWindow window must be positive")
	}
	return &RateWindow{
		slotWidth: max(window/rateWindowSlots, 1),
		counts:    make([]atomic.Uint64, rateWindowSlots),
		epochs:    make([]atomic.Int64, rateWindowSlots),
		start:     atomic.Int64{},
		total:     atomic.Uint64{},
	}
}

func (w *RateWindow) Add(n uint64) {
	w.add(time.Now(), n)
}

func (w *RateWindow) add(t time.Time, n uint64) {
	now := t.UnixNano()
	w.start.CompareAndSwap(0, now)

	slot := now / int64(w.slotWidth)
	i := slot % int64(len(w.counts))
	if w.epochs[i].Load() != slot {
		w.counts[i].Store(0)
		w.epochs[i].Store(slot)
	}
	w.counts[i].Add(n)
	w.total.Add(n)
}

// Rate returns the number of events per second over the window ending now
func (w *RateWindow) Rate() float64 {
	return w.rate(time.Now())
}

func (w *RateWindow) rate(t time.Time) float64 {
	start := w.start.Load()
	if start == 0 {
		return 0
	}

	now := t.UnixNano()
	current := now / int64(w.slotWidth)
	oldest := current - int64(len(w.counts)) + 1

	var count uint64
	for i := range w.counts {
		if e := w.epochs[i].Load(); e >= oldest && e <= current {
			count += w.counts[i].Load()
		}
	}

	// the window only covers time since the first event
	from := max(oldest*int64(w.slotWidth), start)
	elapsed := time.Duration(now - from).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(count) / elapsed
}

// Total returns the number of events added since the window was created
func (w *RateWindow) Total() uint64 {
	return w.total.Load()
}
