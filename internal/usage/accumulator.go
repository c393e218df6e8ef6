package usage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Report is a point-in-time view of throughput over the trailing window.
type Report struct {
	CostUnits float64
	Requests  int
}

// Accumulator batches per-request usage and flushes the accumulated sums
// into sliding windows on a fixed tick. Callers on the hot path pay only a
// mutex add; the windows absorb one sample per flush interval instead of
// one per request.
type Accumulator struct {
	interval time.Duration
	logger   *slog.Logger

	costWindow *SlidingWindow
	reqWindow  *SlidingWindow

	mu          sync.Mutex
	pendingCost float64
	pendingReqs int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewAccumulator creates an accumulator that flushes every interval into
// windows of the given size. A zero or negative interval defaults to one
// second.
func NewAccumulator(interval, windowSize time.Duration, logger *slog.Logger) *Accumulator {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{
		interval:   interval,
		logger:     logger,
		costWindow: NewSlidingWindow(windowSize),
		reqWindow:  NewSlidingWindow(windowSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Record adds one request's usage to the pending batch.
func (a *Accumulator) Record(costUnits float64) {
	a.mu.Lock()
	a.pendingCost += costUnits
	a.pendingReqs++
	a.mu.Unlock()
}

// Start runs the flush loop until Stop is called or ctx is cancelled.
func (a *Accumulator) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.Flush()
				return
			case <-a.stop:
				a.Flush()
				return
			case <-ticker.C:
				a.Flush()
			}
		}
	}()
}

// Stop terminates the flush loop after a final flush. Safe to call more
// than once.
func (a *Accumulator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}

// Flush moves the pending batch into the windows. Called by the tick loop;
// exported so callers can force a flush before reading a Report in tests.
func (a *Accumulator) Flush() {
	a.mu.Lock()
	cost := a.pendingCost
	reqs := a.pendingReqs
	a.pendingCost = 0
	a.pendingReqs = 0
	a.mu.Unlock()

	if cost == 0 && reqs == 0 {
		return
	}
	a.costWindow.Add(cost)
	a.reqWindow.Add(float64(reqs))
}

// Snapshot returns the trailing-window totals. Pending usage that has not
// been flushed yet is not included.
func (a *Accumulator) Snapshot() Report {
	return Report{
		CostUnits: a.costWindow.Total(),
		Requests:  int(a.reqWindow.Total()),
	}
}
