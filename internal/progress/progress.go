// Package progress accumulates byte and segment counters from download
// workers and exposes them as point-in-time samples.
package progress

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sample is an ephemeral snapshot of download progress. It is recomputed
// on demand and never persisted.
type Sample struct {
	BytesDownloaded int64
	BytesTotal      int64 // 0 when unknown
	SegmentsDone    int
	SegmentsFailed  int
	SegmentsTotal   int
	// Rate is the smoothed instantaneous throughput in bytes per second.
	Rate float64
}

// Callback receives pushed samples, at most once per configured interval.
type Callback func(Sample)

// DefaultInterval bounds how often the push callback fires.
const DefaultInterval = 250 * time.Millisecond

// Aggregator tracks progress under a single lock held only for the
// duration of each increment. Safe for concurrent use by all workers.
type Aggregator struct {
	mu         sync.Mutex
	bytes      int64
	bytesTotal int64
	done       int
	failed     int
	total      int
	startedAt  time.Time
	lastAt     time.Time
	lastBytes  int64
	rate       float64
	alpha      float64
	now        func() time.Time

	callback Callback
	interval time.Duration
	lastEmit int64 // unix nanos, atomic
}

// New returns an aggregator for a download of segmentsTotal segments.
// bytesTotal may be 0 when the manifest does not declare sizes.
func New(segmentsTotal int, bytesTotal int64) *Aggregator {
	return NewWithNow(segmentsTotal, bytesTotal, time.Now)
}

// NewWithNow injects a clock for tests.
func NewWithNow(segmentsTotal int, bytesTotal int64, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	start := now()
	return &Aggregator{
		bytesTotal: bytesTotal,
		total:      segmentsTotal,
		startedAt:  start,
		lastAt:     start,
		alpha:      0.2,
		now:        now,
		interval:   DefaultInterval,
	}
}

// SetCallback registers a push-style consumer. A non-positive interval
// keeps the default.
func (a *Aggregator) SetCallback(cb Callback, interval time.Duration) {
	a.mu.Lock()
	a.callback = cb
	if interval > 0 {
		a.interval = interval
	}
	a.mu.Unlock()
}

// Add records n downloaded bytes and updates the smoothed rate.
func (a *Aggregator) Add(n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	now := a.now()
	a.bytes += n
	deltaBytes := a.bytes - a.lastBytes
	deltaTime := now.Sub(a.lastAt).Seconds()
	if deltaTime > 0 {
		inst := float64(deltaBytes) / deltaTime
		if a.rate == 0 {
			a.rate = inst
		} else {
			a.rate = a.alpha*inst + (1-a.alpha)*a.rate
		}
		a.lastAt = now
		a.lastBytes = a.bytes
	}
	a.mu.Unlock()
	a.maybeEmit()
}

// Done records one completed segment.
func (a *Aggregator) Done() {
	a.mu.Lock()
	a.done++
	a.mu.Unlock()
	a.maybeEmit()
}

// Failed records one terminally failed segment.
func (a *Aggregator) Failed() {
	a.mu.Lock()
	a.failed++
	a.mu.Unlock()
	a.maybeEmit()
}

// Sample returns the current snapshot. Callable at any time.
func (a *Aggregator) Sample() Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sampleLocked()
}

func (a *Aggregator) sampleLocked() Sample {
	return Sample{
		BytesDownloaded: a.bytes,
		BytesTotal:      a.bytesTotal,
		SegmentsDone:    a.done,
		SegmentsFailed:  a.failed,
		SegmentsTotal:   a.total,
		Rate:            a.rate,
	}
}

// Flush pushes a final sample regardless of the throttle interval.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	cb := a.callback
	sample := a.sampleLocked()
	a.mu.Unlock()
	if cb != nil {
		cb(sample)
	}
}

// maybeEmit pushes a sample unless one was pushed within the interval.
// The throttle keeps high-frequency worker updates from flooding the
// caller.
func (a *Aggregator) maybeEmit() {
	a.mu.Lock()
	cb := a.callback
	interval := a.interval
	a.mu.Unlock()
	if cb == nil {
		return
	}

	now := a.now().UnixNano()
	prev := atomic.LoadInt64(&a.lastEmit)
	if now-prev < int64(interval) {
		return
	}
	if !atomic.CompareAndSwapInt64(&a.lastEmit, prev, now) {
		return
	}
	cb(a.Sample())
}
