// Package progress estimates transfer rate and remaining time from periodic
// byte counts.
package progress

import (
	"sync"
	"time"
)

// DEFAULT_INTERVAL is the minimum time between two rate samples.
const DEFAULT_INTERVAL = time.Second

// Snapshot is the state of an estimator after an update.
type Snapshot struct {
	Name      string
	Processed int64
	Total     int64
	// Rate is in bytes per second.
	Rate float64
	// ETA is only meaningful when ETAKnown is set.
	ETA      time.Duration
	ETAKnown bool
}

// Done reports whether every byte has been processed.
func (s Snapshot) Done() bool {
	return s.Total > 0 && s.Processed >= s.Total
}

// Fraction of processed bytes, between 0 and 1.
func (s Snapshot) Fraction() float64 {
	if s.Total <= 0 {
		return 0
	}
	f := float64(s.Processed) / float64(s.Total)
	if f > 1 {
		return 1
	}
	return f
}

type Option func(*Estimator)

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(e *Estimator) {
		e.now = now
	}
}

func WithInterval(d time.Duration) Option {
	return func(e *Estimator) {
		e.interval = d
	}
}

// WithObserver registers a function called with the snapshot after every accepted update.
func WithObserver(f func(Snapshot)) Option {
	return func(e *Estimator) {
		e.observer = f
	}
}

// Estimator keeps the time and byte count of the last rate sample. Rate and ETA
// are recomputed at most once per interval, and on completion.
type Estimator struct {
	mu       sync.Mutex
	now      func() time.Time
	interval time.Duration
	observer func(Snapshot)

	lastTime  time.Time
	lastBytes int64
	current   Snapshot
}

func New(opts ...Option) *Estimator {
	e := &Estimator{
		now:      time.Now,
		interval: DEFAULT_INTERVAL,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.lastTime = e.now()
	return e
}

// Reset starts a new measurement for a transfer of total bytes.
func (e *Estimator) Reset(total int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastTime = e.now()
	e.lastBytes = 0
	e.current = Snapshot{Total: total}
}

// Update records that processed of total bytes are done, currently on the named file.
func (e *Estimator) Update(processed, total int64, name string) Snapshot {
	e.mu.Lock()
	now := e.now()
	elapsed := now.Sub(e.lastTime)
	if elapsed <= 0 {
		s := e.current
		e.mu.Unlock()
		return s
	}

	e.current.Name = name
	e.current.Processed = processed
	e.current.Total = total
	if elapsed >= e.interval || processed == total {
		e.current.Rate = float64(processed-e.lastBytes) / elapsed.Seconds()
		e.lastTime = now
		e.lastBytes = processed
		if e.current.Rate > 0 && processed < total {
			e.current.ETA = time.Duration(float64(total-processed) / e.current.Rate * float64(time.Second))
			e.current.ETAKnown = true
		} else {
			e.current.ETA = 0
			e.current.ETAKnown = false
		}
	}
	s := e.current
	observer := e.observer
	e.mu.Unlock()

	if observer != nil {
		observer(s)
	}
	return s
}

// Snapshot returns the state after the last accepted update.
func (e *Estimator) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}
