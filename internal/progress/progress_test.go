package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestConstantRate(t *testing.T) {
	const d = 250_000
	const total = 10 * d
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := New(WithClock(clock.now))

	var lastETA time.Duration
	for i := int64(1); i < 10; i++ {
		clock.advance(time.Second)
		s := e.Update(i*d, total, "a.bin")
		assert.InDelta(t, d, s.Rate, 0.001)
		assert.True(t, s.ETAKnown)
		if i > 1 {
			assert.Less(t, s.ETA, lastETA)
		}
		lastETA = s.ETA
	}
	assert.Equal(t, time.Second, lastETA)

	clock.advance(time.Second)
	s := e.Update(total, total, "a.bin")
	assert.True(t, s.Done())
	assert.False(t, s.ETAKnown)
	assert.Equal(t, 1.0, s.Fraction())
}

func TestZeroElapsedDropped(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := New(WithClock(clock.now))

	clock.advance(time.Second)
	first := e.Update(100, 1000, "a")
	s := e.Update(900, 1000, "b")
	assert.Equal(t, first, s)
	assert.Equal(t, int64(100), e.Snapshot().Processed)
}

func TestCosmeticUpdatesBetweenSamples(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := New(WithClock(clock.now))

	clock.advance(time.Second)
	s := e.Update(1000, 10_000, "a")
	assert.InDelta(t, 1000, s.Rate, 0.001)

	clock.advance(100 * time.Millisecond)
	s = e.Update(5000, 10_000, "b")
	assert.Equal(t, "b", s.Name)
	assert.Equal(t, int64(5000), s.Processed)
	assert.InDelta(t, 1000, s.Rate, 0.001, "rate is only resampled once per interval")

	// Completion always resamples.
	clock.advance(100 * time.Millisecond)
	s = e.Update(10_000, 10_000, "b")
	assert.InDelta(t, 9000/0.2, s.Rate, 0.001)
	assert.False(t, s.ETAKnown)
}

func TestZeroRateUnknownETA(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	e := New(WithClock(clock.now))
	clock.advance(2 * time.Second)
	s := e.Update(0, 100, "stalled")
	assert.Zero(t, s.Rate)
	assert.False(t, s.ETAKnown)
}

func TestObserverAndReset(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	var seen []Snapshot
	e := New(WithClock(clock.now), WithInterval(500*time.Millisecond), WithObserver(func(s Snapshot) {
		seen = append(seen, s)
	}))
	clock.advance(500 * time.Millisecond)
	e.Update(50, 100, "a")
	assert.Len(t, seen, 1)
	assert.InDelta(t, 100, seen[0].Rate, 0.001)

	e.Reset(200)
	assert.Equal(t, Snapshot{Total: 200}, e.Snapshot())
	e.Update(10, 200, "a")
	assert.Len(t, seen, 1, "zero elapsed samples are not observed")
}
