package logstream

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/ward/internal/metrics"
)

// DefaultSubscriberBuffer is used when Subscribe is called with buffer <= 0.
const DefaultSubscriberBuffer = 256

// Aggregator merges the output lines of all units into a single labeled
// stream. Publish never blocks: producers stamp lines under a short mutex
// and slow subscribers lose lines (counted) instead of exerting
// backpressure on the child processes.
type Aggregator struct {
	mu      sync.Mutex
	seq     uint64
	subs    map[*Subscription]struct{}
	ring    []Line // replay ring; nil when replay disabled
	ringLen int    // number of valid entries in ring
	ringPos int    // next write index
	dropped atomic.Uint64
}

// NewAggregator creates an aggregator keeping the last replay lines for
// late subscribers. replay <= 0 disables the replay buffer; subscribers
// then receive lines from the point of subscription onward only.
func NewAggregator(replay int) *Aggregator {
	a := &Aggregator{subs: make(map[*Subscription]struct{})}
	if replay > 0 {
		a.ring = make([]Line, replay)
	}
	return a
}

// Publish stamps and fans out one line. Safe for concurrent use by many
// producers; arrival order at the internal mutex defines the global order.
func (a *Aggregator) Publish(unit string, stream Stream, text string) {
	a.mu.Lock()
	a.seq++
	ln := Line{
		Seq:    a.seq,
		Time:   time.Now(),
		Unit:   unit,
		Stream: stream,
		Text:   text,
	}
	if a.ring != nil {
		a.ring[a.ringPos] = ln
		a.ringPos = (a.ringPos + 1) % len(a.ring)
		if a.ringLen < len(a.ring) {
			a.ringLen++
		}
	}
	for s := range a.subs {
		select {
		case s.ch <- ln:
		default:
			s.dropped.Add(1)
			a.dropped.Add(1)
			metrics.IncDroppedLines(unit, 1)
		}
	}
	a.mu.Unlock()
}

// Replay returns up to n of the most recent lines in order. Returns nil
// when the aggregator was created without a replay buffer.
func (a *Aggregator) Replay(n int) []Line {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ring == nil || a.ringLen == 0 || n <= 0 {
		return nil
	}
	if n > a.ringLen {
		n = a.ringLen
	}
	out := make([]Line, 0, n)
	start := a.ringPos - n
	if start < 0 {
		start += len(a.ring)
	}
	for i := 0; i < n; i++ {
		out = append(out, a.ring[(start+i)%len(a.ring)])
	}
	return out
}

// Dropped reports the total number of lines dropped across all subscribers.
func (a *Aggregator) Dropped() uint64 { return a.dropped.Load() }

// Subscription receives lines published after Subscribe was called.
type Subscription struct {
	a       *Aggregator
	ch      chan Line
	dropped atomic.Uint64
	once    sync.Once
}

// Subscribe registers a new subscriber with the given channel buffer.
func (a *Aggregator) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	s := &Subscription{a: a, ch: make(chan Line, buffer)}
	a.mu.Lock()
	a.subs[s] = struct{}{}
	a.mu.Unlock()
	return s
}

// Lines returns the subscriber's channel. The channel is closed by Close.
func (s *Subscription) Lines() <-chan Line { return s.ch }

// Dropped reports how many lines this subscriber missed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.a.mu.Lock()
		delete(s.a.subs, s)
		s.a.mu.Unlock()
		close(s.ch)
	})
}
