// Package playback schedules decoded audio buffers for gapless output.
//
// Inbound model audio arrives as a stream of short fragments. The scheduler
// maintains a cursor on the output timeline: each fragment starts either at
// the cursor (back-to-back with its predecessor) or immediately when the
// stream has fallen behind real time, and the cursor advances by the
// fragment's duration. Interrupt stops every in-flight source, empties the
// pending set, and resets the cursor so the next fragment plays at once.
package playback

import (
	"fmt"
	"sync"
	"time"

	"github.com/phishguard/phishguard/pkg/pcm"
)

// Clock abstracts the output timeline's notion of now. Tests substitute a
// manual clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Handle is one in-flight audio source started by a Sink. Stop halts it
// early; stopping an already-finished source is a no-op.
type Handle interface {
	Stop()
}

// Sink starts actual audio output. Play schedules buf to start at the given
// time and must not block until then; done is invoked exactly once when the
// source finishes or is stopped, from a goroutine other than the Play caller.
type Sink interface {
	Play(buf *pcm.Buffer, at time.Time, done func()) (Handle, error)
}

// Scheduler sequences buffers onto a Sink. Safe for concurrent use.
type Scheduler struct {
	sink  Sink
	clock Clock

	mu        sync.Mutex
	cursor    time.Time
	pending   map[Handle]struct{}
	onPending func(delta int)
}

// SchedulerOption is a functional option for configuring a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock overrides the timeline clock. Used in tests.
func WithClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithPendingHook registers fn to receive size deltas of the pending set:
// +1 per source scheduled, -1 per source finished, -n when an interrupt
// empties the set. fn runs with the scheduler locked and must not call back
// into the Scheduler.
func WithPendingHook(fn func(delta int)) SchedulerOption {
	return func(s *Scheduler) { s.onPending = fn }
}

// NewScheduler creates a Scheduler that plays through sink.
func NewScheduler(sink Sink, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		sink:    sink,
		clock:   systemClock{},
		pending: make(map[Handle]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf for playback. The start time is the later of the
// cursor and now; on success the cursor advances by the buffer's duration.
// Empty buffers are ignored.
func (s *Scheduler) Enqueue(buf *pcm.Buffer) error {
	if buf == nil || buf.Frames() == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := s.cursor
	if now := s.clock.Now(); start.Before(now) {
		start = now
	}

	ref := &sourceRef{}
	h, err := s.sink.Play(buf, start, func() { s.finished(ref) })
	if err != nil {
		return fmt.Errorf("playback: play: %w", err)
	}

	ref.handle = h
	s.pending[h] = struct{}{}
	s.notifyPending(1)
	s.cursor = start.Add(buf.Duration())
	return nil
}

// Interrupt stops all in-flight sources, empties the pending set, and resets
// the cursor so the next enqueued buffer starts immediately. Safe to call
// from a source's done callback.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.pending))
	for h := range s.pending {
		handles = append(handles, h)
	}
	s.pending = make(map[Handle]struct{})
	s.notifyPending(-len(handles))
	s.cursor = s.clock.Now()
	s.mu.Unlock()

	// Stop outside the lock: a sink may invoke done callbacks synchronously
	// from Stop.
	for _, h := range handles {
		h.Stop()
	}
}

// Pending returns the number of in-flight sources.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

type sourceRef struct {
	handle Handle
}

func (s *Scheduler) finished(ref *sourceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ref.handle == nil {
		return
	}
	// The handle may already be gone when an interrupted source reports in.
	if _, ok := s.pending[ref.handle]; ok {
		delete(s.pending, ref.handle)
		s.notifyPending(-1)
	}
}

// notifyPending reports a pending-set size change. Callers hold s.mu.
func (s *Scheduler) notifyPending(delta int) {
	if s.onPending != nil && delta != 0 {
		s.onPending(delta)
	}
}
