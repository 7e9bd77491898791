// Package scavenger runs a function on a background goroutine on request.
//
// Requests are deduplicated: any number of Run calls made while a run is
// pending collapse into one. A run that is already executing is never
// interrupted; a request arriving during it schedules exactly one more run.
package scavenger

import (
	"sync"
	"sync/atomic"
)

// Scavenger schedules deduplicated background runs of a function.
type Scavenger struct {
	fn         func()
	background bool

	start   sync.Once
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	closed  atomic.Bool

	requested atomic.Int64
	executed  atomic.Int64
}

// Option configures a Scavenger.
type Option func(*Scavenger)

// WithBackground enables or disables the background goroutine. With it
// disabled, Run only counts requests.
func WithBackground(enabled bool) Option {
	return func(s *Scavenger) { s.background = enabled }
}

// New returns a Scavenger running fn. The goroutine starts on the first Run.
func New(fn func(), opts ...Option) *Scavenger {
	s := &Scavenger{
		fn:         fn,
		background: true,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run requests a run. It never blocks.
func (s *Scavenger) Run() {
	s.requested.Add(1)
	if !s.background || s.closed.Load() {
		return
	}
	s.start.Do(func() { go s.loop() })
	select {
	case s.wake <- struct{}{}:
	default: // a run is already pending
	}
}

func (s *Scavenger) loop() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.fn()
			s.executed.Add(1)
		}
	}
}

// Close stops the goroutine after any run in progress finishes.
func (s *Scavenger) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	close(s.done)
	started := true
	s.start.Do(func() { started = false })
	if started {
		<-s.stopped
	}
}

// Requested returns the number of Run calls.
func (s *Scavenger) Requested() int64 { return s.requested.Load() }

// Executed returns the number of completed runs.
func (s *Scavenger) Executed() int64 { return s.executed.Load() }
