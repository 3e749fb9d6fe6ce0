package engine

import (
	"sort"
	"sync"
	"time"
)

// Timer is a cancellable delayed task.
type Timer interface {
	// Stop prevents the task from running. It reports whether the call
	// stopped the task before it fired.
	Stop() bool
}

// Scheduler runs fn once after d has elapsed.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// RealScheduler is backed by time.AfterFunc.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// ManualScheduler only fires timers when Advance is called. Timers fire on
// the goroutine that calls Advance, in due order.
type ManualScheduler struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	s       *ManualScheduler
	seq     int
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{now: start}
}

func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 0 {
		d = 0
	}
	s.seq++
	t := &manualTimer{s: s, seq: s.seq, at: s.now.Add(d), fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Now returns the scheduler's virtual time.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pending counts timers that have neither fired nor been stopped.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves virtual time forward by d, firing every timer that comes
// due, including timers scheduled by callbacks fired along the way.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	for {
		next := s.nextDueLocked(target)
		if next == nil {
			break
		}
		s.now = next.at
		next.fired = true
		s.mu.Unlock()
		next.fn()
		s.mu.Lock()
	}
	s.now = target
	s.compactLocked()
	s.mu.Unlock()
}

func (s *ManualScheduler) nextDueLocked(target time.Time) *manualTimer {
	var due []*manualTimer
	for _, t := range s.timers {
		if t.fired || t.stopped || t.at.After(target) {
			continue
		}
		due = append(due, t)
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].at.Equal(due[j].at) {
			return due[i].seq < due[j].seq
		}
		return due[i].at.Before(due[j].at)
	})
	return due[0]
}

func (s *ManualScheduler) compactLocked() {
	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	s.timers = live
}

func (t *manualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
