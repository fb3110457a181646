// Package sched provides the timer capability injected into components
// that debounce or defer work, so tests can drive a virtual clock
// instead of sleeping.
package sched

import (
	"sort"
	"sync"
	"time"
)

// Handle identifies a scheduled task for cancellation.
type Handle uint64

// Scheduler runs a function once after a delay. Cancel is a no-op for
// handles that already fired or were cancelled.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Handle
	Cancel(h Handle)
}

// Timer is the production Scheduler backed by time.AfterFunc.
type Timer struct {
	mu     sync.Mutex
	next   Handle
	timers map[Handle]*time.Timer
}

func NewTimer() *Timer {
	return &Timer{timers: make(map[Handle]*time.Timer)}
}

func (s *Timer) Schedule(d time.Duration, fn func()) Handle {
	s.mu.Lock()
	s.next++
	h := s.next
	s.timers[h] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, h)
		s.mu.Unlock()
		fn()
	})
	s.mu.Unlock()
	return h
}

func (s *Timer) Cancel(h Handle) {
	s.mu.Lock()
	t, ok := s.timers[h]
	if ok {
		delete(s.timers, h)
	}
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}

type manualTask struct {
	h   Handle
	at  time.Time
	fn  func()
	seq uint64
}

// Manual is a virtual-clock Scheduler for tests. Tasks fire only when
// Advance moves the clock past their deadline, in deadline order.
type Manual struct {
	mu    sync.Mutex
	now   time.Time
	next  Handle
	seq   uint64
	tasks []manualTask
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (s *Manual) Schedule(d time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.seq++
	s.tasks = append(s.tasks, manualTask{h: s.next, at: s.now.Add(d), fn: fn, seq: s.seq})
	return s.next
}

func (s *Manual) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.h == h {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return
		}
	}
}

// Advance moves the clock forward and runs every task whose deadline
// has passed, oldest deadline first. Tasks run without the lock held so
// they may schedule more work.
func (s *Manual) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	deadline := s.now
	s.mu.Unlock()

	for {
		s.mu.Lock()
		idx := -1
		for i, t := range s.tasks {
			if t.at.After(deadline) {
				continue
			}
			if idx == -1 {
				idx = i
				continue
			}
			if t.at.Before(s.tasks[idx].at) ||
				(t.at.Equal(s.tasks[idx].at) && t.seq < s.tasks[idx].seq) {
				idx = i
			}
		}
		if idx == -1 {
			s.mu.Unlock()
			return
		}
		task := s.tasks[idx]
		s.tasks = append(s.tasks[:idx], s.tasks[idx+1:]...)
		s.mu.Unlock()
		task.fn()
	}
}

// Pending reports how many tasks are scheduled and not yet due.
func (s *Manual) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Deadlines lists pending task deadlines, sorted. Useful in tests that
// assert a timer was replaced rather than stacked.
func (s *Manual) Deadlines() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.at)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
