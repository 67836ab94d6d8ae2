package runloop

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler with a virtual clock, used by tests.
// Posted tasks run immediately on the caller's goroutine unless a task is
// already running, in which case they are queued and run once it returns.
// Manual must only be driven from a single goroutine.
type Manual struct {
	now     time.Time
	queue   []func()
	running bool
	timers  []*manualTimer
	seq     int
}

type manualTimer struct {
	m        *Manual
	deadline time.Time
	period   time.Duration
	fn       func()
	seq      int
	stopped  bool
}

func (t *manualTimer) Stop() bool {
	if t.stopped {
		return false
	}
	t.stopped = true
	t.m.remove(t)
	return true
}

// NewManual returns a Manual scheduler whose clock starts at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	return m.now
}

func (m *Manual) Post(fn func()) {
	m.queue = append(m.queue, fn)
	if m.running {
		return
	}
	m.Drain()
}

// Drain runs queued tasks until the queue is empty.
func (m *Manual) Drain() {
	if m.running {
		return
	}
	m.running = true
	defer func() { m.running = false }()

	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		runTask(fn)
	}
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	return m.add(d, 0, fn)
}

func (m *Manual) Every(d time.Duration, fn func()) Timer {
	return m.add(d, d, fn)
}

func (m *Manual) add(d, period time.Duration, fn func()) *manualTimer {
	m.seq++
	t := &manualTimer{m: m, deadline: m.now.Add(d), period: period, fn: fn, seq: m.seq}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) remove(t *manualTimer) {
	for i, other := range m.timers {
		if other == t {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			return
		}
	}
}

// Pending reports the number of live timers.
func (m *Manual) Pending() int {
	return len(m.timers)
}

// Advance moves the clock forward by d, firing every timer that comes due in
// deadline order. Recurring timers fire once per elapsed period.
func (m *Manual) Advance(d time.Duration) {
	target := m.now.Add(d)
	for {
		t := m.next(target)
		if t == nil {
			break
		}
		m.now = t.deadline
		if t.period > 0 {
			t.deadline = t.deadline.Add(t.period)
		} else {
			t.stopped = true
			m.remove(t)
		}
		fn := t.fn
		m.Post(func() {
			fn()
		})
	}
	m.now = target
}

func (m *Manual) next(target time.Time) *manualTimer {
	due := make([]*manualTimer, 0, len(m.timers))
	for _, t := range m.timers {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}
