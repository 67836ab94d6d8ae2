// Package activity is the user-facing event stream. Every state change the
// controller makes is described by one Event.
package activity

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an event for consumers that filter or colour them.
type Kind string

const (
	KindInfo       Kind = "info"
	KindState      Kind = "state"
	KindDiagnostic Kind = "diagnostic"
	KindError      Kind = "error"
)

// Event is an immutable timestamped message.
type Event struct {
	ID      uuid.UUID `json:"id"`
	At      time.Time `json:"at"`
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.At.Format("15:04:05"), e.Message)
}

// DefaultHistory is the number of events retained when none is configured.
const DefaultHistory = 200

// Log fans events out to subscribers and keeps a bounded history.
type Log struct {
	mu      sync.Mutex
	now     func() time.Time
	history []Event
	limit   int
	subs    map[*Subscription]struct{}
}

// NewLog creates a log keeping the last limit events. now supplies event
// timestamps; nil means time.Now.
func NewLog(limit int, now func() time.Time) *Log {
	if limit <= 0 {
		limit = DefaultHistory
	}
	if now == nil {
		now = time.Now
	}
	return &Log{
		now:   now,
		limit: limit,
		subs:  make(map[*Subscription]struct{}),
	}
}

// Emit records msg and delivers it to every subscriber. It never blocks on
// slow subscribers.
func (l *Log) Emit(kind Kind, msg string) Event {
	e := Event{ID: uuid.New(), At: l.now(), Kind: kind, Message: msg}

	l.mu.Lock()
	l.history = append(l.history, e)
	if over := len(l.history) - l.limit; over > 0 {
		l.history = append(l.history[:0:0], l.history[over:]...)
	}
	subs := make([]*Subscription, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		s.push(e)
	}
	return e
}

// Emitf is Emit with fmt.Sprintf formatting.
func (l *Log) Emitf(kind Kind, format string, args ...any) Event {
	return l.Emit(kind, fmt.Sprintf(format, args...))
}

// History returns a copy of the retained events, oldest first.
func (l *Log) History() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.history...)
}

// Subscribe registers a new subscriber. Events emitted after Subscribe
// returns are delivered on C in order.
func (l *Log) Subscribe() *Subscription {
	s := &Subscription{
		log:  l,
		c:    make(chan Event),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	l.mu.Lock()
	l.subs[s] = struct{}{}
	l.mu.Unlock()

	go s.pump()
	return s
}

// Subscription is one consumer's ordered view of the stream. Undelivered
// events queue without bound until the consumer catches up or closes.
type Subscription struct {
	log *Log
	c   chan Event

	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Event {
	return s.c
}

// Close unregisters the subscriber and releases its goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.log.mu.Lock()
		delete(s.log.subs, s)
		s.log.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) push(e Event) {
	s.mu.Lock()
	s.pending = append(s.pending, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.c)
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		e := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.c <- e:
		case <-s.done:
			return
		}
	}
}
