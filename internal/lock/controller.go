// Package lock tracks the accessory's lock state and issues lock and unlock
// commands over the link.
package lock

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/link"
)

// ErrMalformedReply describes a notification outside the reply alphabet.
var ErrMalformedReply = errors.New("lock: malformed reply")

// Command and reply alphabet shared with the accessory.
const (
	CmdLock   byte = 'L'
	CmdUnlock byte = 'U'
)

// State is the logical lock state.
type State int

const (
	Locked State = iota
	Locking
	Unlocked
	Unlocking
	Unknown
)

func (s State) String() string {
	switch s {
	case Locked:
		return "locked"
	case Locking:
		return "locking"
	case Unlocked:
		return "unlocked"
	case Unlocking:
		return "unlocking"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Pending reports whether s is waiting for the accessory to confirm.
func (s State) Pending() bool {
	return s == Locking || s == Unlocking
}

// Link is the part of the connection manager the controller needs.
type Link interface {
	State() link.State
	SendCommand(b byte) error
}

// LatencyRecorder receives the time between issuing a command and its
// confirming notification.
type LatencyRecorder interface {
	RecordConfirmation(d time.Duration)
}

// Controller owns the lock state. All methods must run on the scheduler
// that owns the link.
type Controller struct {
	link    Link
	events  *activity.Log
	now     func() time.Time
	latency LatencyRecorder
	logger  zerolog.Logger

	state     State
	confirmed State
	issuedAt  time.Time
	listeners []func(from, to State)
}

// NewController starts in the Locked fail-safe state.
func NewController(l Link, events *activity.Log, now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{
		link:      l,
		events:    events,
		now:       now,
		logger:    log.With().Str("component", "lock").Logger(),
		state:     Locked,
		confirmed: Locked,
	}
}

// SetLatencyRecorder attaches r to receive confirmation latencies.
func (c *Controller) SetLatencyRecorder(r LatencyRecorder) {
	c.latency = r
}

// State returns the current, possibly pending, lock state.
func (c *Controller) State() State {
	return c.state
}

// OnStateChange registers fn to run after every change.
func (c *Controller) OnStateChange(fn func(from, to State)) {
	c.listeners = append(c.listeners, fn)
}

// Lock sends the lock command when the link is ready and the door is
// confirmed unlocked. Otherwise it does nothing.
func (c *Controller) Lock() {
	c.issue(Unlocked, Locking, CmdLock, "Locking...")
}

// Unlock is the mirror of Lock.
func (c *Controller) Unlock() {
	c.issue(Locked, Unlocking, CmdUnlock, "Unlocking...")
}

// Toggle unlocks a locked door and locks an unlocked one.
func (c *Controller) Toggle() {
	switch c.state {
	case Locked:
		c.Unlock()
	case Unlocked:
		c.Lock()
	}
}

func (c *Controller) issue(from, pending State, cmd byte, msg string) {
	if c.link.State() != link.Ready || c.state != from {
		c.logger.Debug().Stringer("state", c.state).Stringer("link", c.link.State()).Str("command", string(cmd)).Msg("Command not eligible")
		return
	}

	c.set(pending)
	c.issuedAt = c.now()
	c.events.Emit(activity.KindState, msg)

	if err := c.link.SendCommand(cmd); err != nil {
		c.logger.Warn().Err(err).Str("command", string(cmd)).Msg("Command failed")
		c.set(c.confirmed)
		c.events.Emitf(activity.KindError, "Command failed: %v", err)
	}
}

// HandleNotification interprets a reply from the accessory.
func (c *Controller) HandleNotification(payload []byte) {
	switch string(payload) {
	case string(CmdLock):
		c.confirm(Locked, "Locked")
	case string(CmdUnlock):
		c.confirm(Unlocked, "Unlocked")
	default:
		c.logger.Warn().Err(ErrMalformedReply).Hex("payload", payload).Msg("Bad reply")
		c.set(Unknown)
		c.confirmed = Unknown
		c.events.Emitf(activity.KindDiagnostic, "Bad Data: %q", payload)
	}
}

func (c *Controller) confirm(s State, msg string) {
	if c.state == s && c.confirmed == s {
		return
	}
	if c.state.Pending() && c.latency != nil {
		c.latency.RecordConfirmation(c.now().Sub(c.issuedAt))
	}
	c.confirmed = s
	c.set(s)
	c.events.Emit(activity.KindState, msg)
}

// LinkLost rolls back an unconfirmed command when the link goes away.
func (c *Controller) LinkLost() {
	if !c.state.Pending() {
		return
	}
	c.logger.Info().Stringer("pending", c.state).Stringer("restored", c.confirmed).Msg("Link lost with command pending")
	c.set(c.confirmed)
	c.events.Emitf(activity.KindDiagnostic, "Command unconfirmed, still %s", c.confirmed)
}

// Reset returns to the Locked fail-safe state.
func (c *Controller) Reset() {
	c.confirmed = Locked
	c.set(Locked)
}

func (c *Controller) set(s State) {
	prev := c.state
	if prev == s {
		return
	}
	c.state = s
	c.logger.Info().Stringer("from", prev).Stringer("to", s).Msg("Lock state changed")
	for _, fn := range c.listeners {
		fn(prev, s)
	}
}
