// Package app wires the connection manager, lock controller and proximity
// engine onto one loop and exposes them to the outer surfaces.
package app

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/diagnostics"
	"github.com/ebarer/SmartLock/internal/link"
	"github.com/ebarer/SmartLock/internal/lock"
	"github.com/ebarer/SmartLock/internal/proximity"
	"github.com/ebarer/SmartLock/internal/runloop"
	"github.com/ebarer/SmartLock/internal/transport"
)

// Config assembles the component configs.
type Config struct {
	Link             link.Config
	Proximity        proximity.Config
	ProximityEnabled bool
	LockOnDisconnect bool
}

// Controller is safe for concurrent use. Every command is marshalled onto
// the scheduler and waits for it to run.
type Controller struct {
	sched  runloop.Scheduler
	tr     transport.Transport
	events *activity.Log
	cfg    Config
	logger zerolog.Logger

	link  *link.Manager
	lock  *lock.Controller
	prox  *proximity.Engine
	diag  *diagnostics.Recorder
	snaps snapshotStore
}

// New builds the components. Nothing runs until Start.
func New(sched runloop.Scheduler, tr transport.Transport, events *activity.Log, cfg Config) *Controller {
	c := &Controller{
		sched:  sched,
		tr:     tr,
		events: events,
		cfg:    cfg,
		logger: log.With().Str("component", "app").Logger(),
		diag:   diagnostics.NewRecorder(diagnostics.DefaultDepth),
	}

	c.link = link.New(sched, tr, events, cfg.Link)
	c.lock = lock.NewController(c.link, events, sched.Now)
	c.prox = proximity.New(sched, c.link, c.lock, events, cfg.Proximity)

	c.lock.SetLatencyRecorder(c.diag)
	c.prox.SetRecorder(c.diag)

	c.link.OnNotification(func(payload []byte) {
		c.diag.RecordNotification(sched.Now())
		c.lock.HandleNotification(payload)
	})
	c.link.OnStateChange(func(from, to link.State) {
		if from == link.Ready {
			c.lock.LinkLost()
		}
		if to == link.Connecting {
			c.diag.Reset()
		}
		c.publish()
	})
	c.lock.OnStateChange(func(_, _ lock.State) { c.publish() })

	c.snaps.current = Snapshot{
		Connection: link.Idle,
		Lock:       lock.Locked,
		Proximity:  c.prox.Status(),
		UpdatedAt:  sched.Now(),
	}
	return c
}

// Start begins discovery and, when configured, proximity mode.
func (c *Controller) Start(ctx context.Context) error {
	return runloop.Do(ctx, c.sched, func() error {
		c.link.Start()
		if c.cfg.ProximityEnabled {
			c.prox.Enable()
		}
		c.publish()
		return nil
	})
}

// Lock sends the lock command if the accessory is ready and unlocked.
func (c *Controller) Lock(ctx context.Context) error {
	return c.do(ctx, c.lock.Lock)
}

// Unlock sends the unlock command if the accessory is ready and locked.
func (c *Controller) Unlock(ctx context.Context) error {
	return c.do(ctx, c.lock.Unlock)
}

// Toggle flips a confirmed lock state.
func (c *Controller) Toggle(ctx context.Context) error {
	return c.do(ctx, c.lock.Toggle)
}

// StartDiscovery reconnects to the remembered accessory or scans.
func (c *Controller) StartDiscovery(ctx context.Context) error {
	return c.do(ctx, c.link.StartDiscovery)
}

// Disconnect drops the link. With LockOnDisconnect an unlocked door is sent
// the lock command first.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.do(ctx, c.disconnect)
}

func (c *Controller) disconnect() {
	if c.cfg.LockOnDisconnect {
		c.lock.Lock()
	}
	c.link.Disconnect()
}

// EnableProximity starts proximity mode with an empty window.
func (c *Controller) EnableProximity(ctx context.Context) error {
	return c.do(ctx, func() {
		c.prox.Enable()
		c.publish()
	})
}

// DisableProximity stops proximity mode before the next tick.
func (c *Controller) DisableProximity(ctx context.Context) error {
	return c.do(ctx, func() {
		c.prox.Disable()
		c.publish()
	})
}

// SetLockThreshold changes the lock threshold in dBm.
func (c *Controller) SetLockThreshold(ctx context.Context, v int) error {
	return c.setThreshold(ctx, func() error { return c.prox.SetLockThreshold(v) })
}

// SetUnlockThreshold changes the unlock threshold in dBm.
func (c *Controller) SetUnlockThreshold(ctx context.Context, v int) error {
	return c.setThreshold(ctx, func() error { return c.prox.SetUnlockThreshold(v) })
}

// SetThresholds replaces both thresholds at once.
func (c *Controller) SetThresholds(ctx context.Context, t proximity.Thresholds) error {
	return c.setThreshold(ctx, func() error { return c.prox.SetThresholds(t) })
}

func (c *Controller) setThreshold(ctx context.Context, fn func() error) error {
	return runloop.Do(ctx, c.sched, func() error {
		if err := fn(); err != nil {
			return err
		}
		t := c.prox.Thresholds()
		c.events.Emitf(activity.KindInfo, "Thresholds: lock %d dBm, unlock %d dBm", t.Lock, t.Unlock)
		c.publish()
		return nil
	})
}

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot {
	return c.snaps.get()
}

// OnSnapshot registers fn to receive every published snapshot. fn runs on
// the loop and must not block.
func (c *Controller) OnSnapshot(fn func(Snapshot)) {
	c.snaps.subscribe(fn)
}

// Activity returns the retained activity history, oldest first.
func (c *Controller) Activity() []activity.Event {
	return c.events.History()
}

// SubscribeActivity streams future activity events.
func (c *Controller) SubscribeActivity() *activity.Subscription {
	return c.events.Subscribe()
}

// Diagnostics reports link statistics for the current accessory.
func (c *Controller) Diagnostics() diagnostics.Report {
	return c.diag.Report(c.snaps.get().Identity)
}

// Close stops proximity mode, drops the link and returns the lock state to
// the Locked fail-safe.
func (c *Controller) Close(ctx context.Context) error {
	return c.do(ctx, func() {
		c.prox.Disable()
		c.link.Disconnect()
		c.lock.Reset()
		c.publish()
		c.logger.Info().Msg("Controller closed")
	})
}

func (c *Controller) do(ctx context.Context, fn func()) error {
	return runloop.Do(ctx, c.sched, func() error {
		fn()
		return nil
	})
}

// publish must run on the loop.
func (c *Controller) publish() {
	id, _ := c.link.Identity()
	conn := c.link.State()
	ls := c.lock.State()
	c.snaps.set(Snapshot{
		Connection: conn,
		Lock:       ls,
		Identity:   string(id),
		RadioOn:    c.tr.PoweredOn(),
		CanCommand: conn == link.Ready && (ls == lock.Locked || ls == lock.Unlocked),
		Proximity:  c.prox.Status(),
		UpdatedAt:  c.sched.Now(),
	})
}
