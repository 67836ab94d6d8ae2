// Package proximity locks and unlocks the door from the smoothed signal
// strength of the link as the carrier approaches or leaves.
package proximity

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/link"
	"github.com/ebarer/SmartLock/internal/lock"
	"github.com/ebarer/SmartLock/internal/runloop"
)

const DefaultInterval = 500 * time.Millisecond

// Sampler reads signal strength from the link.
type Sampler interface {
	State() link.State
	SampleSignal() (link.SignalSample, error)
}

// StatePoller re-reads the accessory's reported state. Replies arrive
// asynchronously through the notification path.
type StatePoller interface {
	SyncState() error
}

// Actuator is the lock controller as seen by the engine.
type Actuator interface {
	State() lock.State
	Lock()
	Unlock()
}

// SampleRecorder receives every sample taken.
type SampleRecorder interface {
	RecordSample(s link.SignalSample)
}

// Config tunes the engine.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	// RequireFullWindow withholds decisions until the window holds
	// WindowSize samples taken since the last Enable.
	RequireFullWindow bool
	// LogSamples emits an activity event for every sample.
	LogSamples bool
	// PollState re-reads the lock state every tick when the sampler is a
	// StatePoller, so a lost confirmation does not leave a command pending.
	PollState bool
}

// Status is a point-in-time view for snapshots.
type Status struct {
	Enabled    bool               `json:"enabled"`
	Thresholds Thresholds         `json:"thresholds"`
	Last       *link.SignalSample `json:"last,omitempty"`
	Average    int                `json:"average"`
	Fill       int                `json:"fill"`
	Samples    []int              `json:"samples"`
}

// Engine samples on a fixed tick and drives the actuator. Every method must
// run on the scheduler.
type Engine struct {
	sched    runloop.Scheduler
	sampler  Sampler
	actuator Actuator
	events   *activity.Log
	recorder SampleRecorder
	poller   StatePoller
	cfg      Config
	logger   zerolog.Logger

	ticker runloop.Timer
	window Window
	last   *link.SignalSample
}

// New returns a disabled engine. Zero config fields take defaults.
func New(sched runloop.Scheduler, s Sampler, a Actuator, events *activity.Log, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	e := &Engine{
		sched:    sched,
		sampler:  s,
		actuator: a,
		events:   events,
		cfg:      cfg,
		logger:   log.With().Str("component", "proximity").Logger(),
	}
	if p, ok := s.(StatePoller); ok && cfg.PollState {
		e.poller = p
	}
	return e
}

// SetRecorder attaches r to receive every sample.
func (e *Engine) SetRecorder(r SampleRecorder) {
	e.recorder = r
}

// Enabled reports whether the tick is running.
func (e *Engine) Enabled() bool {
	return e.ticker != nil
}

// Enable starts ticking with a zeroed window.
func (e *Engine) Enable() {
	if e.ticker != nil {
		return
	}
	e.window.Reset()
	e.last = nil
	e.ticker = e.sched.Every(e.cfg.Interval, e.tick)
	e.logger.Info().Dur("interval", e.cfg.Interval).Msg("Proximity enabled")
	e.events.Emit(activity.KindInfo, "Proximity mode on")
}

// Disable stops ticking. No tick runs after Disable returns.
func (e *Engine) Disable() {
	if e.ticker == nil {
		return
	}
	e.ticker.Stop()
	e.ticker = nil
	e.logger.Info().Msg("Proximity disabled")
	e.events.Emit(activity.KindInfo, "Proximity mode off")
}

// Thresholds returns the active band.
func (e *Engine) Thresholds() Thresholds {
	return e.cfg.Thresholds
}

// SetThresholds replaces the band. The next tick uses it.
func (e *Engine) SetThresholds(t Thresholds) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.cfg.Thresholds = t
	e.logger.Info().Int("lock", t.Lock).Int("unlock", t.Unlock).Msg("Thresholds changed")
	return nil
}

// SetLockThreshold changes only the lock threshold.
func (e *Engine) SetLockThreshold(v int) error {
	t := e.cfg.Thresholds
	t.Lock = v
	return e.SetThresholds(t)
}

// SetUnlockThreshold changes only the unlock threshold.
func (e *Engine) SetUnlockThreshold(v int) error {
	t := e.cfg.Thresholds
	t.Unlock = v
	return e.SetThresholds(t)
}

// Status reports the engine's current view.
func (e *Engine) Status() Status {
	s := Status{
		Enabled:    e.Enabled(),
		Thresholds: e.cfg.Thresholds,
		Average:    e.window.Average(),
		Fill:       e.window.Fill(),
		Samples:    e.window.Samples(),
	}
	if e.last != nil {
		last := *e.last
		s.Last = &last
	}
	return s
}

func (e *Engine) tick() {
	if e.sampler.State() != link.Ready {
		return
	}
	// Polled after any command write so the reply reflects it.
	defer e.poll()

	sample, err := e.sampler.SampleSignal()
	if err != nil {
		e.logger.Debug().Err(err).Msg("Signal sample unavailable")
		return
	}
	e.last = &sample
	e.window.Push(sample.DBm)
	if e.recorder != nil {
		e.recorder.RecordSample(sample)
	}

	avg := e.window.Average()
	if e.cfg.LogSamples {
		e.events.Emitf(activity.KindDiagnostic, "RSSI: %d dBm [now], %d dBm [avg]", sample.DBm, avg)
	}
	if e.cfg.RequireFullWindow && !e.window.Full() {
		return
	}

	action := Decide(avg, e.actuator.State(), e.cfg.Thresholds)
	if action == None {
		return
	}
	e.logger.Info().Int("rssi", sample.DBm).Int("average", avg).Stringer("action", action).Msg("Proximity decision")
	switch action {
	case DoUnlock:
		e.actuator.Unlock()
	case DoLock:
		e.actuator.Lock()
	}
}

func (e *Engine) poll() {
	if e.poller == nil {
		return
	}
	if err := e.poller.SyncState(); err != nil {
		e.logger.Debug().Err(err).Msg("State poll not issued")
	}
}
