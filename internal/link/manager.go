// Package link owns the connection lifecycle with the lock accessory:
// discovery, a bounded connect attempt, channel discovery and the ready
// link used to send commands and sample signal strength.
package link

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/runloop"
	"github.com/ebarer/SmartLock/internal/transport"
)

var (
	ErrNotConnected     = errors.New("link: not connected")
	ErrConnectTimeout   = errors.New("link: connect timed out")
	ErrRadioUnavailable = errors.New("link: radio unavailable")
)

// UART service exposed by the lock accessory.
const (
	ServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	WriteUUID   = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	NotifyUUID  = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

const DefaultConnectTimeout = 30 * time.Second

// Config tunes the manager.
type Config struct {
	Channels       transport.ChannelSpec
	ConnectTimeout time.Duration
	// ReconnectDelay schedules a new discovery cycle after the link is lost
	// or an attempt fails. Zero disables it.
	ReconnectDelay time.Duration
	// AutoDiscover starts discovery whenever the radio powers on.
	AutoDiscover bool
	// SyncOnReady reads the inbound channel once the link is ready.
	SyncOnReady bool
}

func (c Config) withDefaults() Config {
	if c.Channels.Service == "" {
		c.Channels = transport.ChannelSpec{Service: ServiceUUID, Write: WriteUUID, Notify: NotifyUUID}
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// SignalSample is one received-signal-strength reading.
type SignalSample struct {
	At  time.Time `json:"at"`
	DBm int       `json:"dbm"`
}

// Manager drives the connection state machine. Apart from the Observer
// methods, every method must be called on the scheduler.
type Manager struct {
	sched  runloop.Scheduler
	tr     transport.Transport
	events *activity.Log
	cfg    Config
	logger zerolog.Logger

	state    State
	identity transport.Identity
	device   transport.Identity
	channels *transport.Channels
	scanning bool
	attempt  uint64

	connectTimer   runloop.Timer
	reconnectTimer runloop.Timer

	stateListeners []func(from, to State)
	sinks          []func([]byte)
}

// New creates a manager in the Idle state and registers it as the
// transport's observer.
func New(sched runloop.Scheduler, tr transport.Transport, events *activity.Log, cfg Config) *Manager {
	m := &Manager{
		sched:  sched,
		tr:     tr,
		events: events,
		cfg:    cfg.withDefaults(),
		logger: log.With().Str("component", "link").Logger(),
		state:  Idle,
	}
	tr.SetObserver(m)
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	return m.state
}

// Identity returns the remembered accessory, if any.
func (m *Manager) Identity() (transport.Identity, bool) {
	return m.identity, m.identity != ""
}

// OnStateChange registers fn to run after every transition.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.stateListeners = append(m.stateListeners, fn)
}

// OnNotification registers fn to receive inbound payloads of the ready link.
func (m *Manager) OnNotification(fn func([]byte)) {
	m.sinks = append(m.sinks, fn)
}

// Start kicks off discovery when configured to do so.
func (m *Manager) Start() {
	if m.cfg.AutoDiscover {
		m.StartDiscovery()
	}
}

// StartDiscovery reconnects to the remembered accessory or scans for a new
// one. It is a no-op while the radio is off or an attempt is in progress.
func (m *Manager) StartDiscovery() {
	m.cancelReconnect()

	if !m.tr.PoweredOn() {
		m.logger.Debug().Err(ErrRadioUnavailable).Msg("Discovery skipped")
		return
	}
	if m.state != Idle && m.state != Disconnected {
		m.logger.Debug().Stringer("state", m.state).Msg("Discovery already in progress")
		return
	}

	m.setState(Scanning)

	if m.identity != "" {
		err := m.tr.Resolve(m.identity)
		if err == nil {
			m.events.Emitf(activity.KindInfo, "Reconnecting to %s", m.identity)
			m.beginConnect(m.identity)
			return
		}
		m.logger.Debug().Err(err).Str("device", string(m.identity)).Msg("Direct reconnect unavailable, scanning")
	}

	if err := m.tr.StartScan(m.cfg.Channels.Service); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to start scan")
		m.events.Emitf(activity.KindError, "Scan failed: %v", err)
		m.setState(Disconnected)
		m.scheduleReconnect()
		return
	}
	m.scanning = true
	m.events.Emit(activity.KindState, "Scanning...")
}

// Disconnect tears down whatever attempt or link is in progress. Repeated
// calls are harmless.
func (m *Manager) Disconnect() {
	m.cancelReconnect()

	switch m.state {
	case Scanning:
		m.stopScan()
		m.release()
		m.setState(Disconnected)
		m.events.Emit(activity.KindState, "Scan cancelled")
	case Connecting:
		if err := m.tr.CancelConnect(m.device); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to cancel connect")
		}
		m.release()
		m.setState(Disconnected)
		m.events.Emit(activity.KindState, "Disconnected")
	case Discovering, Ready:
		if err := m.tr.Disconnect(m.device); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to disconnect")
		}
		m.release()
		m.setState(Disconnected)
		m.events.Emit(activity.KindState, "Disconnected")
	}
}

// SendCommand writes a single command byte. Delivery is not acknowledged at
// this layer.
func (m *Manager) SendCommand(b byte) error {
	if m.state != Ready || m.channels == nil {
		return ErrNotConnected
	}
	if err := m.tr.Write(m.channels.Write, []byte{b}); err != nil {
		return fmt.Errorf("write command %q: %w", b, err)
	}
	return nil
}

// SampleSignal reads the signal strength of the ready link.
func (m *Manager) SampleSignal() (SignalSample, error) {
	if m.state != Ready {
		return SignalSample{}, ErrNotConnected
	}
	rssi, err := m.tr.ReadSignalStrength(m.device)
	if err != nil {
		return SignalSample{}, fmt.Errorf("read signal strength: %w", err)
	}
	return SignalSample{At: m.sched.Now(), DBm: rssi}, nil
}

// DeviceFound implements transport.Observer.
func (m *Manager) DeviceFound(id transport.Identity, rssi int) {
	m.sched.Post(func() { m.deviceFound(id, rssi) })
}

// Disconnected implements transport.Observer.
func (m *Manager) Disconnected(id transport.Identity, err error) {
	m.sched.Post(func() { m.linkLost(id, err) })
}

// RadioPowerChanged implements transport.Observer.
func (m *Manager) RadioPowerChanged(on bool) {
	m.sched.Post(func() { m.powerChanged(on) })
}

func (m *Manager) deviceFound(id transport.Identity, rssi int) {
	if m.state != Scanning {
		m.logger.Debug().Str("device", string(id)).Stringer("state", m.state).Msg("Ignoring discovery result")
		return
	}
	m.logger.Info().Str("device", string(id)).Int("rssi", rssi).Msg("Accessory discovered")
	m.events.Emitf(activity.KindInfo, "Discovered %s (%d dBm)", id, rssi)
	m.beginConnect(id)
}

func (m *Manager) beginConnect(id transport.Identity) {
	m.stopScan()

	m.identity = id
	m.device = id
	m.attempt++
	attempt := m.attempt

	m.setState(Connecting)
	m.connectTimer = m.sched.AfterFunc(m.cfg.ConnectTimeout, func() {
		m.connectTimedOut(attempt)
	})

	err := m.tr.Connect(id,
		func() { m.sched.Post(func() { m.connected(attempt, id) }) },
		func(err error) { m.sched.Post(func() { m.connectFailed(attempt, id, err) }) },
	)
	if err != nil {
		m.connectFailed(attempt, id, err)
	}
}

// current reports whether a callback belongs to the tracked attempt.
func (m *Manager) current(attempt uint64, id transport.Identity) bool {
	return attempt == m.attempt && id == m.device
}

func (m *Manager) connected(attempt uint64, id transport.Identity) {
	if !m.current(attempt, id) || m.state != Connecting {
		m.logger.Debug().Str("device", string(id)).Uint64("attempt", attempt).Msg("Ignoring stale connect")
		return
	}
	m.stopConnectTimer()
	m.setState(Discovering)
	m.events.Emit(activity.KindState, "Connected")

	err := m.tr.DiscoverChannels(id, m.cfg.Channels, func(ch transport.Channels, err error) {
		m.sched.Post(func() { m.channelsDiscovered(attempt, id, ch, err) })
	})
	if err != nil {
		m.channelsDiscovered(attempt, id, transport.Channels{}, err)
	}
}

func (m *Manager) connectFailed(attempt uint64, id transport.Identity, err error) {
	if !m.current(attempt, id) || m.state != Connecting {
		m.logger.Debug().Err(err).Str("device", string(id)).Msg("Ignoring stale connect failure")
		return
	}
	m.logger.Warn().Err(err).Str("device", string(id)).Msg("Connect failed")
	m.events.Emitf(activity.KindError, "Connection failed: %v", err)
	m.fail()
}

func (m *Manager) connectTimedOut(attempt uint64) {
	if attempt != m.attempt || m.state != Connecting {
		return
	}
	m.connectTimer = nil
	m.logger.Warn().Err(ErrConnectTimeout).Str("device", string(m.device)).Dur("timeout", m.cfg.ConnectTimeout).Msg("Connect attempt abandoned")
	if err := m.tr.CancelConnect(m.device); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to cancel connect")
	}
	m.events.Emit(activity.KindError, "Connection timed out")
	m.fail()
}

func (m *Manager) channelsDiscovered(attempt uint64, id transport.Identity, ch transport.Channels, err error) {
	if !m.current(attempt, id) || m.state != Discovering {
		m.logger.Debug().Str("device", string(id)).Msg("Ignoring stale channel discovery")
		return
	}

	if err == nil {
		err = m.tr.Subscribe(ch.Notify, func(payload []byte) {
			p := append([]byte(nil), payload...)
			m.sched.Post(func() { m.dispatch(attempt, p) })
		})
	}
	if err != nil {
		m.logger.Error().Err(err).Str("device", string(id)).Msg("Channel setup failed")
		m.events.Emitf(activity.KindError, "Channel discovery failed: %v", err)
		if derr := m.tr.Disconnect(id); derr != nil {
			m.logger.Warn().Err(derr).Msg("Failed to disconnect")
		}
		m.fail()
		return
	}

	m.channels = &ch
	m.setState(Ready)
	m.events.Emit(activity.KindState, "Ready")

	if m.cfg.SyncOnReady {
		if err := m.readState(attempt, ch.Notify); err != nil {
			m.logger.Debug().Err(err).Msg("Initial read not issued")
		}
	}
}

// SyncState reads the inbound channel of the ready link. The reply is
// dispatched like a notification, so a lost notification is recovered.
func (m *Manager) SyncState() error {
	if m.state != Ready || m.channels == nil {
		return ErrNotConnected
	}
	return m.readState(m.attempt, m.channels.Notify)
}

func (m *Manager) readState(attempt uint64, ch transport.Channel) error {
	err := m.tr.Read(ch, func(payload []byte, err error) {
		if err != nil {
			m.logger.Debug().Err(err).Msg("State read failed")
			return
		}
		p := append([]byte(nil), payload...)
		m.sched.Post(func() { m.dispatch(attempt, p) })
	})
	if err != nil {
		return fmt.Errorf("read state: %w", err)
	}
	return nil
}

func (m *Manager) dispatch(attempt uint64, payload []byte) {
	if attempt != m.attempt || m.state != Ready {
		m.logger.Debug().Bytes("payload", payload).Msg("Dropping notification from stale link")
		return
	}
	for _, fn := range m.sinks {
		fn(payload)
	}
}

func (m *Manager) linkLost(id transport.Identity, err error) {
	if id != m.device {
		m.logger.Debug().Str("device", string(id)).Msg("Ignoring disconnect of untracked device")
		return
	}
	switch m.state {
	case Connecting, Discovering, Ready:
	default:
		return
	}
	m.logger.Info().Err(err).Str("device", string(id)).Msg("Link lost")
	m.events.Emit(activity.KindState, "Disconnected")
	m.fail()
}

func (m *Manager) powerChanged(on bool) {
	if !on {
		m.logger.Warn().Msg("Radio powered off")
		m.events.Emit(activity.KindState, "Bluetooth Off")
		m.cancelReconnect()
		m.stopScan()
		switch dev := m.device; m.state {
		case Connecting:
			if err := m.tr.CancelConnect(dev); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to cancel connect")
			}
		case Discovering, Ready:
			if err := m.tr.Disconnect(dev); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to disconnect")
			}
		}
		m.release()
		m.setState(Idle)
		return
	}

	m.logger.Info().Msg("Radio powered on")
	m.events.Emit(activity.KindState, "Bluetooth On")
	if m.cfg.AutoDiscover {
		m.StartDiscovery()
	}
}

// fail moves a failed attempt or lost link to Disconnected and arranges a
// retry.
func (m *Manager) fail() {
	m.release()
	m.setState(Disconnected)
	m.scheduleReconnect()
}

// release forgets the per-connection handles. The identity is kept so the
// next discovery prefers it.
func (m *Manager) release() {
	m.stopConnectTimer()
	m.channels = nil
	m.device = ""
	m.attempt++
}

func (m *Manager) stopScan() {
	if !m.scanning {
		return
	}
	m.scanning = false
	if err := m.tr.StopScan(); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to stop scan")
	}
}

func (m *Manager) stopConnectTimer() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
}

func (m *Manager) scheduleReconnect() {
	if m.cfg.ReconnectDelay <= 0 || !m.tr.PoweredOn() {
		return
	}
	m.cancelReconnect()
	m.reconnectTimer = m.sched.AfterFunc(m.cfg.ReconnectDelay, func() {
		m.reconnectTimer = nil
		m.StartDiscovery()
	})
}

func (m *Manager) cancelReconnect() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) setState(next State) {
	prev := m.state
	if next == prev {
		return
	}
	if !CanTransition(prev, next) {
		m.logger.Error().Stringer("from", prev).Stringer("to", next).Msg("Refusing illegal transition")
		return
	}
	m.state = next
	m.logger.Info().Stringer("from", prev).Stringer("to", next).Msg("Connection state changed")
	for _, fn := range m.stateListeners {
		fn(prev, next)
	}
}
