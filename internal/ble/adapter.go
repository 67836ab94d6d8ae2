// Package ble implements the radio transport on top of the host Bluetooth
// stack, plus a simulated lock accessory for bench testing.
package ble

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"

	"github.com/ebarer/SmartLock/internal/transport"
)

// Options selects the adapter.
type Options struct {
	// Adapter is the BlueZ adapter name used for power and signal strength.
	Adapter string
}

type advert struct {
	addr bluetooth.Address
	rssi int
	seen time.Time
}

type peer struct {
	device *bluetooth.Device
}

// Transport drives a central-role adapter. It implements
// transport.Transport.
type Transport struct {
	adapter *bluetooth.Adapter
	radio   *Radio
	logger  zerolog.Logger

	mu         sync.Mutex
	observer   transport.Observer
	powered    bool
	scanning   bool
	adverts    map[transport.Identity]advert
	peers      map[transport.Identity]*peer
	connecting map[transport.Identity]bool
}

var _ transport.Transport = (*Transport)(nil)

// New enables the default adapter and starts watching its power state.
// Power tracking and connected signal strength need BlueZ; without it the
// radio is assumed on once enabled.
func New(opts Options) (*Transport, error) {
	t := &Transport{
		adapter:    bluetooth.DefaultAdapter,
		logger:     log.With().Str("component", "ble").Logger(),
		adverts:    make(map[transport.Identity]advert),
		peers:      make(map[transport.Identity]*peer),
		connecting: make(map[transport.Identity]bool),
	}

	t.logger.Info().Str("adapter", opts.Adapter).Msg("Initializing Bluetooth adapter")
	if err := t.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	t.adapter.SetConnectHandler(t.connectionChanged)

	t.powered = true
	radio, err := OpenRadio(opts.Adapter, t.powerChanged)
	if err != nil {
		t.logger.Warn().Err(err).Msg("BlueZ unavailable, power and link RSSI tracking disabled")
	} else {
		t.radio = radio
		t.powered = radio.Powered()
	}
	return t, nil
}

// Close stops the power watcher and drops every link.
func (t *Transport) Close() error {
	t.mu.Lock()
	peers := t.peers
	t.peers = make(map[transport.Identity]*peer)
	t.mu.Unlock()

	for id, p := range peers {
		if err := p.device.Disconnect(); err != nil {
			t.logger.Debug().Err(err).Str("device", string(id)).Msg("Disconnect on close failed")
		}
	}
	if t.radio != nil {
		return t.radio.Close()
	}
	return nil
}

func (t *Transport) SetObserver(o transport.Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observer = o
}

func (t *Transport) PoweredOn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.powered
}

func (t *Transport) powerChanged(on bool) {
	t.mu.Lock()
	if t.powered == on {
		t.mu.Unlock()
		return
	}
	t.powered = on
	if !on {
		t.scanning = false
		t.peers = make(map[transport.Identity]*peer)
		t.connecting = make(map[transport.Identity]bool)
	}
	o := t.observer
	t.mu.Unlock()

	t.logger.Info().Bool("powered", on).Msg("Adapter power changed")
	if o != nil {
		o.RadioPowerChanged(on)
	}
}

// connectionChanged reports links dropped by the stack. Connects are
// reported by the Connect call itself.
func (t *Transport) connectionChanged(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	id := transport.Identity(device.Address.String())

	t.mu.Lock()
	_, tracked := t.peers[id]
	delete(t.peers, id)
	o := t.observer
	t.mu.Unlock()

	if !tracked {
		return
	}
	t.logger.Info().Str("device", string(id)).Msg("Link dropped")
	if o != nil {
		o.Disconnected(id, nil)
	}
}

func (t *Transport) peer(id transport.Identity) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.powered {
		return nil, transport.ErrPoweredOff
	}
	p, ok := t.peers[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, transport.ErrUnknownDevice)
	}
	return p, nil
}
