package ble

import (
	"fmt"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/ebarer/SmartLock/internal/transport"
)

func (t *Transport) StartScan(service string) error {
	uuid, err := bluetooth.ParseUUID(service)
	if err != nil {
		return fmt.Errorf("parse service uuid: %w", err)
	}

	t.mu.Lock()
	if !t.powered {
		t.mu.Unlock()
		return transport.ErrPoweredOff
	}
	if t.scanning {
		t.mu.Unlock()
		return nil
	}
	t.scanning = true
	t.mu.Unlock()

	t.logger.Info().Str("service", service).Msg("Scanning")
	go func() {
		err := t.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(uuid) {
				return
			}
			t.found(result)
		})
		t.mu.Lock()
		t.scanning = false
		t.mu.Unlock()
		if err != nil {
			t.logger.Warn().Err(err).Msg("Scan ended with error")
		}
	}()
	return nil
}

func (t *Transport) found(result bluetooth.ScanResult) {
	id := transport.Identity(result.Address.String())
	rssi := int(result.RSSI)

	t.mu.Lock()
	t.adverts[id] = advert{addr: result.Address, rssi: rssi, seen: time.Now()}
	o := t.observer
	t.mu.Unlock()

	t.logger.Debug().Str("device", string(id)).Str("name", result.LocalName()).Int("rssi", rssi).Msg("Advertisement")
	if o != nil {
		o.DeviceFound(id, rssi)
	}
}

func (t *Transport) StopScan() error {
	t.mu.Lock()
	scanning := t.scanning
	t.mu.Unlock()
	if !scanning {
		return nil
	}
	return t.adapter.StopScan()
}

// Resolve succeeds for any accessory seen advertising since startup.
func (t *Transport) Resolve(id transport.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.powered {
		return transport.ErrPoweredOff
	}
	if _, ok := t.adverts[id]; !ok {
		return transport.ErrUnknownDevice
	}
	return nil
}

// Connect dials id on its own goroutine. The stack cannot abort a dial, so
// CancelConnect only marks it; a dial that completes after cancellation is
// torn down and reported to neither callback.
func (t *Transport) Connect(id transport.Identity, onConnected func(), onFailed func(error)) error {
	t.mu.Lock()
	if !t.powered {
		t.mu.Unlock()
		return transport.ErrPoweredOff
	}
	ad, ok := t.adverts[id]
	if !ok {
		t.mu.Unlock()
		return transport.ErrUnknownDevice
	}
	t.connecting[id] = true
	t.mu.Unlock()

	go func() {
		device, err := t.adapter.Connect(ad.addr, bluetooth.ConnectionParams{})

		t.mu.Lock()
		wanted := t.connecting[id]
		delete(t.connecting, id)
		if err == nil && wanted {
			t.peers[id] = &peer{device: &device}
		}
		t.mu.Unlock()

		switch {
		case !wanted:
			t.logger.Debug().Str("device", string(id)).Msg("Connect completed after cancel")
			if err == nil {
				if derr := device.Disconnect(); derr != nil {
					t.logger.Debug().Err(derr).Msg("Disconnect of cancelled link failed")
				}
			}
		case err != nil:
			onFailed(err)
		default:
			t.logger.Info().Str("device", string(id)).Msg("Connected")
			onConnected()
		}
	}()
	return nil
}

func (t *Transport) CancelConnect(id transport.Identity) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.connecting, id)
	return nil
}

func (t *Transport) Disconnect(id transport.Identity) error {
	t.mu.Lock()
	p, ok := t.peers[id]
	delete(t.peers, id)
	delete(t.connecting, id)
	t.mu.Unlock()

	if !ok {
		return nil
	}
	t.logger.Info().Str("device", string(id)).Msg("Disconnecting")
	return p.device.Disconnect()
}
