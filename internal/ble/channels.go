package ble

import (
	"fmt"
	"strings"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/ebarer/SmartLock/internal/transport"
)

// advertMaxAge bounds how stale an advertised RSSI may be when BlueZ cannot
// report the connected signal strength.
const advertMaxAge = 5 * time.Second

// readBufferSize covers the default ATT payload.
const readBufferSize = 20

func (t *Transport) DiscoverChannels(id transport.Identity, spec transport.ChannelSpec, done func(transport.Channels, error)) error {
	uuids := make([]bluetooth.UUID, 0, 3)
	for _, s := range []string{spec.Service, spec.Write, spec.Notify} {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return fmt.Errorf("parse uuid %q: %w", s, err)
		}
		uuids = append(uuids, u)
	}
	p, err := t.peer(id)
	if err != nil {
		return err
	}

	go func() {
		chs, err := t.discover(id, p, uuids[0], uuids[1:])
		done(chs, err)
	}()
	return nil
}

func (t *Transport) discover(id transport.Identity, p *peer, service bluetooth.UUID, chars []bluetooth.UUID) (transport.Channels, error) {
	srvs, err := p.device.DiscoverServices([]bluetooth.UUID{service})
	if err != nil {
		return transport.Channels{}, fmt.Errorf("discover services: %w", err)
	}
	if len(srvs) == 0 {
		return transport.Channels{}, fmt.Errorf("service %s: %w", service, transport.ErrChannelMissing)
	}

	found, err := srvs[0].DiscoverCharacteristics(chars)
	if err != nil {
		return transport.Channels{}, fmt.Errorf("discover characteristics: %w", err)
	}

	var out transport.Channels
	var haveWrite, haveNotify bool
	for _, c := range found {
		uuid := c.UUID()
		ch := transport.Channel{Device: id, UUID: strings.ToUpper(uuid.String()), Ref: c}
		switch uuid {
		case chars[0]:
			out.Write, haveWrite = ch, true
		case chars[1]:
			out.Notify, haveNotify = ch, true
		}
	}
	if !haveWrite || !haveNotify {
		return transport.Channels{}, transport.ErrChannelMissing
	}

	t.logger.Info().Str("device", string(id)).Int("characteristics", len(found)).Msg("Channels discovered")
	return out, nil
}

func characteristic(ch transport.Channel) (bluetooth.DeviceCharacteristic, error) {
	c, ok := ch.Ref.(bluetooth.DeviceCharacteristic)
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("channel %s: %w", ch.UUID, transport.ErrChannelMissing)
	}
	return c, nil
}

func (t *Transport) Subscribe(ch transport.Channel, onNotification func([]byte)) error {
	c, err := characteristic(ch)
	if err != nil {
		return err
	}
	return c.EnableNotifications(func(buf []byte) {
		onNotification(append([]byte(nil), buf...))
	})
}

func (t *Transport) Read(ch transport.Channel, done func([]byte, error)) error {
	c, err := characteristic(ch)
	if err != nil {
		return err
	}
	go func() {
		buf := make([]byte, readBufferSize)
		n, err := c.Read(buf)
		if err != nil {
			done(nil, err)
			return
		}
		done(buf[:n], nil)
	}()
	return nil
}

func (t *Transport) Write(ch transport.Channel, payload []byte) error {
	if !t.PoweredOn() {
		return transport.ErrPoweredOff
	}
	c, err := characteristic(ch)
	if err != nil {
		return err
	}
	_, err = c.WriteWithoutResponse(payload)
	return err
}

// ReadSignalStrength prefers the RSSI BlueZ reports for the device and falls
// back to a recent advertisement.
func (t *Transport) ReadSignalStrength(id transport.Identity) (int, error) {
	if _, err := t.peer(id); err != nil {
		return 0, err
	}
	if t.radio != nil {
		rssi, err := t.radio.RSSI(string(id))
		if err == nil {
			return rssi, nil
		}
		t.logger.Debug().Err(err).Str("device", string(id)).Msg("BlueZ RSSI unavailable")
	}

	t.mu.Lock()
	ad, ok := t.adverts[id]
	t.mu.Unlock()
	if !ok || time.Since(ad.seen) > advertMaxAge {
		return 0, fmt.Errorf("%s: no recent signal strength", id)
	}
	return ad.rssi, nil
}
