package ble

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"tinygo.org/x/bluetooth"
)

// Latch is the mechanism of a simulated accessory. It answers each valid
// command with the resulting state and ignores anything else.
type Latch struct {
	mu     sync.Mutex
	locked bool
}

// NewLatch starts locked.
func NewLatch() *Latch {
	return &Latch{locked: true}
}

// Apply executes one command write and returns the reply to notify, or nil.
func (l *Latch) Apply(cmd []byte) []byte {
	if len(cmd) != 1 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch cmd[0] {
	case 'L':
		l.locked = true
	case 'U':
		l.locked = false
	default:
		return nil
	}
	return l.state()
}

// State is the reply byte for the current position.
func (l *Latch) State() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state()
}

func (l *Latch) state() []byte {
	if l.locked {
		return []byte{'L'}
	}
	return []byte{'U'}
}

// AccessoryOptions describe the advertised service.
type AccessoryOptions struct {
	Name        string
	ServiceUUID string
	WriteUUID   string
	NotifyUUID  string
}

// Accessory advertises the lock service from the local adapter so the
// controller can be exercised without hardware.
type Accessory struct {
	adapter *bluetooth.Adapter
	latch   *Latch
	notify  bluetooth.Characteristic
	logger  zerolog.Logger
}

// ServeAccessory provisions the GATT service and starts advertising.
func ServeAccessory(opts AccessoryOptions, latch *Latch) (*Accessory, error) {
	svc, err := bluetooth.ParseUUID(opts.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("parse service uuid: %w", err)
	}
	rx, err := bluetooth.ParseUUID(opts.WriteUUID)
	if err != nil {
		return nil, fmt.Errorf("parse write uuid: %w", err)
	}
	tx, err := bluetooth.ParseUUID(opts.NotifyUUID)
	if err != nil {
		return nil, fmt.Errorf("parse notify uuid: %w", err)
	}

	a := &Accessory{
		adapter: bluetooth.DefaultAdapter,
		latch:   latch,
		logger:  log.With().Str("component", "accessory").Logger(),
	}
	a.logger.Info().Msg("Provisioning GATT services")

	if err := a.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w", err)
	}

	err = a.adapter.AddService(&bluetooth.Service{
		UUID: svc,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				UUID:  rx,
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(_ bluetooth.Connection, _ int, value []byte) {
					a.handleWrite(value)
				},
			},
			{
				Handle: &a.notify,
				UUID:   tx,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
				Value:  latch.State(),
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add service: %w", err)
	}

	adv := a.adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    opts.Name,
		ServiceUUIDs: []bluetooth.UUID{svc},
	})
	if err != nil {
		return nil, fmt.Errorf("configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return nil, fmt.Errorf("start advertisement: %w", err)
	}
	a.logger.Info().Str("name", opts.Name).Msg("Advertising")
	return a, nil
}

func (a *Accessory) handleWrite(value []byte) {
	reply := a.latch.Apply(value)
	if reply == nil {
		a.logger.Warn().Hex("payload", value).Msg("Ignoring unknown command")
		return
	}
	a.logger.Info().Str("state", string(reply)).Msg("Latch moved")
	if _, err := a.notify.Write(reply); err != nil {
		a.logger.Error().Err(err).Msg("Notify failed")
	}
}
