package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	bluezBus       = "org.bluez"
	bluezAdapter   = "org.bluez.Adapter1"
	bluezDevice    = "org.bluez.Device1"
	dbusProperties = "org.freedesktop.DBus.Properties"
)

// propertyTimeout bounds each property read. RSSI is read from the control
// loop on every proximity tick.
const propertyTimeout = 250 * time.Millisecond

type propertyGetter func(ctx context.Context, path dbus.ObjectPath, iface, property string) (dbus.Variant, error)

func busGetter(conn *dbus.Conn) propertyGetter {
	return func(ctx context.Context, path dbus.ObjectPath, iface, property string) (dbus.Variant, error) {
		var v dbus.Variant
		err := conn.Object(bluezBus, path).CallWithContext(ctx, dbusProperties+".Get", 0, iface, property).Store(&v)
		return v, err
	}
}

// Radio reads adapter power and device signal strength from BlueZ over the
// system bus.
type Radio struct {
	conn    *dbus.Conn
	get     propertyGetter
	timeout time.Duration
	adapter string
	path    dbus.ObjectPath
	logger  zerolog.Logger

	sigCh    chan *dbus.Signal
	stopOnce sync.Once
	done     chan struct{}
}

// OpenRadio connects to BlueZ and calls onPower whenever the adapter's
// Powered property changes.
func OpenRadio(adapter string, onPower func(bool)) (*Radio, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system D-Bus: %w", err)
	}

	r := &Radio{
		conn:    conn,
		get:     busGetter(conn),
		timeout: propertyTimeout,
		adapter: adapter,
		path:    dbus.ObjectPath("/org/bluez/" + adapter),
		logger:  log.With().Str("component", "ble").Str("adapter", adapter).Logger(),
		sigCh:   make(chan *dbus.Signal, 16),
		done:    make(chan struct{}),
	}

	if _, err := readProperty[bool](r, r.path, bluezAdapter, "Powered"); err != nil {
		return nil, fmt.Errorf("adapter %s: %w", adapter, err)
	}

	err = conn.AddMatchSignal(
		dbus.WithMatchObjectPath(r.path),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to add signal match: %w", err)
	}
	conn.Signal(r.sigCh)

	go r.watch(onPower)
	return r, nil
}

func (r *Radio) watch(onPower func(bool)) {
	for {
		select {
		case <-r.done:
			return
		case sig, ok := <-r.sigCh:
			if !ok {
				return
			}
			if sig.Path != r.path {
				continue
			}
			if on, ok := poweredFromSignal(sig); ok {
				onPower(on)
			}
		}
	}
}

// poweredFromSignal extracts Powered from an Adapter1 PropertiesChanged
// signal.
func poweredFromSignal(sig *dbus.Signal) (bool, bool) {
	if sig.Name != dbusProperties+".PropertiesChanged" || len(sig.Body) < 2 {
		return false, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok || iface != bluezAdapter {
		return false, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return false, false
	}
	v, ok := changed["Powered"]
	if !ok {
		return false, false
	}
	on, ok := v.Value().(bool)
	return on, ok
}

// Powered reports the adapter's current power state.
func (r *Radio) Powered() bool {
	on, err := readProperty[bool](r, r.path, bluezAdapter, "Powered")
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to read adapter power")
		return false
	}
	return on
}

// RSSI returns the signal strength BlueZ last recorded for address.
func (r *Radio) RSSI(address string) (int, error) {
	rssi, err := readProperty[int16](r, devicePath(r.adapter, address), bluezDevice, "RSSI")
	if err != nil {
		return 0, err
	}
	return int(rssi), nil
}

// Close stops the watcher. The shared system bus connection stays open.
func (r *Radio) Close() error {
	r.stopOnce.Do(func() {
		close(r.done)
		r.conn.RemoveSignal(r.sigCh)
	})
	return r.conn.RemoveMatchSignal(
		dbus.WithMatchObjectPath(r.path),
		dbus.WithMatchInterface(dbusProperties),
		dbus.WithMatchMember("PropertiesChanged"),
	)
}

// devicePath converts a MAC address to a BlueZ object path.
// Example: "AA:BB:CC:DD:EE:FF" → "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF"
func devicePath(adapter, address string) dbus.ObjectPath {
	dev := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, dev))
}

// readProperty reads a property from a BlueZ object within r.timeout.
func readProperty[T any](r *Radio, path dbus.ObjectPath, iface, property string) (T, error) {
	var zero T
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	variant, err := r.get(ctx, path, iface, property)
	if err != nil {
		return zero, fmt.Errorf("get %s.%s: %w", iface, property, err)
	}
	val, ok := variant.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, property, variant.Value())
	}
	return val, nil
}
