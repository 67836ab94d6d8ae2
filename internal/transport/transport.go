// Package transport defines the radio collaborator the controller is built
// on. Implementations deliver results asynchronously through callbacks and
// the Observer; callers must assume callbacks arrive on arbitrary goroutines.
package transport

import "errors"

var (
	// ErrUnknownDevice is returned by Resolve when an identity cannot be
	// reached without a broadcast scan.
	ErrUnknownDevice = errors.New("transport: unknown device")
	// ErrPoweredOff is returned by any operation while the radio is off.
	ErrPoweredOff = errors.New("transport: radio powered off")
	// ErrChannelMissing is reported by DiscoverChannels when the accessory
	// does not expose a required characteristic.
	ErrChannelMissing = errors.New("transport: required channel missing")
)

// Identity is a stable identifier for an accessory, typically its address.
type Identity string

// Channel is an opaque characteristic handle issued by a Transport.
type Channel struct {
	Device Identity
	UUID   string
	Ref    any
}

// Channels are the two endpoints a lock accessory must expose.
type Channels struct {
	Write  Channel
	Notify Channel
}

// ChannelSpec names the service and characteristics to discover.
type ChannelSpec struct {
	Service string
	Write   string
	Notify  string
}

// Observer receives lifecycle events not tied to a single request.
type Observer interface {
	DeviceFound(id Identity, rssi int)
	Disconnected(id Identity, err error)
	RadioPowerChanged(on bool)
}

// Transport is the radio link used by the connection manager. None of the
// methods may block for the duration of a radio operation; results are
// delivered later through callbacks or the Observer.
type Transport interface {
	SetObserver(o Observer)
	PoweredOn() bool

	StartScan(service string) error
	StopScan() error
	// Resolve checks whether id can be connected directly, without scanning.
	Resolve(id Identity) error

	Connect(id Identity, onConnected func(), onFailed func(error)) error
	CancelConnect(id Identity) error
	Disconnect(id Identity) error

	DiscoverChannels(id Identity, spec ChannelSpec, done func(Channels, error)) error
	Subscribe(ch Channel, onNotification func([]byte)) error
	Read(ch Channel, done func([]byte, error)) error
	Write(ch Channel, payload []byte) error

	// ReadSignalStrength returns the most recent RSSI of a connected device
	// in dBm.
	ReadSignalStrength(id Identity) (int, error)
}
