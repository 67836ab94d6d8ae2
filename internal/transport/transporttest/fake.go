// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"fmt"
	"sync"

	"github.com/ebarer/SmartLock/internal/transport"
)

// ConnectAttempt is a connect request the test has not yet resolved.
type ConnectAttempt struct {
	ID          transport.Identity
	OnConnected func()
	OnFailed    func(error)
}

// Fake records every call and lets the test decide when and how each
// asynchronous request completes.
type Fake struct {
	mu sync.Mutex

	Observer transport.Observer
	Powered  bool
	Known    map[transport.Identity]bool
	RSSI     map[transport.Identity]int
	RSSIErr  error
	WriteErr error

	Scanning      bool
	ScanCount     int
	Connects      []ConnectAttempt
	Cancelled     []transport.Identity
	Disconnects   []transport.Identity
	Writes        [][]byte
	Subscriptions []transport.Channel
	Reads         []transport.Channel

	discover   map[transport.Identity]func(transport.Channels, error)
	readDone   []func([]byte, error)
	notifySink func([]byte)
}

// New returns a powered-on fake with no known devices.
func New() *Fake {
	return &Fake{
		Powered:  true,
		Known:    make(map[transport.Identity]bool),
		RSSI:     make(map[transport.Identity]int),
		discover: make(map[transport.Identity]func(transport.Channels, error)),
	}
}

func (f *Fake) SetObserver(o transport.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Observer = o
}

func (f *Fake) PoweredOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Powered
}

func (f *Fake) StartScan(service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Powered {
		return transport.ErrPoweredOff
	}
	f.Scanning = true
	f.ScanCount++
	return nil
}

func (f *Fake) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Scanning = false
	return nil
}

func (f *Fake) Resolve(id transport.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.Known[id] {
		return transport.ErrUnknownDevice
	}
	return nil
}

func (f *Fake) Connect(id transport.Identity, onConnected func(), onFailed func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Connects = append(f.Connects, ConnectAttempt{ID: id, OnConnected: onConnected, OnFailed: onFailed})
	return nil
}

func (f *Fake) CancelConnect(id transport.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, id)
	return nil
}

func (f *Fake) Disconnect(id transport.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disconnects = append(f.Disconnects, id)
	return nil
}

func (f *Fake) DiscoverChannels(id transport.Identity, spec transport.ChannelSpec, done func(transport.Channels, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discover[id] = done
	return nil
}

func (f *Fake) Subscribe(ch transport.Channel, onNotification func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subscriptions = append(f.Subscriptions, ch)
	f.notifySink = onNotification
	return nil
}

func (f *Fake) Read(ch transport.Channel, done func([]byte, error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reads = append(f.Reads, ch)
	f.readDone = append(f.readDone, done)
	return nil
}

func (f *Fake) Write(ch transport.Channel, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WriteErr != nil {
		return f.WriteErr
	}
	f.Writes = append(f.Writes, append([]byte(nil), payload...))
	return nil
}

func (f *Fake) ReadSignalStrength(id transport.Identity) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RSSIErr != nil {
		return 0, f.RSSIErr
	}
	rssi, ok := f.RSSI[id]
	if !ok {
		return 0, fmt.Errorf("no rssi for %s", id)
	}
	return rssi, nil
}

// Find reports a discovered device to the observer.
func (f *Fake) Find(id transport.Identity, rssi int) {
	f.mu.Lock()
	f.Known[id] = true
	o := f.Observer
	f.mu.Unlock()
	o.DeviceFound(id, rssi)
}

// LastConnect returns the most recent connect request.
func (f *Fake) LastConnect() ConnectAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Connects) == 0 {
		panic("transporttest: no connect attempts")
	}
	return f.Connects[len(f.Connects)-1]
}

// CompleteDiscovery resolves the pending channel discovery for id with a
// standard pair of channels.
func (f *Fake) CompleteDiscovery(id transport.Identity) {
	f.FailDiscovery(id, nil)
}

// FailDiscovery resolves the pending channel discovery for id with err, or
// with a standard pair of channels when err is nil.
func (f *Fake) FailDiscovery(id transport.Identity, err error) {
	f.mu.Lock()
	done := f.discover[id]
	delete(f.discover, id)
	f.mu.Unlock()
	if done == nil {
		panic(fmt.Sprintf("transporttest: no discovery pending for %s", id))
	}
	if err != nil {
		done(transport.Channels{}, err)
		return
	}
	done(transport.Channels{
		Write:  transport.Channel{Device: id, UUID: "write"},
		Notify: transport.Channel{Device: id, UUID: "notify"},
	}, nil)
}

// Notify delivers payload to the subscribed notification handler.
func (f *Fake) Notify(payload []byte) {
	f.mu.Lock()
	sink := f.notifySink
	f.mu.Unlock()
	if sink == nil {
		panic("transporttest: no subscription")
	}
	sink(payload)
}

// CompleteRead answers the oldest outstanding read.
func (f *Fake) CompleteRead(payload []byte, err error) {
	f.mu.Lock()
	if len(f.readDone) == 0 {
		f.mu.Unlock()
		panic("transporttest: no read pending")
	}
	done := f.readDone[0]
	f.readDone = f.readDone[1:]
	f.mu.Unlock()
	done(payload, err)
}

// DropLink reports an unexpected disconnect of id.
func (f *Fake) DropLink(id transport.Identity, err error) {
	f.mu.Lock()
	o := f.Observer
	f.mu.Unlock()
	o.Disconnected(id, err)
}

// SetPower flips radio power and notifies the observer.
func (f *Fake) SetPower(on bool) {
	f.mu.Lock()
	f.Powered = on
	if !on {
		f.Scanning = false
	}
	o := f.Observer
	f.mu.Unlock()
	o.RadioPowerChanged(on)
}

// WriteCount returns the number of successful writes.
func (f *Fake) WriteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Writes)
}
