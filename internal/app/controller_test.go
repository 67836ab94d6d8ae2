package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/link"
	"github.com/ebarer/SmartLock/internal/lock"
	"github.com/ebarer/SmartLock/internal/proximity"
	"github.com/ebarer/SmartLock/internal/runloop"
	"github.com/ebarer/SmartLock/internal/transport"
	"github.com/ebarer/SmartLock/internal/transport/transporttest"
)

const lockID transport.Identity = "B8:27:EB:4C:19:02"

type fixture struct {
	ctx   context.Context
	sched *runloop.Manual
	fake  *transporttest.Fake
	c     *Controller
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	cfg.Link.AutoDiscover = true
	f := &fixture{
		ctx:   context.Background(),
		sched: runloop.NewManual(time.Unix(1417600000, 0)),
		fake:  transporttest.New(),
	}
	f.c = New(f.sched, f.fake, activity.NewLog(100, f.sched.Now), cfg)
	if err := f.c.Start(f.ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return f
}

func (f *fixture) ready(t *testing.T) {
	t.Helper()
	f.fake.Find(lockID, -60)
	f.fake.LastConnect().OnConnected()
	f.fake.CompleteDiscovery(lockID)
	if s := f.c.Snapshot(); s.Connection != link.Ready {
		t.Fatalf("expected ready, got %s", s.Connection)
	}
}

func (f *fixture) writes() string {
	var out []byte
	for _, w := range f.fake.Writes {
		out = append(out, w...)
	}
	return string(out)
}

func TestUnlockRoundTrip(t *testing.T) {
	f := newFixture(t, Config{})
	if s := f.c.Snapshot(); s.Connection != link.Scanning || !s.RadioOn {
		t.Fatalf("expected scanning with radio on, got %+v", s)
	}
	f.ready(t)

	snap := f.c.Snapshot()
	if !snap.CanCommand || snap.Lock != lock.Locked || snap.Identity != string(lockID) {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if err := f.c.Unlock(f.ctx); err != nil {
		t.Fatal(err)
	}
	if got := f.c.Snapshot().Lock; got != lock.Unlocking {
		t.Fatalf("expected unlocking, got %s", got)
	}
	f.sched.Advance(120 * time.Millisecond)
	f.fake.Notify([]byte("U"))

	if got := f.c.Snapshot().Lock; got != lock.Unlocked {
		t.Fatalf("expected unlocked, got %s", got)
	}
	if f.writes() != "U" {
		t.Errorf("unexpected writes %q", f.writes())
	}

	d := f.c.Diagnostics()
	if d.Confirmations != 1 || d.LatencyMeanMs != 120 || d.Notifications != 1 {
		t.Errorf("unexpected diagnostics %+v", d)
	}
	if d.Vendor != "Raspberry Pi" {
		t.Errorf("unexpected vendor %q", d.Vendor)
	}
}

func TestProximityUnlocksOnApproach(t *testing.T) {
	f := newFixture(t, Config{ProximityEnabled: true})
	f.ready(t)
	f.fake.RSSI[lockID] = -55

	f.sched.Advance(500 * time.Millisecond)

	if f.writes() != "U" {
		t.Fatalf("expected an unlock command, got %q", f.writes())
	}
	if s := f.c.Snapshot(); !s.Proximity.Enabled || s.Proximity.Fill != 1 {
		t.Errorf("unexpected proximity status %+v", s.Proximity)
	}
	if d := f.c.Diagnostics(); d.SignalSamples != 1 || d.SignalMeanDBm != -55 {
		t.Errorf("sample not recorded: %+v", d)
	}
}

func TestPolledStateResolvesLostConfirmation(t *testing.T) {
	cfg := Config{ProximityEnabled: true}
	cfg.Proximity.PollState = true
	f := newFixture(t, cfg)
	f.ready(t)
	f.fake.RSSI[lockID] = -55

	// The accessory's "U" notification never arrives.
	f.sched.Advance(500 * time.Millisecond)
	if f.writes() != "U" || len(f.fake.Reads) != 1 {
		t.Fatalf("expected unlock then a state read, got writes %q reads %d", f.writes(), len(f.fake.Reads))
	}
	if got := f.c.Snapshot().Lock; got != lock.Unlocking {
		t.Fatalf("expected unlocking, got %s", got)
	}

	f.fake.CompleteRead([]byte("U"), nil)
	if got := f.c.Snapshot().Lock; got != lock.Unlocked {
		t.Fatalf("expected the read to confirm the unlock, got %s", got)
	}

	f.sched.Advance(500 * time.Millisecond)
	f.fake.CompleteRead([]byte("U"), nil)
	if f.writes() != "U" || len(f.fake.Reads) != 2 {
		t.Errorf("unexpected traffic: writes %q reads %d", f.writes(), len(f.fake.Reads))
	}
	var unlocked int
	for _, e := range f.c.Activity() {
		if e.Message == "Unlocked" {
			unlocked++
		}
	}
	if unlocked != 1 {
		t.Errorf("expected one Unlocked event, got %d", unlocked)
	}
}

func TestDisableProximityStopsTicks(t *testing.T) {
	f := newFixture(t, Config{ProximityEnabled: true})
	f.ready(t)
	f.fake.RSSI[lockID] = -55

	if err := f.c.DisableProximity(f.ctx); err != nil {
		t.Fatal(err)
	}
	f.sched.Advance(5 * time.Second)

	if f.fake.WriteCount() != 0 {
		t.Fatalf("ticked after disable: %q", f.writes())
	}
}

func TestDisconnectLocksFirst(t *testing.T) {
	f := newFixture(t, Config{LockOnDisconnect: true})
	f.ready(t)
	f.fake.Notify([]byte("U"))

	if err := f.c.Disconnect(f.ctx); err != nil {
		t.Fatal(err)
	}

	if f.writes() != "L" {
		t.Fatalf("expected the lock command before disconnecting, got %q", f.writes())
	}
	if len(f.fake.Disconnects) != 1 {
		t.Fatalf("expected one disconnect, got %v", f.fake.Disconnects)
	}
	snap := f.c.Snapshot()
	if snap.Connection != link.Disconnected {
		t.Errorf("expected disconnected, got %s", snap.Connection)
	}
	// Never confirmed, so the last confirmed state stands.
	if snap.Lock != lock.Unlocked {
		t.Errorf("expected unlocked, got %s", snap.Lock)
	}
}

func TestLinkLossRollsBackPendingCommand(t *testing.T) {
	f := newFixture(t, Config{})
	f.ready(t)

	if err := f.c.Unlock(f.ctx); err != nil {
		t.Fatal(err)
	}
	f.fake.DropLink(lockID, errors.New("supervision timeout"))

	snap := f.c.Snapshot()
	if snap.Connection != link.Disconnected || snap.Lock != lock.Locked || snap.CanCommand {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestCloseRestoresFailSafe(t *testing.T) {
	f := newFixture(t, Config{ProximityEnabled: true})
	f.ready(t)
	f.fake.Notify([]byte("U"))

	if err := f.c.Close(f.ctx); err != nil {
		t.Fatal(err)
	}

	snap := f.c.Snapshot()
	if snap.Lock != lock.Locked || snap.Proximity.Enabled || snap.Connection != link.Disconnected {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if n := f.sched.Pending(); n != 0 {
		t.Errorf("expected no live timers, got %d", n)
	}
}

func TestThresholds(t *testing.T) {
	f := newFixture(t, Config{})

	if err := f.c.SetUnlockThreshold(f.ctx, -80); !errors.Is(err, proximity.ErrInvalidThresholds) {
		t.Fatalf("expected ErrInvalidThresholds, got %v", err)
	}
	if err := f.c.SetThresholds(f.ctx, proximity.Thresholds{Lock: -85, Unlock: -75}); err != nil {
		t.Fatal(err)
	}
	if err := f.c.SetLockThreshold(f.ctx, -90); err != nil {
		t.Fatal(err)
	}

	got := f.c.Snapshot().Proximity.Thresholds
	if got != (proximity.Thresholds{Lock: -90, Unlock: -75}) {
		t.Fatalf("unexpected thresholds %+v", got)
	}
}

func TestExecute(t *testing.T) {
	f := newFixture(t, Config{})
	f.ready(t)

	if err := f.c.Execute(f.ctx, Command{Name: "UNLOCK"}); err != nil {
		t.Fatal(err)
	}
	if f.writes() != "U" {
		t.Fatalf("unexpected writes %q", f.writes())
	}

	if err := f.c.Execute(f.ctx, Command{Name: "open_sesame"}); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("expected ErrUnknownCommand, got %v", err)
	}
	if err := f.c.Execute(f.ctx, Command{Name: CmdLockThreshold}); err == nil {
		t.Error("expected an error for a missing value")
	}
	v := -60
	if err := f.c.Execute(f.ctx, Command{Name: CmdUnlockThreshold, Value: &v}); err != nil {
		t.Fatal(err)
	}
	if got := f.c.Snapshot().Proximity.Thresholds.Unlock; got != -60 {
		t.Errorf("expected unlock threshold -60, got %d", got)
	}
}

func TestSnapshotListeners(t *testing.T) {
	sched := runloop.NewManual(time.Unix(0, 0))
	fake := transporttest.New()
	c := New(sched, fake, activity.NewLog(10, sched.Now), Config{Link: link.Config{AutoDiscover: true}})

	var seen []link.State
	c.OnSnapshot(func(s Snapshot) { seen = append(seen, s.Connection) })

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	fake.Find(lockID, -60)

	if len(seen) < 2 || seen[0] != link.Scanning || seen[len(seen)-1] != link.Connecting {
		t.Fatalf("unexpected snapshots %v", seen)
	}
}
