package proximity

import (
	"errors"
	"testing"
	"time"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/link"
	"github.com/ebarer/SmartLock/internal/lock"
	"github.com/ebarer/SmartLock/internal/runloop"
)

func fill(v int) *Window {
	w := &Window{}
	for i := 0; i < WindowSize; i++ {
		w.Push(v)
	}
	return w
}

func TestWindowAverage(t *testing.T) {
	tests := []struct {
		name    string
		samples []int
		want    int
	}{
		{"empty", nil, 0},
		{"warm-up bias", []int{-80}, -20},
		{"full", []int{-70, -72, -68, -74}, -71},
		{"truncates toward zero", []int{-70, -70, -70, -71}, -70},
		{"evicts oldest", []int{-20, -80, -80, -80, -80}, -80},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w Window
			for _, s := range tt.samples {
				w.Push(s)
			}
			if got := w.Average(); got != tt.want {
				t.Errorf("Average() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWindowSamplesOldestFirst(t *testing.T) {
	var w Window
	for _, s := range []int{-1, -2, -3, -4, -5} {
		w.Push(s)
	}
	got := w.Samples()
	want := []int{-2, -3, -4, -5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Samples() = %v, want %v", got, want)
		}
	}
	if !w.Full() {
		t.Error("expected full window")
	}
}

func TestDecide(t *testing.T) {
	band := Thresholds{Lock: -73, Unlock: -67}
	tests := []struct {
		name   string
		window *Window
		state  lock.State
		want   Action
	}{
		{"far while locked", fill(-80), lock.Locked, None},
		{"near while locked", fill(-60), lock.Locked, DoUnlock},
		{"far while unlocked", fill(-80), lock.Unlocked, DoLock},
		{"near while unlocked", fill(-60), lock.Unlocked, None},
		{"dead zone locked", fill(-70), lock.Locked, None},
		{"dead zone unlocked", fill(-70), lock.Unlocked, None},
		{"on unlock boundary", fill(-67), lock.Locked, None},
		{"on lock boundary", fill(-73), lock.Unlocked, None},
		{"pending unlock", fill(-60), lock.Unlocking, None},
		{"pending lock", fill(-80), lock.Locking, None},
		{"unknown", fill(-60), lock.Unknown, None},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.window.Average(), tt.state, band); got != tt.want {
				t.Errorf("Decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestThresholdsValidate(t *testing.T) {
	if err := DefaultThresholds().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if err := (Thresholds{Lock: -70, Unlock: -70}).Validate(); !errors.Is(err, ErrInvalidThresholds) {
		t.Errorf("expected ErrInvalidThresholds, got %v", err)
	}
}

type fakeSampler struct {
	state   link.State
	rssi    int
	err     error
	samples int
}

func (f *fakeSampler) State() link.State { return f.state }

func (f *fakeSampler) SampleSignal() (link.SignalSample, error) {
	if f.err != nil {
		return link.SignalSample{}, f.err
	}
	f.samples++
	return link.SignalSample{DBm: f.rssi}, nil
}

type fakeActuator struct {
	state   lock.State
	locks   int
	unlocks int
}

func (f *fakeActuator) State() lock.State { return f.state }
func (f *fakeActuator) Lock()             { f.locks++; f.state = lock.Locking }
func (f *fakeActuator) Unlock()           { f.unlocks++; f.state = lock.Unlocking }

func newEngine(cfg Config) (*Engine, *runloop.Manual, *fakeSampler, *fakeActuator) {
	sched := runloop.NewManual(time.Unix(0, 0))
	s := &fakeSampler{state: link.Ready}
	a := &fakeActuator{state: lock.Locked}
	e := New(sched, s, a, activity.NewLog(50, nil), cfg)
	return e, sched, s, a
}

func TestEngineUnlocksWhenApproaching(t *testing.T) {
	e, sched, s, a := newEngine(Config{})
	s.rssi = -60
	e.Enable()

	// Warm-up zeros pull the average up; the first tick already exceeds
	// the unlock threshold.
	sched.Advance(500 * time.Millisecond)
	if a.unlocks != 1 {
		t.Fatalf("expected one unlock, got %d", a.unlocks)
	}

	// Pending state blocks re-triggering.
	sched.Advance(2 * time.Second)
	if a.unlocks != 1 {
		t.Errorf("command storm: %d unlocks", a.unlocks)
	}
}

func TestEngineLocksWhenLeaving(t *testing.T) {
	e, sched, s, a := newEngine(Config{})
	a.state = lock.Unlocked
	s.rssi = -90
	e.Enable()

	sched.Advance(500 * time.Millisecond)
	if a.locks != 0 {
		t.Fatalf("locked during warm-up: average %d", e.window.Average())
	}
	sched.Advance(1500 * time.Millisecond)
	if a.locks != 1 {
		t.Fatalf("expected one lock, got %d (average %d)", a.locks, e.window.Average())
	}
}

func TestEngineNoOscillationInDeadZone(t *testing.T) {
	e, sched, s, a := newEngine(Config{RequireFullWindow: true})
	s.rssi = -70
	e.Enable()

	sched.Advance(10 * time.Second)
	a.state = lock.Unlocked
	sched.Advance(10 * time.Second)

	if a.locks != 0 || a.unlocks != 0 {
		t.Fatalf("dead zone triggered %d locks, %d unlocks", a.locks, a.unlocks)
	}
}

func TestEngineRequireFullWindow(t *testing.T) {
	e, sched, s, a := newEngine(Config{RequireFullWindow: true})
	s.rssi = -60
	e.Enable()

	sched.Advance(1500 * time.Millisecond)
	if a.unlocks != 0 {
		t.Fatalf("decided before the window filled")
	}
	sched.Advance(500 * time.Millisecond)
	if a.unlocks != 1 {
		t.Fatalf("expected unlock once full, got %d", a.unlocks)
	}
}

func TestEngineSkipsWhenNotReady(t *testing.T) {
	e, sched, s, a := newEngine(Config{})
	s.state = link.Connecting
	s.rssi = -40
	e.Enable()

	sched.Advance(5 * time.Second)

	if s.samples != 0 || a.unlocks != 0 {
		t.Fatalf("tick had side effects: %d samples, %d unlocks", s.samples, a.unlocks)
	}
	if e.Status().Fill != 0 {
		t.Error("window changed while not ready")
	}
}

func TestEngineSampleErrorSkipsTick(t *testing.T) {
	e, sched, s, a := newEngine(Config{})
	s.err = errors.New("rssi unavailable")
	s.rssi = -40
	e.Enable()

	sched.Advance(time.Second)
	if a.unlocks != 0 || e.Status().Fill != 0 {
		t.Fatal("failed sample reached the decision")
	}
}

func TestEngineEnableDisable(t *testing.T) {
	e, sched, s, _ := newEngine(Config{})
	s.rssi = -90

	e.Enable()
	e.Enable()
	if sched.Pending() != 1 {
		t.Fatalf("expected one ticker, got %d", sched.Pending())
	}
	sched.Advance(time.Second)
	if e.Status().Fill != 2 {
		t.Fatalf("expected 2 samples, got %d", e.Status().Fill)
	}

	e.Disable()
	e.Disable()
	sched.Advance(time.Second)
	if s.samples != 2 {
		t.Fatalf("ticked after disable: %d samples", s.samples)
	}

	e.Enable()
	if e.Status().Fill != 0 || e.Status().Average != 0 {
		t.Error("window not reset on enable")
	}
}

func TestEngineThresholdChangeTakesEffectNextTick(t *testing.T) {
	e, sched, s, a := newEngine(Config{RequireFullWindow: true})
	s.rssi = -70
	e.Enable()
	sched.Advance(2 * time.Second)
	if a.unlocks != 0 {
		t.Fatal("unlocked inside the band")
	}

	if err := e.SetUnlockThreshold(-75); err == nil {
		t.Fatal("accepted unlock threshold below lock threshold")
	}
	if err := e.SetLockThreshold(-80); err != nil {
		t.Fatalf("SetLockThreshold failed: %v", err)
	}
	if err := e.SetUnlockThreshold(-72); err != nil {
		t.Fatalf("SetUnlockThreshold failed: %v", err)
	}

	sched.Advance(500 * time.Millisecond)
	if a.unlocks != 1 {
		t.Fatalf("expected unlock under new thresholds, got %d", a.unlocks)
	}
}

type pollingSampler struct {
	fakeSampler
	actuator *fakeActuator
	polled   []lock.State
}

func (p *pollingSampler) SyncState() error {
	p.polled = append(p.polled, p.actuator.state)
	return nil
}

func TestEnginePollsStateAfterDecision(t *testing.T) {
	sched := runloop.NewManual(time.Unix(0, 0))
	a := &fakeActuator{state: lock.Locked}
	s := &pollingSampler{fakeSampler: fakeSampler{state: link.Ready, rssi: -60}, actuator: a}
	e := New(sched, s, a, activity.NewLog(50, nil), Config{PollState: true})
	e.Enable()

	sched.Advance(500 * time.Millisecond)
	if len(s.polled) != 1 || s.polled[0] != lock.Unlocking {
		t.Fatalf("expected one poll after the unlock write, got %v", s.polled)
	}

	s.state = link.Connecting
	sched.Advance(time.Second)
	if len(s.polled) != 1 {
		t.Fatalf("polled while not ready: %v", s.polled)
	}

	s.state = link.Ready
	s.err = errors.New("rssi unavailable")
	sched.Advance(500 * time.Millisecond)
	if len(s.polled) != 2 {
		t.Fatalf("expected a poll despite the failed sample, got %v", s.polled)
	}
}

func TestEngineWithoutPollState(t *testing.T) {
	sched := runloop.NewManual(time.Unix(0, 0))
	a := &fakeActuator{state: lock.Locked}
	s := &pollingSampler{fakeSampler: fakeSampler{state: link.Ready, rssi: -80}, actuator: a}
	e := New(sched, s, a, activity.NewLog(50, nil), Config{})
	e.Enable()

	sched.Advance(2 * time.Second)
	if len(s.polled) != 0 {
		t.Fatalf("unexpected polls %v", s.polled)
	}
}
