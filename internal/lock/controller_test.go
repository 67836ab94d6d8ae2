package lock

import (
	"testing"
	"time"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/link"
)

type fakeLink struct {
	state link.State
	sent  []byte
	err   error
}

func (f *fakeLink) State() link.State { return f.state }

func (f *fakeLink) SendCommand(b byte) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, b)
	return nil
}

type latencies []time.Duration

func (l *latencies) RecordConfirmation(d time.Duration) { *l = append(*l, d) }

func newController(state link.State) (*Controller, *fakeLink, *activity.Log) {
	fl := &fakeLink{state: state}
	events := activity.NewLog(50, nil)
	return NewController(fl, events, nil), fl, events
}

func TestInitialStateIsLocked(t *testing.T) {
	c, _, _ := newController(link.Idle)
	if c.State() != Locked {
		t.Fatalf("expected locked, got %s", c.State())
	}
}

func TestLockEligibility(t *testing.T) {
	tests := []struct {
		name      string
		link      link.State
		state     State
		wantSent  int
		wantState State
	}{
		{"ready and unlocked", link.Ready, Unlocked, 1, Locking},
		{"ready and locked", link.Ready, Locked, 0, Locked},
		{"ready and locking", link.Ready, Locking, 0, Locking},
		{"ready and unknown", link.Ready, Unknown, 0, Unknown},
		{"discovering", link.Discovering, Unlocked, 0, Unlocked},
		{"disconnected", link.Disconnected, Unlocked, 0, Unlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, fl, _ := newController(tt.link)
			c.state = tt.state
			c.confirmed = tt.state

			c.Lock()

			if len(fl.sent) != tt.wantSent {
				t.Errorf("expected %d commands, got %d", tt.wantSent, len(fl.sent))
			}
			if c.State() != tt.wantState {
				t.Errorf("expected %s, got %s", tt.wantState, c.State())
			}
		})
	}
}

func TestLockTwiceIssuesOneCommand(t *testing.T) {
	c, fl, _ := newController(link.Ready)
	c.HandleNotification([]byte("U"))

	c.Lock()
	c.Lock()

	if len(fl.sent) != 1 || fl.sent[0] != CmdLock {
		t.Fatalf("expected a single lock command, got %q", fl.sent)
	}
}

func TestUnlockFromLocked(t *testing.T) {
	c, fl, events := newController(link.Ready)

	c.Unlock()

	if c.State() != Unlocking {
		t.Fatalf("expected unlocking, got %s", c.State())
	}
	if string(fl.sent) != "U" {
		t.Errorf("unexpected commands %q", fl.sent)
	}
	h := events.History()
	if len(h) != 1 || h[0].Message != "Unlocking..." {
		t.Errorf("unexpected activity %v", h)
	}

	c.HandleNotification([]byte("U"))
	if c.State() != Unlocked {
		t.Fatalf("expected unlocked, got %s", c.State())
	}
}

func TestSendFailureRollsBack(t *testing.T) {
	c, fl, events := newController(link.Ready)
	fl.err = link.ErrNotConnected

	c.Unlock()

	if c.State() != Locked {
		t.Fatalf("expected rollback to locked, got %s", c.State())
	}
	h := events.History()
	if len(h) != 2 || h[1].Kind != activity.KindError {
		t.Errorf("expected an error activity, got %v", h)
	}

	// Not retried automatically, but a later call may try again.
	fl.err = nil
	c.Unlock()
	if len(fl.sent) != 1 {
		t.Errorf("expected the later attempt to send, got %q", fl.sent)
	}
}

func TestMalformedReply(t *testing.T) {
	c, _, events := newController(link.Ready)

	c.HandleNotification([]byte("X"))

	if c.State() != Unknown {
		t.Fatalf("expected unknown, got %s", c.State())
	}
	var diagnostics int
	for _, e := range events.History() {
		if e.Kind == activity.KindDiagnostic {
			diagnostics++
		}
	}
	if diagnostics != 1 {
		t.Errorf("expected exactly one diagnostic, got %d", diagnostics)
	}

	c.HandleNotification([]byte("L"))
	if c.State() != Locked {
		t.Fatalf("expected recovery to locked, got %s", c.State())
	}
}

func TestMultiByteReplyIsMalformed(t *testing.T) {
	c, _, _ := newController(link.Ready)
	c.HandleNotification([]byte("LU"))
	if c.State() != Unknown {
		t.Fatalf("expected unknown, got %s", c.State())
	}
}

func TestLinkLostRestoresConfirmedState(t *testing.T) {
	c, _, _ := newController(link.Ready)
	c.HandleNotification([]byte("U"))
	c.Lock()

	c.LinkLost()

	if c.State() != Unlocked {
		t.Fatalf("expected unlocked, got %s", c.State())
	}
}

func TestToggle(t *testing.T) {
	c, fl, _ := newController(link.Ready)

	c.Toggle()
	c.HandleNotification([]byte("U"))
	c.Toggle()

	if string(fl.sent) != "UL" {
		t.Fatalf("unexpected commands %q", fl.sent)
	}
}

func TestConfirmationLatency(t *testing.T) {
	now := time.Unix(100, 0)
	fl := &fakeLink{state: link.Ready}
	c := NewController(fl, activity.NewLog(10, nil), func() time.Time { return now })
	var got latencies
	c.SetLatencyRecorder(&got)

	c.Unlock()
	now = now.Add(350 * time.Millisecond)
	c.HandleNotification([]byte("U"))

	if len(got) != 1 || got[0] != 350*time.Millisecond {
		t.Fatalf("unexpected latencies %v", got)
	}
}

func TestStateListeners(t *testing.T) {
	c, _, _ := newController(link.Ready)
	var seen []State
	c.OnStateChange(func(_, to State) { seen = append(seen, to) })

	c.Unlock()
	c.HandleNotification([]byte("U"))
	c.Reset()

	want := []State{Unlocking, Unlocked, Locked}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, seen)
		}
	}
}

func TestRepeatedReplyIsQuiet(t *testing.T) {
	c, _, events := newController(link.Ready)
	var changes int
	c.OnStateChange(func(_, _ State) { changes++ })

	c.HandleNotification([]byte("L"))
	c.HandleNotification([]byte("L"))
	if changes != 0 || len(events.History()) != 0 {
		t.Fatalf("reply matching the current state was reported: %d changes, %v", changes, events.History())
	}

	c.HandleNotification([]byte("U"))
	c.HandleNotification([]byte("U"))
	if changes != 1 || len(events.History()) != 1 {
		t.Errorf("expected a single transition, got %d changes, %v", changes, events.History())
	}
}
