package app

import (
	"sync"
	"time"

	"github.com/ebarer/SmartLock/internal/link"
	"github.com/ebarer/SmartLock/internal/lock"
	"github.com/ebarer/SmartLock/internal/proximity"
)

// Snapshot is the read-only view of the controller handed to UIs.
type Snapshot struct {
	Connection link.State       `json:"connection"`
	Lock       lock.State       `json:"lock"`
	Identity   string           `json:"identity,omitempty"`
	RadioOn    bool             `json:"radio_on"`
	CanCommand bool             `json:"can_command"`
	Proximity  proximity.Status `json:"proximity"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// snapshotStore publishes snapshots built on the loop to readers on any
// goroutine.
type snapshotStore struct {
	sync.Mutex
	current   Snapshot
	listeners []func(Snapshot)
}

func (s *snapshotStore) get() Snapshot {
	s.Lock()
	defer s.Unlock()
	return s.current
}

func (s *snapshotStore) subscribe(fn func(Snapshot)) {
	s.Lock()
	defer s.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *snapshotStore) set(snap Snapshot) {
	s.Lock()
	s.current = snap
	listeners := append([]func(Snapshot){}, s.listeners...)
	s.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}
