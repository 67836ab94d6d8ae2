package proximity

import (
	"errors"
	"fmt"

	"github.com/ebarer/SmartLock/internal/lock"
)

var ErrInvalidThresholds = errors.New("proximity: unlock threshold must be above lock threshold")

// Default thresholds in dBm.
const (
	DefaultLockThreshold   = -73
	DefaultUnlockThreshold = -67
)

// Thresholds bound the hysteresis band. Readings between Lock and Unlock
// never trigger a command.
type Thresholds struct {
	Lock   int `json:"lock" yaml:"lock"`
	Unlock int `json:"unlock" yaml:"unlock"`
}

// DefaultThresholds returns the -73/-67 dBm band.
func DefaultThresholds() Thresholds {
	return Thresholds{Lock: DefaultLockThreshold, Unlock: DefaultUnlockThreshold}
}

// Validate enforces Unlock > Lock.
func (t Thresholds) Validate() error {
	if t.Unlock <= t.Lock {
		return fmt.Errorf("%w (lock %d, unlock %d)", ErrInvalidThresholds, t.Lock, t.Unlock)
	}
	return nil
}

// Action is the outcome of one decision.
type Action int

const (
	None Action = iota
	DoLock
	DoUnlock
)

func (a Action) String() string {
	switch a {
	case DoLock:
		return "lock"
	case DoUnlock:
		return "unlock"
	default:
		return "none"
	}
}

// Decide maps an averaged reading and the committed lock state to an action.
// Pending and unknown states never act.
func Decide(average int, state lock.State, t Thresholds) Action {
	switch {
	case state == lock.Locked && average > t.Unlock:
		return DoUnlock
	case state == lock.Unlocked && average < t.Lock:
		return DoLock
	default:
		return None
	}
}
