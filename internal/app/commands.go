package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCommand is returned by Execute for names it does not recognise.
var ErrUnknownCommand = errors.New("app: unknown command")

// Command names accepted by Execute.
const (
	CmdLock            = "lock"
	CmdUnlock          = "unlock"
	CmdToggle          = "toggle"
	CmdDiscover        = "discover"
	CmdDisconnect      = "disconnect"
	CmdProximityOn     = "proximity_on"
	CmdProximityOff    = "proximity_off"
	CmdLockThreshold   = "lock_threshold"
	CmdUnlockThreshold = "unlock_threshold"
)

// Command is a remote request. Value carries the threshold for the
// threshold commands.
type Command struct {
	Name  string `json:"command"`
	Value *int   `json:"value,omitempty"`
}

// Execute runs a remote command. Names are case-insensitive.
func (c *Controller) Execute(ctx context.Context, cmd Command) error {
	switch strings.ToLower(strings.TrimSpace(cmd.Name)) {
	case CmdLock:
		return c.Lock(ctx)
	case CmdUnlock:
		return c.Unlock(ctx)
	case CmdToggle:
		return c.Toggle(ctx)
	case CmdDiscover:
		return c.StartDiscovery(ctx)
	case CmdDisconnect:
		return c.Disconnect(ctx)
	case CmdProximityOn:
		return c.EnableProximity(ctx)
	case CmdProximityOff:
		return c.DisableProximity(ctx)
	case CmdLockThreshold:
		if cmd.Value == nil {
			return fmt.Errorf("%s: missing value", cmd.Name)
		}
		return c.SetLockThreshold(ctx, *cmd.Value)
	case CmdUnlockThreshold:
		if cmd.Value == nil {
			return fmt.Errorf("%s: missing value", cmd.Name)
		}
		return c.SetUnlockThreshold(ctx, *cmd.Value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
	}
}
