// Package bridge connects the controller to message brokers so home
// automation systems can observe and command the lock.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/app"
	"github.com/ebarer/SmartLock/internal/lock"
)

// Executor runs remote commands. *app.Controller implements it.
type Executor interface {
	Execute(ctx context.Context, cmd app.Command) error
}

// Sink receives everything the controller publishes.
type Sink interface {
	PublishState(snap app.Snapshot)
	PublishActivity(e activity.Event)
}

// Reply answers a request-reply command.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Dispatcher decodes broker payloads into controller commands.
type Dispatcher struct {
	exec    Executor
	timeout time.Duration
}

// NewDispatcher bounds each command by timeout.
func NewDispatcher(exec Executor, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{exec: exec, timeout: timeout}
}

// HandleJSON executes a {"command":...,"value":...} payload.
func (d *Dispatcher) HandleJSON(ctx context.Context, data []byte) Reply {
	var cmd app.Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Reply{Error: fmt.Sprintf("invalid command: %v", err)}
	}
	return d.run(ctx, cmd)
}

// HandleLockPayload executes a LOCK, UNLOCK or TOGGLE payload as used by
// home automation lock entities.
func (d *Dispatcher) HandleLockPayload(ctx context.Context, payload []byte) Reply {
	var name string
	switch strings.ToUpper(strings.TrimSpace(string(payload))) {
	case "LOCK":
		name = app.CmdLock
	case "UNLOCK", "OPEN":
		name = app.CmdUnlock
	case "TOGGLE":
		name = app.CmdToggle
	default:
		return Reply{Error: fmt.Sprintf("unsupported payload %q", payload)}
	}
	return d.run(ctx, app.Command{Name: name})
}

func (d *Dispatcher) run(ctx context.Context, cmd app.Command) Reply {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if err := d.exec.Execute(ctx, cmd); err != nil {
		log.Warn().Str("component", "bridge").Err(err).Str("command", cmd.Name).Msg("Remote command failed")
		return Reply{Error: err.Error()}
	}
	return Reply{OK: true}
}

// lockWord renders a lock state the way home automation lock entities
// expect it.
func lockWord(s lock.State) string {
	switch s {
	case lock.Locked:
		return "LOCKED"
	case lock.Locking:
		return "LOCKING"
	case lock.Unlocked:
		return "UNLOCKED"
	case lock.Unlocking:
		return "UNLOCKING"
	default:
		return "JAMMED"
	}
}

// subject joins a prefix and a suffix with sep, tolerating an empty prefix.
func subject(prefix, sep, suffix string) string {
	prefix = strings.TrimSuffix(prefix, sep)
	if prefix == "" {
		return suffix
	}
	return prefix + sep + suffix
}
