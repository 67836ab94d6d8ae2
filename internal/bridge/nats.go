package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/app"
)

// NATSOptions configure the NATS bridge.
type NATSOptions struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// NATSBridge publishes on <prefix>.state and <prefix>.activity and serves
// commands on <prefix>.cmd.
type NATSBridge struct {
	nc     *nats.Conn
	prefix string
	disp   *Dispatcher
	sub    *nats.Subscription
	logger zerolog.Logger
}

var _ Sink = (*NATSBridge)(nil)

// ConnectNATS dials the server.
func ConnectNATS(opts NATSOptions, disp *Dispatcher) (*NATSBridge, error) {
	logger := log.With().Str("component", "bridge").Str("broker", "nats").Logger()
	nc, err := nats.Connect(opts.URL,
		nats.Name("smartlockd"),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSBridge{nc: nc, prefix: opts.SubjectPrefix, disp: disp, logger: logger}, nil
}

// Start subscribes to the command subject.
func (b *NATSBridge) Start() error {
	subj := subject(b.prefix, ".", "cmd")
	sub, err := b.nc.Subscribe(subj, b.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subj, err)
	}
	b.sub = sub
	b.logger.Info().Str("subject", subj).Msg("NATS bridge started")
	return nil
}

func (b *NATSBridge) handleCommand(msg *nats.Msg) {
	b.logger.Debug().Str("subject", msg.Subject).Int("size", len(msg.Data)).Msg("Received command")
	reply := b.disp.HandleJSON(context.Background(), msg.Data)
	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		b.logger.Warn().Err(err).Msg("Failed to reply")
	}
}

// PublishState implements Sink.
func (b *NATSBridge) PublishState(snap app.Snapshot) {
	b.publish(subject(b.prefix, ".", "state"), snap)
}

// PublishActivity implements Sink.
func (b *NATSBridge) PublishActivity(e activity.Event) {
	b.publish(subject(b.prefix, ".", "activity"), e)
}

func (b *NATSBridge) publish(subj string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal message")
		return
	}
	if err := b.nc.Publish(subj, data); err != nil {
		b.logger.Warn().Err(err).Str("subject", subj).Msg("Publish failed")
	}
}

// Close unsubscribes and drains the connection.
func (b *NATSBridge) Close() {
	if b.sub != nil {
		b.sub.Unsubscribe()
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}
