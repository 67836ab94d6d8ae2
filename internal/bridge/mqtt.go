package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ebarer/SmartLock/internal/activity"
	"github.com/ebarer/SmartLock/internal/app"
)

// MQTTOptions configure the MQTT bridge.
type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// MQTTBridge follows the home automation lock convention:
//
//	<prefix>/state         retained JSON snapshot
//	<prefix>/lock          retained LOCKED, UNLOCKED, LOCKING, UNLOCKING or JAMMED
//	<prefix>/activity      activity events
//	<prefix>/availability  online or offline (last will)
//	<prefix>/set           LOCK, UNLOCK or TOGGLE
type MQTTBridge struct {
	client mqtt.Client
	opts   MQTTOptions
	disp   *Dispatcher
	logger zerolog.Logger
}

var _ Sink = (*MQTTBridge)(nil)

// ConnectMQTT dials the broker and subscribes to the command topic on every
// (re)connect.
func ConnectMQTT(opts MQTTOptions, disp *Dispatcher) (*MQTTBridge, error) {
	b := &MQTTBridge{
		opts:   opts,
		disp:   disp,
		logger: log.With().Str("component", "bridge").Str("broker", "mqtt").Logger(),
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectTimeout(10 * time.Second)
	co.SetKeepAlive(30 * time.Second)
	co.SetOrderMatters(false)
	co.SetWill(b.topic("availability"), "offline", opts.QoS, true)

	co.SetOnConnectHandler(func(c mqtt.Client) {
		b.logger.Info().Str("broker", opts.Broker).Msg("MQTT client connected")
		c.Publish(b.topic("availability"), opts.QoS, true, "online")
		if token := c.Subscribe(b.topic("set"), opts.QoS, b.handleSet); token.WaitTimeout(10*time.Second) && token.Error() != nil {
			b.logger.Error().Err(token.Error()).Msg("Subscribe failed")
		}
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Error().Err(err).Msg("MQTT connection lost")
	})

	b.client = mqtt.NewClient(co)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("connect mqtt %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		b.client.Disconnect(0)
		return nil, fmt.Errorf("connect mqtt %s: %w", opts.Broker, err)
	}
	return b, nil
}

func (b *MQTTBridge) topic(suffix string) string {
	return subject(b.opts.TopicPrefix, "/", suffix)
}

func (b *MQTTBridge) handleSet(_ mqtt.Client, msg mqtt.Message) {
	b.logger.Debug().Str("topic", msg.Topic()).Bytes("payload", msg.Payload()).Msg("Received command")
	if reply := b.disp.HandleLockPayload(context.Background(), msg.Payload()); !reply.OK {
		b.logger.Warn().Str("error", reply.Error).Msg("Command rejected")
	}
}

// PublishState implements Sink.
func (b *MQTTBridge) PublishState(snap app.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}
	b.client.Publish(b.topic("state"), b.opts.QoS, true, data)
	b.client.Publish(b.topic("lock"), b.opts.QoS, true, lockWord(snap.Lock))
}

// PublishActivity implements Sink.
func (b *MQTTBridge) PublishActivity(e activity.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		b.logger.Error().Err(err).Msg("Failed to marshal activity")
		return
	}
	b.client.Publish(b.topic("activity"), b.opts.QoS, false, data)
}

// Close marks the bridge offline and disconnects.
func (b *MQTTBridge) Close() {
	if b.client.IsConnected() {
		token := b.client.Publish(b.topic("availability"), b.opts.QoS, true, "offline")
		token.WaitTimeout(2 * time.Second)
	}
	b.client.Disconnect(250)
}
