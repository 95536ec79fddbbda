// Package notify forwards engine events to an MQTT broker.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sashakarcz/leasereaper/internal/config"
	"github.com/sashakarcz/leasereaper/internal/events"
	"github.com/sashakarcz/leasereaper/internal/logger"
)

const publishTimeout = 5 * time.Second

// publisher is the part of mqtt.Client the sink uses
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher publishes events under <prefix>/events/<type>
type Publisher struct {
	client publisher
	prefix string
	qos    byte
}

// Connect dials the broker described by cfg
func Connect(cfg config.MQTTConfig) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetOnConnectHandler(connectHandler)
	opts.SetConnectionLostHandler(connectLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.Info().Str("broker", cfg.Broker).Msg("Connected to MQTT broker")
	return newPublisher(client, cfg.TopicPrefix, cfg.QoS), nil
}

func newPublisher(client publisher, prefix string, qos byte) *Publisher {
	return &Publisher{client: client, prefix: strings.TrimSuffix(prefix, "/"), qos: qos}
}

// Topic returns the topic an event type is published on
func (p *Publisher) Topic(t events.EventType) string {
	return p.prefix + "/events/" + string(t)
}

// Publish sends one event and waits for the broker to accept it
func (p *Publisher) Publish(ev *events.Event) error {
	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}
	token := p.client.Publish(p.Topic(ev.Type), p.qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("timed out publishing event %s", ev.ID)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
	}
	return nil
}

// Run forwards events from sub until ctx is done or the channel closes.
// Publish failures are logged and the event is dropped.
func (p *Publisher) Run(ctx context.Context, sub *events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Channel:
			if !ok {
				return
			}
			if err := p.Publish(ev); err != nil {
				logger.Warn().Err(err).Str("type", string(ev.Type)).Msg("Failed to forward event to MQTT")
			}
		}
	}
}

// Close disconnects from the broker
func (p *Publisher) Close() {
	p.client.Disconnect(250)
	logger.Info().Msg("MQTT client disconnected")
}

var connectHandler mqtt.OnConnectHandler = func(client mqtt.Client) {
	logger.Debug().Msg("MQTT client connected")
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	logger.Warn().Err(err).Msg("MQTT connection lost")
}
