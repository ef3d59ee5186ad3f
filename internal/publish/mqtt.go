// Package publish forwards congestion events to external message brokers.
//
// Both publishers implement broadcast.Subscriber and report themselves as
// durable: a failed publish is counted by the hub but the publisher stays
// registered, since the client libraries reconnect on their own.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"traffic-congestion-monitor/internal/models"
)

// DefaultMQTTTopic is where congestion events are published
const DefaultMQTTTopic = "traffic/congestion/events"

const (
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttDisconnectMs   = 1000
)

var errPublishTimeout = errors.New("publish timeout")

// MQTTConfig selects the broker and topic
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
	Retained bool
}

// mqttClient is the subset of paho.Client the publisher needs
type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// MQTTPublisher publishes every event as JSON to one topic.
type MQTTPublisher struct {
	client   mqttClient
	topic    string
	qos      byte
	retained bool
	timeout  time.Duration
	log      *slog.Logger
}

// NewMQTTPublisher connects to cfg.Broker. The client keeps retrying in the
// background after the first connection.
func NewMQTTPublisher(cfg MQTTConfig, log *slog.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker address is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "traffic-congestion-monitor"
	}
	if log == nil {
		log = slog.Default()
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn("mqtt connection lost", "broker", cfg.Broker, "err", err)
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	return newMQTTPublisherWithClient(cfg, client, log), nil
}

func newMQTTPublisherWithClient(cfg MQTTConfig, client mqttClient, log *slog.Logger) *MQTTPublisher {
	if cfg.Topic == "" {
		cfg.Topic = DefaultMQTTTopic
	}
	return &MQTTPublisher{
		client:   client,
		topic:    cfg.Topic,
		qos:      cfg.QoS,
		retained: cfg.Retained,
		timeout:  mqttPublishTimeout,
		log:      log.With("component", "mqtt_publisher", "topic", cfg.Topic),
	}
}

func (p *MQTTPublisher) ID() string { return "mqtt:" + p.topic }

func (p *MQTTPublisher) Durable() bool { return true }

// IsConnected reports whether the broker connection is up
func (p *MQTTPublisher) IsConnected() bool { return p.client.IsConnected() }

// Deliver publishes ev and waits for the token, bounded by ctx and the
// publish timeout.
func (p *MQTTPublisher) Deliver(ctx context.Context, ev models.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	timeout := p.timeout
	if d, ok := ctx.Deadline(); ok {
		if remaining := time.Until(d); remaining < timeout {
			timeout = remaining
		}
	}

	token := p.client.Publish(p.topic, p.qos, p.retained, payload)
	if !token.WaitTimeout(timeout) {
		return errPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker
func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(mqttDisconnectMs)
	p.log.Info("mqtt publisher closed")
	return nil
}
