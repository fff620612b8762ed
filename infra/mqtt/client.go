// Package mqtt publishes real-time fleet updates to an MQTT broker.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/kilianp07/dronefleet/core/realtime"
	"github.com/kilianp07/dronefleet/infra/logger"
)

// Config holds the broker connection settings.
type Config struct {
	Broker      string `json:"broker"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         byte   `json:"qos"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.ClientID == "" {
		c.ClientID = "dronefleet"
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "fleet"
	}
}

// pahoClient is the slice of the paho client the publisher uses, kept as
// an interface so tests can inject a fake.
type pahoClient interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
}

// newMQTTClient builds and connects the real paho client. Overridden in
// tests.
var newMQTTClient = func(cfg Config) (pahoClient, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	client := paho.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", cfg.Broker, token.Error())
	}
	return client, nil
}

// Publisher implements realtime.Sink over MQTT. Every message is a JSON
// envelope on a kind-specific topic under the configured prefix.
type Publisher struct {
	cfg    Config
	client pahoClient
	log    logger.Logger
}

// NewPublisher connects to the broker and returns a Publisher.
func NewPublisher(cfg Config) (*Publisher, error) {
	cfg.SetDefaults()
	client, err := newMQTTClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg, client: client, log: logger.New("mqtt-publisher")}, nil
}

type envelope struct {
	Kind      realtime.Kind `json:"kind"`
	Subject   string        `json:"subject"`
	Payload   any           `json:"payload"`
	Timestamp time.Time     `json:"ts"`
}

// Publish sends the payload on the topic for its kind and subject.
func (p *Publisher) Publish(subject string, kind realtime.Kind, payload any) error {
	body, err := json.Marshal(envelope{Kind: kind, Subject: subject, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", kind, err)
	}
	topic := p.topicFor(kind, subject)
	token := p.client.Publish(topic, p.cfg.QoS, false, body)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.log.Debugw("published", map[string]any{"topic": topic, "kind": kind})
	return nil
}

func (p *Publisher) topicFor(kind realtime.Kind, subject string) string {
	var channel string
	switch kind {
	case realtime.KindDroneGPS:
		channel = "gps"
	case realtime.KindDeliveryProgress:
		channel = "progress"
	case realtime.KindDroneStatus:
		channel = "status"
	case realtime.KindDeliveryETA:
		channel = "eta"
	case realtime.KindFleetStatus:
		channel = "fleet"
	default:
		channel = string(kind)
	}
	return fmt.Sprintf("%s/%s/%s", p.cfg.TopicPrefix, channel, subject)
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
