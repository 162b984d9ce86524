// Package mqttbridge publishes the results of operations to an MQTT broker, one message per
// Result.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sharnoff/strobe"
)

// Publisher is the part of [mqtt.Client] used by the Bridge
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type Config struct {
	Broker   string
	ClientID string
	Topic    string
	QoS      byte
}

// Connect connects to the broker, reconnecting automatically if the connection is lost.
func Connect(ctx context.Context, cfg Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("mqttbridge: connection established", "broker", cfg.Broker, "client_id", cfg.ClientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("mqttbridge: connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// Bridge publishes Results under a topic prefix
type Bridge struct {
	client  Publisher
	topic   string
	qos     byte
	timeout time.Duration
	logger  *slog.Logger

	mu        sync.Mutex
	published uint64
	errors    uint64
}

func New(client Publisher, topic string, qos byte, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		client:  client,
		topic:   strings.TrimSuffix(topic, "/"),
		qos:     qos,
		timeout: 2 * time.Second,
		logger:  logger,
	}
}

// Message is the JSON payload published for each Result
type Message struct {
	Context    string `json:"context"`
	Successful bool   `json:"successful"`
	Value      any    `json:"value,omitempty"`
	Error      string `json:"error,omitempty"`
}

func messageFor(r strobe.Result) Message {
	m := Message{Context: fmt.Sprint(r.Context), Successful: r.Successful}
	if !r.Successful {
		m.Error = r.Err().Error()
		return m
	}

	switch v := r.Value.(type) {
	case fmt.Stringer:
		m.Value = v.String()
	default:
		m.Value = v
	}
	return m
}

// Topic returns the topic a Result is published to: the prefix followed by the Result's context
func (b *Bridge) Topic(r strobe.Result) string {
	ctx := strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(fmt.Sprint(r.Context))
	return b.topic + "/" + ctx
}

// Publish publishes a single Result
func (b *Bridge) Publish(r strobe.Result) error {
	topic := b.Topic(r)
	payload, err := json.Marshal(messageFor(r))
	if err != nil {
		b.countError()
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	token := b.client.Publish(topic, b.qos, false, payload)
	if !token.WaitTimeout(b.timeout) {
		b.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		b.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	b.mu.Lock()
	b.published += 1
	b.mu.Unlock()

	b.logger.Debug("mqttbridge: result published", "topic", topic, "size", len(payload))
	return nil
}

// Forward publishes every Result from s until it ends, returning how many were published.
// Publishing failures are logged and don't stop forwarding.
func (b *Bridge) Forward(ctx context.Context, s *strobe.ResultStreamer) int {
	n := 0
	for r := range s.All(ctx) {
		if err := b.Publish(r); err != nil {
			b.logger.Warn("mqttbridge: failed to publish result", "context", fmt.Sprint(r.Context), "error", err)
			continue
		}
		n += 1
	}
	return n
}

type Stats struct {
	Published uint64
	Errors    uint64
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{Published: b.published, Errors: b.errors}
}

func (b *Bridge) countError() {
	b.mu.Lock()
	b.errors += 1
	b.mu.Unlock()
}
