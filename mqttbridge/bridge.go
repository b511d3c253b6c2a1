// Package mqttbridge feeds sensor payloads published over MQTT into the
// ingestion service.
package mqttbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"water_monitor/config"
	"water_monitor/ingest"
	"water_monitor/logger"
	"water_monitor/metrics"
	"water_monitor/models"
)

const source = "mqtt"

// Ingester is the ingestion boundary the bridge writes to
type Ingester interface {
	Ingest(ctx context.Context, source string, body map[string]any) (models.Reading, error)
}

// Flusher writes the current state out, e.g. the persistence snapshotter
type Flusher interface {
	Flush(ctx context.Context) error
}

// Bridge keeps one subscription alive, reconnecting with jittered backoff
type Bridge struct {
	addr     string
	topic    string
	clientID string
	qos      byte
	ingester Ingester
	flusher  Flusher
	log      *slog.Logger

	baseDelay time.Duration
	maxDelay  time.Duration
}

// Option configures a Bridge
type Option func(*Bridge)

// WithBackoff sets the first and the largest reconnect delay
func WithBackoff(base, max time.Duration) Option {
	return func(b *Bridge) {
		b.baseDelay = base
		b.maxDelay = max
	}
}

// WithFlusher flushes state through f when handling a message panics
func WithFlusher(f Flusher) Option {
	return func(b *Bridge) { b.flusher = f }
}

// WithLogger replaces the process logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

func New(cfg config.MQTTConfig, ingester Ingester, opts ...Option) *Bridge {
	b := &Bridge{
		addr:      brokerAddress(cfg.Broker),
		topic:     cfg.Topic,
		clientID:  fmt.Sprintf("%s-%s", cfg.ClientID, uuid.NewString()[:8]),
		qos:       cfg.QoS,
		ingester:  ingester,
		log:       logger.Slog().With("component", "mqtt"),
		baseDelay: time.Second,
		maxDelay:  2 * time.Minute,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// brokerAddress accepts host:port with or without a tcp:// or mqtt:// scheme
func brokerAddress(broker string) string {
	for _, scheme := range []string{"tcp://", "mqtt://"} {
		broker = strings.TrimPrefix(broker, scheme)
	}
	if !strings.Contains(broker, ":") {
		broker += ":1883"
	}
	return broker
}

// nextBackoff grows delay by a random 0.5x to 1.5x, capped at max
func nextBackoff(delay, max time.Duration) time.Duration {
	delay += time.Duration(float64(delay) * (0.5 + rand.Float64()))
	if delay <= max {
		return delay
	}
	return max
}

// Run connects, subscribes and serves until ctx is done. Connection failures
// are logged and retried; Run itself only returns when ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	delay := b.baseDelay
	for {
		connected, err := b.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = b.baseDelay
		}
		b.log.Warn("mqtt session ended", "broker", b.addr, "err", err, "retry_in", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = nextBackoff(delay, b.maxDelay)
	}
}

// session runs one connection. connected reports whether the broker accepted it.
func (b *Bridge) session(ctx context.Context) (connected bool, err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", b.addr)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", b.addr, err)
	}
	defer conn.Close()

	lost := make(chan error, 1)
	report := func(err error) {
		select {
		case lost <- err:
		default:
		}
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: b.clientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				b.handle(ctx, pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: report,
		OnServerDisconnect: func(d *paho.Disconnect) {
			report(fmt.Errorf("server disconnected, reason code %d", d.ReasonCode))
		},
	})

	if _, err := client.Connect(ctx, &paho.Connect{
		ClientID:   b.clientID,
		KeepAlive:  30,
		CleanStart: true,
	}); err != nil {
		return false, fmt.Errorf("connect: %w", err)
	}

	if _, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: b.topic, QoS: b.qos}},
	}); err != nil {
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return true, fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	b.log.Info("mqtt subscribed", "broker", b.addr, "topic", b.topic, "client_id", b.clientID)

	select {
	case <-ctx.Done():
		_ = client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return true, nil
	case err := <-lost:
		return true, err
	}
}

// handle ingests one message; bad payloads are logged and counted, never fatal
func (b *Bridge) handle(ctx context.Context, topic string, payload []byte) {
	defer b.recoverPanic(topic)

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		metrics.ReadingsRejected.WithLabelValues(source).Inc()
		b.log.Warn("mqtt payload is not a JSON object", "topic", topic, "err", err)
		return
	}

	if !ingest.HasSensorID(body) {
		if id := SensorIDFromTopic(b.topic, topic); id != "" {
			body["sensor_id"] = id
		}
	}

	reading, err := b.ingester.Ingest(ctx, source, body)
	if err != nil {
		b.log.Warn("mqtt reading rejected", "topic", topic, "err", err)
		return
	}
	b.log.Debug("mqtt reading accepted", "sensor_id", reading.SensorID, "caudal_min", reading.FlowRate)
}

// recoverPanic runs on paho's receive goroutine, where a panic would end the
// process before any final snapshot
func (b *Bridge) recoverPanic(topic string) {
	r := recover()
	if r == nil {
		return
	}
	metrics.ReadingsRejected.WithLabelValues(source).Inc()
	b.log.Error("mqtt handler panicked", "topic", topic, "panic", r)
	if b.flusher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.flusher.Flush(ctx); err != nil {
		b.log.Error("emergency snapshot failed", "err", err)
	}
}

// SensorIDFromTopic returns the topic level matched by the first single-level
// wildcard of filter, e.g. "5" for filter sensors/+/data and topic sensors/5/data
func SensorIDFromTopic(filter, topic string) string {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, level := range fl {
		if i >= len(tl) {
			return ""
		}
		if level == "+" {
			return tl[i]
		}
		if level == "#" {
			return ""
		}
	}
	return ""
}
