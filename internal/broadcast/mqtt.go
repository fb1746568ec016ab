package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/rasd/surveillance-server/internal/logger"
)

// MQTTPublisher is the part of mqtt.Client the sink uses.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// ConnectMQTT connects to broker (host:port) with auto-reconnect.
func ConnectMQTT(ctx context.Context, broker, clientID string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", broker))
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		logger.Info("MQTT", "Connected to %s as %s", broker, clientID)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		logger.Warn("MQTT", "Connection to %s lost, reconnecting: %v", broker, err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()

	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return client, nil
}

// MQTTSink forwards alerts, lifecycle and task completion events to <prefix>/<event>.
// Frames and progress ticks stay off the broker.
type MQTTSink struct {
	client    MQTTPublisher
	prefix    string
	published atomic.Uint64
	errors    atomic.Uint64
}

func NewMQTTSink(client MQTTPublisher, prefix string) *MQTTSink {
	return &MQTTSink{client: client, prefix: prefix}
}

func (s *MQTTSink) forwards(name string) bool {
	switch name {
	case EventAlert, EventStreamStarted, EventStreamStopped, EventStreamError,
		EventTaskCompleted, EventTaskError:
		return true
	}
	return false
}

func (s *MQTTSink) Publish(ev Event) {
	if !s.forwards(ev.Name) {
		return
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		s.errors.Add(1)
		logger.Error("MQTT", "Marshal %s: %v", ev.Name, err)
		return
	}

	topic := fmt.Sprintf("%s/%s", s.prefix, ev.Name)
	token := s.client.Publish(topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(2 * time.Second) {
			s.errors.Add(1)
			logger.Warn("MQTT", "Publish to %s timed out", topic)
			return
		}
		if err := token.Error(); err != nil {
			s.errors.Add(1)
			logger.Warn("MQTT", "Publish to %s failed: %v", topic, err)
			return
		}
		s.published.Add(1)
	}()
}

// Stats returns published and failed message counts.
func (s *MQTTSink) Stats() (published, failed uint64) {
	return s.published.Load(), s.errors.Load()
}
