package presence

import (
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	DefaultBrokerURL = "wss://broker.emqx.io:8084/mqtt"

	mqttConnectTimeout = 30 * time.Second
	mqttPublishTimeout = 5 * time.Second
)

// MQTTTransport is a Transport backed by a public MQTT broker. The
// same broker also carries WebRTC signaling, on separate topics.
type MQTTTransport struct {
	client mqtt.Client
	logger *slog.Logger
}

func NewMQTTTransport(brokerURL string, logger *slog.Logger) (*MQTTTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID("tronsfer_" + uuid.NewString()[:8]).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: connect to %s timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: connect to %s: %w", brokerURL, err)
	}

	return &MQTTTransport{client: client, logger: logger}, nil
}

func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	token := t.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	return token.Error()
}

func (t *MQTTTransport) Subscribe(topic string, handler func(payload []byte)) (func(), error) {
	token := t.client.Subscribe(topic, 0, func(_ mqtt.Client, m mqtt.Message) {
		handler(m.Payload())
	})
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("mqtt: subscribe to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt: subscribe to %s: %w", topic, err)
	}

	unsubscribe := func() {
		tok := t.client.Unsubscribe(topic)
		if !tok.WaitTimeout(mqttPublishTimeout) {
			t.logger.Debug("MQTT unsubscribe timed out", "topic", topic)
		}
	}
	return unsubscribe, nil
}

func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}
