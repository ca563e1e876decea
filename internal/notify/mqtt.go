package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"vitalwatch/internal/config"
	"vitalwatch/internal/model"
)

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes each alert to <prefix>/<doctor_id>/alerts.
type MQTT struct {
	client  publisher
	close   func()
	prefix  string
	qos     byte
	timeout time.Duration
}

func NewMQTT(cfg config.MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	m := newMQTT(client, cfg.TopicPrefix, cfg.QoS)
	m.close = func() { client.Disconnect(250) }
	return m, nil
}

func newMQTT(client publisher, prefix string, qos byte) *MQTT {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = "vitalwatch/doctors"
	}
	return &MQTT{client: client, prefix: prefix, qos: qos, timeout: 10 * time.Second}
}

func (m *MQTT) Topic(doctorID string) string {
	return m.prefix + "/" + doctorID + "/alerts"
}

func (m *MQTT) Notify(ctx context.Context, alert model.Alert) error {
	payload, err := encodeAlert(alert)
	if err != nil {
		return err
	}
	topic := m.Topic(alert.DoctorID)
	token := m.client.Publish(topic, m.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.timeout):
		return fmt.Errorf("publish to %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

func (m *MQTT) Close() error {
	if m.close != nil {
		m.close()
	}
	return nil
}
