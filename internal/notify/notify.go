// Package notify routes persisted alerts to the assigned doctor.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"vitalwatch/internal/config"
	"vitalwatch/internal/metrics"
	"vitalwatch/internal/model"
)

type Notifier interface {
	Notify(ctx context.Context, alert model.Alert) error
	Close() error
}

type Nop struct{}

func (Nop) Notify(context.Context, model.Alert) error { return nil }
func (Nop) Close() error                              { return nil }

type namedNotifier struct {
	name string
	Notifier
}

// Multi fans an alert out to every channel. A failing channel does not stop
// the others; the errors are joined.
type Multi struct {
	targets []namedNotifier
	logger  *slog.Logger
}

func NewMulti(logger *slog.Logger) *Multi {
	return &Multi{logger: logger}
}

func (m *Multi) Add(name string, n Notifier) {
	if n == nil {
		return
	}
	m.targets = append(m.targets, namedNotifier{name: name, Notifier: n})
}

func (m *Multi) Len() int {
	return len(m.targets)
}

func (m *Multi) Notify(ctx context.Context, alert model.Alert) error {
	var errs []error
	for _, t := range m.targets {
		if err := t.Notify(ctx, alert); err != nil {
			metrics.RecordNotificationFailed(t.name)
			if m.logger != nil {
				m.logger.Warn("alert notification failed",
					"channel", t.name,
					"alert_id", alert.ID,
					"doctor_id", alert.DoctorID,
					"err", err,
				)
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Multi) Close() error {
	var errs []error
	for _, t := range m.targets {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the notifiers enabled in cfg. With none enabled it returns Nop.
func New(cfg config.NotifyConfig, logger *slog.Logger) (Notifier, error) {
	multi := NewMulti(logger)
	if cfg.Kafka.Enabled {
		multi.Add("kafka", NewKafka(cfg.Kafka, cfg.Timeout))
	}
	if cfg.MQTT.Enabled {
		n, err := NewMQTT(cfg.MQTT)
		if err != nil {
			_ = multi.Close()
			return nil, err
		}
		multi.Add("mqtt", n)
	}
	if multi.Len() == 0 {
		return Nop{}, nil
	}
	return multi, nil
}

func encodeAlert(alert model.Alert) ([]byte, error) {
	return json.Marshal(alert)
}
