// Package alerts delivers operational alerts to the configured
// channels. The log channel is always on; Telegram joins when a bot
// token is configured. The Dispatcher bridges bus events (paused
// upkeeps, component outages, emergency decisions) into alerts.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/lowkeylabs/crossyield/internal/config"
)

// Severity levels for alerts.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operator-facing notification.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Timestamp time.Time
	Metadata  map[string]interface{}
}

// Alerter delivers an alert over one channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to every configured channel.
type Manager struct {
	alerters []Alerter
	log      zerolog.Logger
}

// NewManager creates an alert manager over the given channels.
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{
		alerters: alerters,
		log:      config.NewLogger("alerts"),
	}
}

// FromConfig assembles the channels named by configuration. The log
// channel is always present; Telegram joins when a token is set.
func FromConfig(cfg config.AlertsConfig) (*Manager, error) {
	alerters := []Alerter{NewLogAlerter()}
	if cfg.TelegramToken != "" {
		tg, err := NewTelegramAlerter(cfg.TelegramToken, []int64{cfg.TelegramChatID})
		if err != nil {
			return nil, err
		}
		alerters = append(alerters, tg)
	}
	return NewManager(alerters...), nil
}

// Send sends an alert to all configured channels. Channel failures are
// logged and the last one returned; one broken channel never silences
// the others.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now().UTC()
	}

	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			m.log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("alert channel send failed")
			lastErr = err
		}
	}
	return lastErr
}

// SendCritical is a convenience method for sending critical alerts.
func (m *Manager) SendCritical(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityCritical,
		Metadata: metadata,
	})
}

// SendWarning is a convenience method for sending warning alerts.
func (m *Manager) SendWarning(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityWarning,
		Metadata: metadata,
	})
}

// SendInfo is a convenience method for sending info alerts.
func (m *Manager) SendInfo(ctx context.Context, title, message string, metadata map[string]interface{}) error {
	return m.Send(ctx, Alert{
		Title:    title,
		Message:  message,
		Severity: SeverityInfo,
		Metadata: metadata,
	})
}

// LogAlerter writes alerts to the component log, so every alert lands
// in the log stream even when no external channel is configured.
type LogAlerter struct {
	log zerolog.Logger
}

// NewLogAlerter creates a new log-based alerter.
func NewLogAlerter() *LogAlerter {
	return &LogAlerter{log: config.NewLogger("alerts")}
}

// Send logs the alert at the level matching its severity.
func (l *LogAlerter) Send(_ context.Context, alert Alert) error {
	event := l.log.Info()
	switch alert.Severity {
	case SeverityCritical:
		event = l.log.Error()
	case SeverityWarning:
		event = l.log.Warn()
	}

	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}

	event.
		Str("title", alert.Title).
		Str("severity", string(alert.Severity)).
		Msg(alert.Message)
	return nil
}
