package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/deepfake-detector/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFakeRate    AlertType = "fake_rate"
	AlertCircuitOpen AlertType = "circuit_open"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// A zero threshold disables the fake rate check.
	if a.cfg.FakeRateThreshold > 0 && snap.Detections >= a.cfg.MinDetections && snap.FakeRate > a.cfg.FakeRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertFakeRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Fake rate %.1f%% exceeds threshold %.1f%% (%d fake / %d detections)",
				snap.FakeRate*100, a.cfg.FakeRateThreshold*100,
				snap.FakeDetections, snap.Detections,
			),
			Details: map[string]any{
				"fake_rate":  snap.FakeRate,
				"threshold":  a.cfg.FakeRateThreshold,
				"fake":       snap.FakeDetections,
				"detections": snap.Detections,
			},
			Timestamp: now,
		})
	}

	if snap.OpenBreakers > 0 {
		var open []string
		for name, state := range snap.Breakers {
			if state == "open" {
				open = append(open, name)
			}
		}
		sort.Strings(open)
		alerts = append(alerts, Alert{
			Type:     AlertCircuitOpen,
			Severity: "high",
			Message:  fmt.Sprintf("Circuit open for %d model(s): %s", len(open), strings.Join(open, ", ")),
			Details: map[string]any{
				"models": open,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
