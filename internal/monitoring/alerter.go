package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ef-pipeline/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

// Alert types.
const (
	AlertJobFailureRate AlertType = "job_failure_rate"
	AlertSyncFailure    AlertType = "sync_failure"
	AlertQueueBacklog   AlertType = "queue_backlog"
	AlertCircuitOpen    AlertType = "circuit_open"
)

// Alert is one threshold breach.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against configured thresholds and posts
// breaches to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate returns the alerts the snapshot triggers.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// A handful of finished jobs is too few to call a rate.
	if snap.JobsFinished >= 5 && a.cfg.FailureRateThreshold > 0 && snap.JobFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertJobFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("Import failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.JobFailRate*100, a.cfg.FailureRateThreshold*100, snap.Jobs["failed"], snap.JobsFinished),
			Details: map[string]any{
				"failure_rate": snap.JobFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.Jobs["failed"],
				"finished":     snap.JobsFinished,
			},
			Timestamp: now,
		})
	}

	if snap.SyncsFailed > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertSyncFailure,
			Severity:  "high",
			Message:   fmt.Sprintf("%d index sync run(s) failed in last %dh", snap.SyncsFailed, snap.LookbackHours),
			Details:   map[string]any{"failed": snap.SyncsFailed, "by_status": snap.Syncs},
			Timestamp: now,
		})
	}

	if a.cfg.QueueBacklogMax > 0 && snap.QueueTotal > a.cfg.QueueBacklogMax {
		alerts = append(alerts, Alert{
			Type:      AlertQueueBacklog,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d handoff tasks pending (max %d)", snap.QueueTotal, a.cfg.QueueBacklogMax),
			Details:   map[string]any{"by_kind": snap.QueueDepth},
			Timestamp: now,
		})
	}

	if open := snap.OpenBreakers(); len(open) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertCircuitOpen,
			Severity:  "high",
			Message:   "Circuit open for " + strings.Join(open, ", "),
			Details:   map[string]any{"breakers": open},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts posts alerts to the webhook and returns how many were
// delivered.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)), zap.String("severity", alert.Severity))
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
