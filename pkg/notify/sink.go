// Package notify posts rollback and alert events to external webhook
// sinks. A failed rollback is the highest-severity condition in the
// system and goes to a distinct critical channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

// Sink delivers NotifyEvent payloads. Delivery failures are logged, not
// propagated: notification is best-effort and never blocks or fails a
// rollback decision.
type Sink struct {
	webhookURL  string
	criticalURL string
	client      *http.Client
	logger      *slog.Logger
}

func NewSink(webhookURL, criticalURL string, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		webhookURL:  webhookURL,
		criticalURL: criticalURL,
		client:      &http.Client{Timeout: 10 * time.Second},
		logger:      logger,
	}
}

// Notify posts to the normal channel
func (s *Sink) Notify(ctx context.Context, ev models.NotifyEvent) {
	s.post(ctx, s.webhookURL, "normal", ev)
}

// NotifyCritical posts to the critical channel, falling back to the
// normal channel when no critical webhook is configured.
func (s *Sink) NotifyCritical(ctx context.Context, ev models.NotifyEvent) {
	url := s.criticalURL
	channel := "critical"
	if url == "" {
		url = s.webhookURL
		channel = "normal"
	}
	s.post(ctx, url, channel, ev)
}

func (s *Sink) post(ctx context.Context, url, channel string, ev models.NotifyEvent) {
	if url == "" {
		s.logger.Debug("no webhook configured, dropping notification", "event", ev.Event, "reason", ev.Reason)
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to encode notification", "err", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		s.logger.Warn("failed to build notification request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("notification delivery failed", "channel", channel, "err", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		s.logger.Warn("notification rejected", "channel", channel, "status", resp.StatusCode,
			"err", fmt.Sprintf("webhook returned %d", resp.StatusCode))
		return
	}
	s.logger.Info("notification delivered", "channel", channel, "event", ev.Event, "target", ev.Target)
}
