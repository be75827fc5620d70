// Package webhook delivers signed event notifications to caller-supplied
// URLs. Delivery is best-effort with a short bounded retry; a receiver that
// stays down never fails the job that triggered the event.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-instance-orchestrator/internal/domain"
	obs "github.com/fairyhunter13/gpu-instance-orchestrator/internal/observability"
)

const (
	headerSignature = "X-Webhook-Signature"
	headerTimestamp = "X-Webhook-Timestamp"
)

// Sender posts signed events. With an empty secret the signature header is
// omitted.
type Sender struct {
	httpClient *http.Client
	secret     string
	maxTries   int
}

// New builds a sender. maxTries < 1 defaults to 3.
func New(secret string, timeout time.Duration, maxTries int) *Sender {
	if maxTries < 1 {
		maxTries = 3
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Sender{
		httpClient: &http.Client{Timeout: timeout},
		secret:     secret,
		maxTries:   maxTries,
	}
}

// sign computes the hex HMAC-SHA256 of the raw body bytes. The timestamp
// header is delivery metadata and stays out of the MAC input.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received signature against the exact body bytes.
// Receivers use this; it lives here so both halves share one scheme.
func Verify(secret, signature string, body []byte) bool {
	return hmac.Equal([]byte(sign(secret, body)), []byte(signature))
}

// Send delivers one event, retrying network errors and 5xx responses with a
// fixed 1s/2s/4s ladder. Any 2xx-4xx terminates: a 4xx means the receiver
// saw and rejected the delivery, which retrying will not change.
func (s *Sender) Send(ctx context.Context, url string, ev domain.WebhookEvent) error {
	if url == "" {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=webhook.Send: %w", err)
	}
	log := obs.LoggerFromContext(ctx)

	var lastErr error
	for attempt := 1; attempt <= s.maxTries; attempt++ {
		if attempt > 1 {
			delay := time.Duration(1<<(attempt-2)) * time.Second
			select {
			case <-ctx.Done():
				return fmt.Errorf("op=webhook.Send: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
		code, err := s.post(ctx, url, body)
		if err == nil && code < 500 {
			if code >= 400 {
				observability.WebhooksSentTotal.WithLabelValues("rejected").Inc()
				log.Warn("webhook rejected by receiver",
					"url", url, "status", code, "event_status", ev.Status)
				return nil
			}
			observability.WebhooksSentTotal.WithLabelValues("success").Inc()
			return nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("receiver returned %d", code)
		}
	}
	observability.WebhooksSentTotal.WithLabelValues("failed").Inc()
	log.Warn("webhook delivery exhausted retries",
		"url", url, "event_status", ev.Status, "error", lastErr)
	return fmt.Errorf("op=webhook.Send: %w", lastErr)
}

func (s *Sender) post(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	if s.secret != "" {
		req.Header.Set(headerSignature, sign(s.secret, body))
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
