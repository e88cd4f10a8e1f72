package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type webhook struct {
	client   *http.Client
	attempts int
	timeout  time.Duration
	log      *slog.Logger
}

func newWebhook(opts Options, logger *slog.Logger) *webhook {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	attempts := opts.WebhookAttempts
	if attempts <= 0 {
		attempts = 5
	}
	timeout := opts.WebhookTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &webhook{client: client, attempts: attempts, timeout: timeout, log: logger}
}

// deliver POSTs o to its callback URL, retrying network errors and 5xx/408/429.
func (w *webhook) deliver(ctx context.Context, o Outcome) {
	body, err := json.Marshal(o)
	if err != nil {
		w.log.Error("marshal webhook payload", "fingerprint", o.Fingerprint, "error", err)
		return
	}
	log := w.log.With("fingerprint", o.Fingerprint, "callback_url", o.CallbackURL, "event_id", o.ID)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	_, err = backoff.Retry(ctx, func() (int, error) {
		return w.post(ctx, o, body)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(w.attempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Warn("webhook delivery failed, retrying", "error", err, "retry_in", d)
		}),
	)
	if err != nil {
		log.Error("webhook delivery abandoned", "error", err)
		return
	}
	log.Info("webhook delivered", "state", o.State)
}

func (w *webhook) post(ctx context.Context, o Outcome, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "calls-transcriber")
	req.Header.Set("X-Event-ID", o.ID)
	req.Header.Set("X-Job-Fingerprint", o.Fingerprint)

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.StatusCode, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("callback returned %s", resp.Status)
	default:
		return resp.StatusCode, backoff.Permanent(fmt.Errorf("callback rejected with %s", resp.Status))
	}
}
