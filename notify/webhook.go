package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookConfig configures an HTTP webhook sink
type WebhookConfig struct {
	Name       string            `mapstructure:"name"`
	URL        string            `mapstructure:"url"`
	Method     string            `mapstructure:"method"`
	Headers    map[string]string `mapstructure:"headers"`
	MaxRetries int               `mapstructure:"max_retries"`
	Backoff    time.Duration     `mapstructure:"backoff"`
	Timeout    time.Duration     `mapstructure:"timeout"`
}

// errPermanent marks responses that retrying will not fix
var errPermanent = errors.New("permanent webhook failure")

// WebhookSink POSTs notices as JSON, retrying transport errors and 5xx/429
// responses with exponential backoff
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
	logger *zap.SugaredLogger
}

// NewWebhookSink creates a webhook sink
func NewWebhookSink(cfg WebhookConfig, logger *zap.SugaredLogger) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.Name == "" {
		cfg.Name = "webhook"
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookSink{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
		logger: logger,
	}, nil
}

// Name implements Sink
func (w *WebhookSink) Name() string { return w.cfg.Name }

// Send implements Sink
func (w *WebhookSink) Send(ctx context.Context, notice ExecutionNotice) error {
	body, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	backoff := w.cfg.Backoff
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("webhook retry aborted after %d attempts: %w", attempt, lastErr)
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		lastErr = w.post(ctx, body)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, errPermanent) {
			return lastErr
		}
		w.logger.Warnw("Webhook delivery failed", "sink", w.cfg.Name, "execution_id", notice.ExecutionID,
			"attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

func (w *WebhookSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, w.cfg.Method, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w: %v", errPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Argus/1.0")
	for key, value := range w.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		if err := resp.Body.Close(); err != nil {
			w.logger.Debugf("Failed to close response body: %v", err)
		}
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	default:
		return fmt.Errorf("%w: webhook returned status %d", errPermanent, resp.StatusCode)
	}
}

// Close implements Sink
func (w *WebhookSink) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
