package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultDelimiter separates endpoint URLs in a target list.
	DefaultDelimiter = ";"

	HeaderTimestamp = "x-webhook-timestamp"
	HeaderSignature = "x-webhook-signature"
)

// DeliveryOptions are applied to every request of one fan-out.
type DeliveryOptions struct {
	// Token is sent as a bearer credential.
	Token string
	// Timestamp defaults to the send time in RFC 3339.
	Timestamp string
	// Signature falls back to Token when empty.
	Signature string
	DryRun    bool
}

// DeliveryResult is the outcome for one endpoint.
type DeliveryResult struct {
	URL     string `json:"url"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DeliveryStats aggregates a fan-out.
type DeliveryStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

// Webhook fans one JSON payload out to several endpoints.
type Webhook struct {
	client    *http.Client
	logger    *slog.Logger
	delimiter string
	now       func() time.Time
}

// WebhookOption customizes a Webhook.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithDelimiter changes the target separator.
func WithDelimiter(d string) WebhookOption {
	return func(w *Webhook) {
		if d != "" {
			w.delimiter = d
		}
	}
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		if d > 0 {
			w.client = &http.Client{Timeout: d}
		}
	}
}

func NewWebhook(logger *slog.Logger, opts ...WebhookOption) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Webhook{
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		delimiter: DefaultDelimiter,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SplitTargets splits a delimiter-separated URL list, dropping blanks.
func (w *Webhook) SplitTargets(targets string) []string {
	var urls []string
	for _, part := range strings.Split(targets, w.delimiter) {
		if u := strings.TrimSpace(part); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// Deliver posts payload to every target concurrently. Results keep the
// target order. A dry run makes no request and reports every target as
// unsuccessful without an error.
func (w *Webhook) Deliver(ctx context.Context, targets string, payload any, opts DeliveryOptions) []DeliveryResult {
	urls := w.SplitTargets(targets)
	results := make([]DeliveryResult, len(urls))
	if len(urls) == 0 {
		return results
	}

	body, err := json.Marshal(payload)
	if err != nil {
		for i, u := range urls {
			results[i] = DeliveryResult{URL: u, Error: fmt.Sprintf("encode payload: %v", err)}
		}
		return results
	}

	if opts.DryRun {
		w.logger.Info("dry run: webhook not sent", "targets", urls, "payload", string(body))
		for i, u := range urls {
			results[i] = DeliveryResult{URL: u}
		}
		return results
	}

	timestamp := opts.Timestamp
	if timestamp == "" {
		timestamp = w.now().UTC().Format(time.RFC3339Nano)
	}
	signature := opts.Signature
	if signature == "" {
		signature = opts.Token
	}

	var wg sync.WaitGroup
	for i, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = w.post(ctx, u, body, timestamp, signature, opts.Token)
		}()
	}
	wg.Wait()
	return results
}

func (w *Webhook) post(ctx context.Context, url string, body []byte, timestamp, signature, token string) DeliveryResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{URL: url, Error: fmt.Sprintf("create webhook request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderSignature, signature)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("webhook delivery failed", "url", url, "err", err)
		return DeliveryResult{URL: url, Error: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("webhook request failed with status %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		w.logger.Warn("webhook delivery failed", "url", url, "status", resp.StatusCode)
		return DeliveryResult{URL: url, Error: msg}
	}
	return DeliveryResult{URL: url, Success: true}
}

// Stats counts successful and failed deliveries.
func Stats(results []DeliveryResult) DeliveryStats {
	stats := DeliveryStats{Total: len(results)}
	for _, r := range results {
		if r.Success {
			stats.Successful++
		}
	}
	stats.Failed = stats.Total - stats.Successful
	return stats
}

// HasSuccessful reports whether at least one endpoint accepted the payload.
func HasSuccessful(results []DeliveryResult) bool {
	for _, r := range results {
		if r.Success {
			return true
		}
	}
	return false
}
