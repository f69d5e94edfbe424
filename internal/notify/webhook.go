package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
)

const (
	defaultWebhookTimeout = 30 * time.Second
	defaultRetryDelay     = 2 * time.Second
	rateLimitDelay        = 10 * time.Second
)

var blockedHeaders = map[string]struct{}{
	"host":              {},
	"content-length":    {},
	"content-type":      {},
	"transfer-encoding": {},
}

// errPermanent marks responses that retrying cannot fix.
var errPermanent = errors.New("permanent failure")

// WebhookNotifier posts job results to the configured endpoints.
type WebhookNotifier struct {
	settings   config.NotifySettings
	version    string
	logger     *logging.Logger
	client     *http.Client
	rateLimit  time.Duration
	retryDelay time.Duration
}

// NewWebhookNotifier creates a notifier for settings.Webhooks. With no
// endpoints the notifier is disabled.
func NewWebhookNotifier(settings config.NotifySettings, version string, logger *logging.Logger) *WebhookNotifier {
	if logger == nil {
		logger = logging.GetDefaultLogger()
	}
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	delay := settings.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	for i, ep := range settings.Webhooks {
		logger.Debug("webhook #%d %q: url=%s format=%s auth=%s headers=%d",
			i+1, ep.Name, MaskURL(ep.URL), ep.Format, ep.Auth.Type, len(ep.Headers))
	}
	return &WebhookNotifier{
		settings:   settings,
		version:    version,
		logger:     logger,
		client:     &http.Client{Timeout: timeout},
		rateLimit:  rateLimitDelay,
		retryDelay: delay,
	}
}

// Name returns the notifier name.
func (w *WebhookNotifier) Name() string { return "Webhook" }

// IsEnabled reports whether any endpoint is configured.
func (w *WebhookNotifier) IsEnabled() bool {
	return w != nil && len(w.settings.Webhooks) > 0
}

// ShouldNotify sends failures always and successes only when on_success
// is set.
func (w *WebhookNotifier) ShouldNotify(data *NotificationData) bool {
	return data.Status != StatusSuccess || w.settings.OnSuccess
}

// Send posts data to every endpoint. It succeeds when at least one
// endpoint accepted the notification.
func (w *WebhookNotifier) Send(ctx context.Context, data *NotificationData) (*NotificationResult, error) {
	start := time.Now()
	if !w.IsEnabled() {
		return &NotificationResult{Method: "webhook", Error: errors.New("no webhook endpoints configured")}, nil
	}

	if data.Version == "" {
		stamped := *data
		stamped.Version = w.version
		data = &stamped
	}

	var succeeded int
	var lastErr error
	for _, ep := range w.settings.Webhooks {
		if err := w.sendToEndpoint(ctx, ep, data); err != nil {
			w.logger.Warning("webhook %q: %v", ep.Name, err)
			lastErr = err
			continue
		}
		succeeded++
	}

	result := &NotificationResult{
		Success:  succeeded > 0,
		Method:   "webhook",
		Duration: time.Since(start),
	}
	if succeeded == 0 && lastErr != nil {
		result.Error = fmt.Errorf("all %d endpoints failed: %w", len(w.settings.Webhooks), lastErr)
	}
	w.logger.Debug("webhooks for %s: %d/%d delivered in %dms", data.Job, succeeded, len(w.settings.Webhooks), result.Duration.Milliseconds())
	return result, nil
}

func (w *WebhookNotifier) sendToEndpoint(ctx context.Context, ep config.WebhookEndpoint, data *NotificationData) error {
	format := ep.Format
	if format == "" {
		format = w.settings.DefaultFormat
	}
	payload, err := json.Marshal(buildPayload(format, data))
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	parsed, err := url.Parse(ep.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("invalid URL scheme %q", parsed.Scheme)
	}
	method := strings.ToUpper(strings.TrimSpace(ep.Method))
	if method == "" {
		method = http.MethodPost
	}

	maxRetries := max(w.settings.MaxRetries, 0)
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			w.logger.Debug("webhook %q: retry %d/%d", ep.Name, attempt, maxRetries)
			if err := sleepCtx(ctx, w.retryDelay); err != nil {
				return err
			}
		}

		err := w.post(ctx, method, parsed.String(), ep, payload)
		if err == nil {
			w.logger.Debug("webhook %q delivered to %s", ep.Name, MaskURL(ep.URL))
			return nil
		}
		if errors.Is(err, errPermanent) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		var rl *rateLimitError
		if errors.As(err, &rl) && attempt < maxRetries {
			if err := sleepCtx(ctx, w.rateLimit); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", maxRetries+1, lastErr)
}

type rateLimitError struct{}

func (*rateLimitError) Error() string { return "rate limit exceeded (HTTP 429)" }

func (w *WebhookNotifier) post(ctx context.Context, method, target string, ep config.WebhookEndpoint, payload []byte) error {
	var body io.Reader
	if method != http.MethodGet && method != http.MethodHead {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "rcbackup/"+w.version)
	for k, v := range ep.Headers {
		name := strings.ToLower(strings.TrimSpace(k))
		if name == "" {
			continue
		}
		if _, blocked := blockedHeaders[name]; blocked {
			w.logger.Warning("webhook %q: skipped protected header %s", ep.Name, k)
			continue
		}
		req.Header.Set(k, v)
		w.logger.Debug("webhook %q header %s: %s", ep.Name, k, maskHeaderValue(k, v))
	}
	if err := applyAuthentication(req, ep.Auth, payload); err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	detail := strings.TrimSpace(string(respBody))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusBadRequest, code == http.StatusUnauthorized,
		code == http.StatusForbidden, code == http.StatusNotFound:
		return fmt.Errorf("%w: HTTP %d %s", errPermanent, code, detail)
	case code == http.StatusTooManyRequests:
		return &rateLimitError{}
	default:
		return fmt.Errorf("HTTP %d: %s", code, detail)
	}
}

func applyAuthentication(req *http.Request, auth config.WebhookAuth, payload []byte) error {
	switch strings.ToLower(auth.Type) {
	case "", "none":
		return nil
	case "bearer":
		if auth.Token == "" {
			return errors.New("bearer token is empty")
		}
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	case "basic":
		if auth.User == "" || auth.Pass == "" {
			return errors.New("basic auth user or password is empty")
		}
		credentials := base64.StdEncoding.EncodeToString([]byte(auth.User + ":" + auth.Pass))
		req.Header.Set("Authorization", "Basic "+credentials)
	case "hmac", "hmac-sha256":
		if auth.Secret == "" {
			return errors.New("HMAC secret is empty")
		}
		req.Header.Set("X-Signature", generateHMACSignature(payload, auth.Secret))
		req.Header.Set("X-Signature-Algorithm", "hmac-sha256")
	default:
		return fmt.Errorf("unknown auth type: %s", auth.Type)
	}
	return nil
}

func generateHMACSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// MaskURL keeps only the scheme and host of a webhook URL, which usually
// embeds its token in the path or query.
func MaskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "***INVALID_URL***"
	}
	var b strings.Builder
	b.WriteString(parsed.Scheme)
	b.WriteString("://")
	b.WriteString(parsed.Host)
	if parsed.Path != "" && parsed.Path != "/" {
		b.WriteString("/***MASKED***")
	}
	if parsed.RawQuery != "" {
		b.WriteString("?***MASKED***")
	}
	return b.String()
}

func maskHeaderValue(key, value string) string {
	key = strings.ToLower(key)
	if strings.Contains(key, "auth") || strings.Contains(key, "token") || strings.Contains(key, "key") || strings.Contains(key, "secret") {
		if len(value) > 10 {
			return value[:4] + "***MASKED***"
		}
		return "***MASKED***"
	}
	return value
}
