package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tis24dev/rcbackup/internal/config"
	"github.com/tis24dev/rcbackup/internal/logging"
	"github.com/tis24dev/rcbackup/internal/orchestrator"
	"github.com/tis24dev/rcbackup/internal/storage"
	"github.com/tis24dev/rcbackup/internal/types"
)

func testLogger() *logging.Logger {
	logger := logging.New(types.LogLevelError, false)
	logger.SetOutput(io.Discard)
	return logger
}

func sampleData(err error) *NotificationData {
	summary := orchestrator.Summary{
		Job:          "DOCS",
		RunID:        "run-1",
		State:        types.StateDelivered,
		Files:        3,
		ArchiveBytes: 2048,
		Delivery:     storage.Delivery{Location: "backup@vault:/srv/docs.tar.gz"},
	}
	return NewNotificationData(summary, err, 1500*time.Millisecond)
}

func notifier(settings config.NotifySettings) *WebhookNotifier {
	w := NewWebhookNotifier(settings, "1.0.0", testLogger())
	w.retryDelay = time.Millisecond
	w.rateLimit = time.Millisecond
	return w
}

func TestNewNotificationData(t *testing.T) {
	ok := sampleData(nil)
	assert.Equal(t, StatusSuccess, ok.Status)
	assert.Equal(t, 0, ok.ExitCode)
	assert.Empty(t, ok.Error)
	assert.Equal(t, "backup@vault:/srv/docs.tar.gz", ok.Location)

	failed := sampleData(types.NewError(types.KindTransfer, "deliver", errors.New("refused")))
	assert.Equal(t, StatusFailure, failed.Status)
	assert.Equal(t, int(types.ExitStorageError), failed.ExitCode)
	assert.Contains(t, failed.Error, "refused")
}

func TestGenericWebhookWithHMAC(t *testing.T) {
	var got map[string]any
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signature = r.Header.Get("X-Signature")
		assert.Equal(t, generateHMACSignature(body, "s3cret"), signature)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "rcbackup/1.0.0", r.Header.Get("User-Agent"))
		assert.Equal(t, "ops", r.Header.Get("X-Team"))
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	w := notifier(config.NotifySettings{Webhooks: []config.WebhookEndpoint{{
		Name:    "ops",
		URL:     srv.URL + "/hook",
		Headers: map[string]string{"X-Team": "ops", "Host": "evil"},
		Auth:    config.WebhookAuth{Type: "hmac", Secret: "s3cret"},
	}}})

	result, err := w.Send(context.Background(), sampleData(errors.New("boom")))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, signature)
	assert.Equal(t, "failure", got["status"])
	assert.Equal(t, "DOCS", got["job"])
	assert.Equal(t, "boom", got["error"])
	assert.Equal(t, "delivered", got["state"])
	assert.Equal(t, "1.0.0", got["version"])
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := notifier(config.NotifySettings{MaxRetries: 2, Webhooks: []config.WebhookEndpoint{{
		Name: "ops", URL: srv.URL, Auth: config.WebhookAuth{Type: "bearer", Token: "tok"},
	}}})
	result, err := w.Send(context.Background(), sampleData(nil))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "u", user)
		assert.Equal(t, "p", pass)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	w := notifier(config.NotifySettings{MaxRetries: 3, Webhooks: []config.WebhookEndpoint{{
		Name: "ops", URL: srv.URL, Auth: config.WebhookAuth{Type: "basic", User: "u", Pass: "p"},
	}}})
	result, err := w.Send(context.Background(), sampleData(nil))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, errPermanent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRateLimitRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	w := notifier(config.NotifySettings{MaxRetries: 1, Webhooks: []config.WebhookEndpoint{{Name: "ops", URL: srv.URL}}})
	result, err := w.Send(context.Background(), sampleData(nil))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, result.Error.Error(), "429")
}

func TestOneEndpointIsEnough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Contains(t, payload, "embeds")
	}))
	defer srv.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer down.Close()

	w := notifier(config.NotifySettings{DefaultFormat: "discord", Webhooks: []config.WebhookEndpoint{
		{Name: "gone", URL: down.URL},
		{Name: "chat", URL: srv.URL},
	}})
	result, err := w.Send(context.Background(), sampleData(nil))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NoError(t, result.Error)
}

func TestShouldNotify(t *testing.T) {
	w := notifier(config.NotifySettings{Webhooks: []config.WebhookEndpoint{{URL: "http://x"}}})
	assert.True(t, w.IsEnabled())
	assert.False(t, w.ShouldNotify(sampleData(nil)))
	assert.True(t, w.ShouldNotify(sampleData(errors.New("x"))))

	w.settings.OnSuccess = true
	assert.True(t, w.ShouldNotify(sampleData(nil)))

	assert.False(t, notifier(config.NotifySettings{}).IsEnabled())
	var nilNotifier *WebhookNotifier
	assert.False(t, nilNotifier.IsEnabled())
}

func TestDispatchSkipsSuccessByDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	w := notifier(config.NotifySettings{Webhooks: []config.WebhookEndpoint{{Name: "ops", URL: srv.URL}}})
	Dispatch(context.Background(), testLogger(), w, sampleData(nil))
	assert.Zero(t, calls.Load())
	Dispatch(context.Background(), testLogger(), w, sampleData(errors.New("boom")))
	assert.Equal(t, int32(1), calls.Load())
	Dispatch(context.Background(), testLogger(), nil, sampleData(errors.New("boom")))
}

func TestCancelledContextStopsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := notifier(config.NotifySettings{MaxRetries: 5, Webhooks: []config.WebhookEndpoint{{Name: "ops", URL: srv.URL}}})
	w.retryDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	result, err := w.Send(ctx, sampleData(errors.New("x")))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Error, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPayloadFormats(t *testing.T) {
	data := sampleData(nil)
	slack := buildPayload("slack", data)
	assert.Contains(t, slack["text"], "DOCS")
	assert.Len(t, slack["blocks"], 3)

	generic := buildPayload("unknown", data)
	assert.Equal(t, "success", generic["status"])
	assert.NotContains(t, generic, "error")
}

func TestMasking(t *testing.T) {
	assert.Equal(t, "https://hooks.example.com/***MASKED***?***MASKED***", MaskURL("https://hooks.example.com/T000/B000/XXXX?token=abc"))
	assert.Equal(t, "https://hooks.example.com", MaskURL("https://hooks.example.com"))
	assert.Equal(t, "***INVALID_URL***", MaskURL("not a url"))

	assert.Equal(t, "Bear***MASKED***", maskHeaderValue("Authorization", "Bearer abcdefgh"))
	assert.Equal(t, "***MASKED***", maskHeaderValue("X-Api-Key", "short"))
	assert.Equal(t, "ops", maskHeaderValue("X-Team", "ops"))
}
