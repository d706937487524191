package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingDeploy records invocations and optionally blocks until released.
type countingDeploy struct {
	count   int32
	block   chan struct{}
	started chan struct{}
}

func (d *countingDeploy) run(ctx context.Context) error {
	atomic.AddInt32(&d.count, 1)
	if d.started != nil {
		d.started <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeSecret(t *testing.T, secret string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "webhook_secret")
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}
	return path
}

func testServer(t *testing.T, deploy DeployFunc) *Server {
	t.Helper()
	s, err := NewServer(Options{
		ListenAddr:        "127.0.0.1:0",
		SecretFile:        writeSecret(t, "test-secret-key"),
		AllowedEventTypes: []string{"push"},
		AllowedRefs:       []string{"refs/heads/main"},
	}, deploy, testLogger())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}
	return s
}

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(t *testing.T, body []byte, secret, event string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	if secret != "" {
		req.Header.Set("X-Hub-Signature-256", sign(body, secret))
	}
	return req
}

func TestNewServerMissingSecretFile(t *testing.T) {
	_, err := NewServer(Options{SecretFile: filepath.Join(t.TempDir(), "absent")}, nil, testLogger())
	if err == nil {
		t.Fatal("expected error for missing secret file")
	}
}

func TestHandleWebhookMethodAndContentType(t *testing.T) {
	s := testServer(t, (&countingDeploy{}).run)

	rec := httptest.NewRecorder()
	s.handleWebhook(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	s.handleWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("text/plain status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleWebhookRejectsBadSignature(t *testing.T) {
	deploy := &countingDeploy{}
	s := testServer(t, deploy.run)
	body := []byte(`{"ref": "refs/heads/main"}`)

	// No signature at all.
	rec := httptest.NewRecorder()
	s.handleWebhook(rec, pushRequest(t, body, "", "push"))
	if rec.Code != http.StatusForbidden {
		t.Errorf("unsigned status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	// Signed with the wrong secret.
	rec = httptest.NewRecorder()
	s.handleWebhook(rec, pushRequest(t, body, "wrong-secret", "push"))
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong secret status = %d, want %d", rec.Code, http.StatusForbidden)
	}

	if atomic.LoadInt32(&deploy.count) != 0 {
		t.Error("rejected requests must not trigger deploys")
	}
}

func TestHandleWebhookFiltersEventsAndRefs(t *testing.T) {
	deploy := &countingDeploy{}
	s := testServer(t, deploy.run)

	// Disallowed event type is acknowledged but ignored.
	body := []byte(`{"ref": "refs/heads/main"}`)
	rec := httptest.NewRecorder()
	s.handleWebhook(rec, pushRequest(t, body, "test-secret-key", "ping"))
	if rec.Code != http.StatusOK {
		t.Errorf("ping status = %d, want %d", rec.Code, http.StatusOK)
	}

	// Disallowed ref likewise.
	body = []byte(`{"ref": "refs/heads/feature"}`)
	rec = httptest.NewRecorder()
	s.handleWebhook(rec, pushRequest(t, body, "test-secret-key", "push"))
	if rec.Code != http.StatusOK {
		t.Errorf("feature ref status = %d, want %d", rec.Code, http.StatusOK)
	}

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&deploy.count) != 0 {
		t.Error("filtered requests must not trigger deploys")
	}
}

func TestHandleWebhookTriggersDebouncedDeploy(t *testing.T) {
	deploy := &countingDeploy{}
	s := testServer(t, deploy.run)
	s.debounce.delay = 10 * time.Millisecond

	body := []byte(`{"ref": "refs/heads/main", "after": "abc123", "repository": {"full_name": "org/repo"}}`)

	// Three rapid pushes coalesce into one deploy.
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		s.handleWebhook(rec, pushRequest(t, body, "test-secret-key", "push"))
		if rec.Code != http.StatusOK {
			t.Fatalf("push status = %d, want %d", rec.Code, http.StatusOK)
		}
	}

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&deploy.count) == 0 {
		select {
		case <-deadline:
			t.Fatal("deploy was never triggered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Allow any stragglers to fire, then confirm coalescing.
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&deploy.count); got != 1 {
		t.Errorf("deploy count = %d, want 1", got)
	}
}

func TestVerifySignature(t *testing.T) {
	s := testServer(t, (&countingDeploy{}).run)
	body := []byte("payload")

	tests := []struct {
		name      string
		signature string
		want      bool
	}{
		{name: "valid", signature: sign(body, "test-secret-key"), want: true},
		{name: "empty", signature: "", want: false},
		{name: "missing prefix", signature: "abcdef", want: false},
		{name: "wrong digest", signature: "sha256=" + hex.EncodeToString(make([]byte, 32)), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.verifySignature(body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPerformDeploySingleFlight(t *testing.T) {
	deploy := &countingDeploy{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	s := testServer(t, deploy.run)

	go s.performDeploy(context.Background())
	<-deploy.started

	// While the first run is in flight, further requests queue at most one
	// pending re-run.
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.performDeploy(context.Background())
		}()
	}
	wg.Wait()

	// Release the first run, then the single queued re-run.
	deploy.block <- struct{}{}
	<-deploy.started
	deploy.block <- struct{}{}

	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&deploy.count); got != 2 {
		t.Errorf("deploy count = %d, want 2 (initial + one queued)", got)
	}
}

func TestNoFiltersAllowEverything(t *testing.T) {
	s, err := NewServer(Options{
		SecretFile: writeSecret(t, "k"),
	}, (&countingDeploy{}).run, testLogger())
	if err != nil {
		t.Fatalf("NewServer returned error: %v", err)
	}

	if !s.isEventTypeAllowed("anything") {
		t.Error("empty event filter must allow all event types")
	}
	if !s.isRefAllowed("refs/heads/anything") {
		t.Error("empty ref filter must allow all refs")
	}
}
