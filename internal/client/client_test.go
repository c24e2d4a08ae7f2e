package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/callmanager/internal/contacts"
	"github.com/agentworkforce/callmanager/internal/httpapi"
)

func TestClientRetriesTransientFailure(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	var correlations []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		correlations = append(correlations, r.Header.Get("X-Correlation-Id"))
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"server_busy","message":"retry"}`))
			return
		}
		if r.URL.Path != "/v1/contacts/81234567" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"81234567","name":"Ana","status":"NC","version":3,"visibilityMonthsAgo":2,"locked":true}`))
	}))
	defer server.Close()

	client := New(server.URL, "token", server.Client())
	client.baseDelay = time.Millisecond
	contact, err := client.Get(context.Background(), "81234567")
	if err != nil {
		t.Fatalf("expected retry to recover from transient 503, got error: %v", err)
	}
	if contact.ID != "81234567" || contact.Version != 3 || contact.VisibilityMonthsAgo != 2 || !contact.LeaseActive {
		t.Fatalf("unexpected contact: %+v", contact)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 calls (1 retry), got %d", atomic.LoadInt32(&calls))
	}
	mu.Lock()
	defer mu.Unlock()
	if correlations[0] == "" || correlations[0] != correlations[1] {
		t.Fatalf("expected one correlation id reused across retries, got %v", correlations)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("If-Match") != "4" {
			t.Errorf("expected If-Match 4, got %q", r.Header.Get("If-Match"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"version_conflict","message":"stale","correlationId":"c1","expectedVersion":4,"currentVersion":6}`))
	}))
	defer server.Close()

	client := New(server.URL, "token", server.Client())
	name := "Ana B"
	_, err := client.Edit(context.Background(), "81234567", 4, contacts.Patch{Name: &name})
	if !errors.Is(err, contacts.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.ExpectedVersion != 4 || apiErr.CurrentVersion != 6 || apiErr.CorrelationID != "c1" {
		t.Fatalf("unexpected api error detail: %+v", apiErr)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected no retry on 409, got %d calls", atomic.LoadInt32(&calls))
	}
}

func TestClientRateLimitedHonoursRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"code":"rate_limited","message":"slow down"}`))
	}))
	defer server.Close()

	client := New(server.URL, "token", server.Client())
	client.maxRetries = 0
	_, err := client.Import(context.Background(), []contacts.ImportRow{{Phone: "81234567"}})
	if !errors.Is(err, contacts.ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.RetryAfter != 7*time.Second {
		t.Fatalf("expected retry-after 7s, got %+v", apiErr)
	}
}

func TestRetryDelay(t *testing.T) {
	client := New("http://example.invalid", "token", nil)
	tests := []struct {
		name       string
		attempt    int
		retryAfter string
		want       time.Duration
	}{
		{name: "first backoff", attempt: 1, want: 100 * time.Millisecond},
		{name: "doubles", attempt: 3, want: 400 * time.Millisecond},
		{name: "capped", attempt: 10, want: 2 * time.Second},
		{name: "retry-after seconds", attempt: 1, retryAfter: "1", want: time.Second},
		{name: "retry-after capped", attempt: 1, retryAfter: "60", want: 2 * time.Second},
		{name: "garbage retry-after", attempt: 2, retryAfter: "soon", want: 200 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.retryDelay(tt.attempt, tt.retryAfter); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestAPIErrorIs(t *testing.T) {
	tests := []struct {
		err    *APIError
		target error
	}{
		{err: &APIError{StatusCode: http.StatusNotFound, Code: "not_found"}, target: contacts.ErrNotFound},
		{err: &APIError{StatusCode: http.StatusLocked, Code: "lock_held"}, target: contacts.ErrLockHeld},
		{err: &APIError{StatusCode: http.StatusLocked, Code: "lock_denied"}, target: contacts.ErrLockDenied},
		{err: &APIError{StatusCode: http.StatusUnprocessableEntity, Code: "validation_failed"}, target: contacts.ErrValidationFailed},
		{err: &APIError{StatusCode: http.StatusPreconditionRequired}, target: contacts.ErrMissingPrecondition},
		{err: &APIError{StatusCode: http.StatusInternalServerError, Code: "storage_failure"}, target: contacts.ErrStorageFailure},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.target) {
			t.Fatalf("expected %v to match %v", tt.err, tt.target)
		}
	}
	if errors.Is(&APIError{StatusCode: http.StatusLocked, Code: "lock_held"}, contacts.ErrLockDenied) {
		t.Fatalf("expected lock_held not to match lock denied")
	}
}

func TestClientAgainstServer(t *testing.T) {
	engine, server := newAPIServer(t)
	token := mustToken(t, "agent-a", httpapi.ScopeAdmin)
	client := New(server.URL, token, server.Client())
	ctx := context.Background()

	result, err := client.Import(ctx, []contacts.ImportRow{{Phone: "8123-4567", Name: "Ana"}, {Phone: "81000002", Name: "Beto"}})
	if err != nil || result.Inserted != 2 {
		t.Fatalf("import failed: %v %+v", err, result)
	}
	lease, err := client.Lock(ctx, "81234567", 2*time.Minute)
	if err != nil || lease.Owner != "agent-a" {
		t.Fatalf("lock failed: %v %+v", err, lease)
	}
	other := New(server.URL, mustToken(t, "agent-b", httpapi.ScopeWrite), server.Client())
	if _, err := other.Lock(ctx, "81234567", 0); !errors.Is(err, contacts.ErrLockHeld) {
		t.Fatalf("expected lock held for second agent, got %v", err)
	}
	updated, err := client.Outcome(ctx, "81234567", contacts.StatusInteresado, "call back friday", 1)
	if err != nil || updated.Status != contacts.StatusInteresado || updated.Version != 2 {
		t.Fatalf("outcome failed: %v %+v", err, updated)
	}
	released, err := client.Unlock(ctx, "81234567")
	if err != nil || !released {
		t.Fatalf("unlock failed: %v %v", released, err)
	}
	list, err := client.List(ctx, ListOptions{Statuses: []string{contacts.StatusInteresado}})
	if err != nil || list.Count != 1 || list.Total != 2 || list.Contacts[0].ID != "81234567" {
		t.Fatalf("unexpected filtered list: %v %+v", err, list)
	}
	deleted, err := client.Delete(ctx, "81000002")
	if err != nil || deleted.ID != "81000002" {
		t.Fatalf("delete failed: %v %+v", err, deleted)
	}
	if _, err := client.Get(ctx, "81000002"); !errors.Is(err, contacts.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	cfg, err := client.AdminConfig(ctx)
	if err != nil || cfg.Backend == "" || cfg.Limits.MaxLockTTL != engine.Limits().MaxLockTTL {
		t.Fatalf("unexpected admin config: %v %+v", err, cfg)
	}
}

func TestWatchStreamsFilteredEvents(t *testing.T) {
	engine, server := newAPIServer(t)
	client := New(server.URL, mustToken(t, "watcher", httpapi.ScopeRead), server.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errStop := errors.New("stop")
	got := make(chan contacts.Event, 1)
	done := make(chan error, 1)
	go func() {
		done <- client.Watch(ctx, []string{contacts.EventBulk}, func(ev contacts.Event) error {
			got <- ev
			return errStop
		})
	}()

	waitFor(t, func() bool { return engine.Hub().SubscriberCount() == 1 })
	if _, err := engine.Create(ctx, "agent-a", contacts.ImportRow{Phone: "81234567", Name: "Ana"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := engine.ImportBatch(ctx, "agent-a", []contacts.ImportRow{{Phone: "81000002"}}); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	select {
	case ev := <-got:
		if ev.Type != contacts.EventBulk || ev.Actor != "agent-a" {
			t.Fatalf("expected only the bulk event, got %+v", ev)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for event")
	}
	if err := <-done; !errors.Is(err, errStop) {
		t.Fatalf("expected watch to return the callback error, got %v", err)
	}
}

func TestWatchRejectsBadToken(t *testing.T) {
	_, server := newAPIServer(t)
	client := New(server.URL, "not-a-jwt", server.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Watch(ctx, nil, func(contacts.Event) error { return nil })
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

const testSecret = "client-test-secret"

func newAPIServer(t *testing.T) (*contacts.Engine, *httptest.Server) {
	t.Helper()
	store, err := contacts.NewStore(contacts.StoreOptions{Backend: contacts.NewInMemoryRecordBackend()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	engine := contacts.NewEngine(store, contacts.EngineOptions{})
	server := httptest.NewServer(httpapi.NewServer(engine, httpapi.ServerConfig{JWTSecret: testSecret}))
	t.Cleanup(func() {
		engine.Hub().Close()
		server.Close()
		_ = store.Close()
	})
	return engine, server
}

func mustToken(t *testing.T, agentName string, scopes ...string) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payload, err := json.Marshal(map[string]any{
		"agent_name": agentName,
		"scopes":     scopes,
		"exp":        time.Now().Add(time.Hour).Unix(),
		"aud":        "callmanager",
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(payload)
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestClientTransportRetryOnlyForReplaySafeRequests(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1)%2 == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				_ = conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/import":
			_, _ = w.Write([]byte(`{"inserted":1,"updated":0,"duplicatesMerged":0,"errors":[]}`))
		default:
			_, _ = w.Write([]byte(`{"id":"81234567","name":"Ana","status":"NC","version":2}`))
		}
	}))
	defer server.Close()

	client := New(server.URL, "token", server.Client())
	client.baseDelay = time.Millisecond

	if _, err := client.Import(context.Background(), []contacts.ImportRow{{Phone: "81234567"}}); err == nil {
		t.Fatalf("expected import to surface the dropped connection")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected import sent once, got %d", got)
	}

	atomic.StoreInt32(&calls, 0)
	if _, err := client.Outcome(context.Background(), "81234567", "NC", "", 0); err == nil {
		t.Fatalf("expected unguarded outcome to surface the dropped connection")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected unguarded outcome sent once, got %d", got)
	}

	atomic.StoreInt32(&calls, 0)
	if _, err := client.Outcome(context.Background(), "81234567", "NC", "", 1); err != nil {
		t.Fatalf("expected guarded outcome to retry, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected guarded outcome retried once, got %d", got)
	}

	atomic.StoreInt32(&calls, 0)
	if _, err := client.Get(context.Background(), "81234567"); err != nil {
		t.Fatalf("expected get to retry, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected get retried once, got %d", got)
	}
}
