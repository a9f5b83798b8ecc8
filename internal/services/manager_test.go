package services

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/config"
	"github.com/j-veylop/antigravity-dispatch/internal/models"
	"github.com/j-veylop/antigravity-dispatch/internal/services/dispatch"
)

// MockRoundTripper implements http.RoundTripper for testing.
type MockRoundTripper struct {
	RoundTripFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.RoundTripFunc(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DataDir = dir
	cfg.DatabasePath = filepath.Join(dir, "test.db")
	cfg.AccountsPath = filepath.Join(dir, "accounts.json")
	cfg.SignatureCachePath = filepath.Join(dir, "signature-cache.json")
	cfg.GoogleClientID = "cid"
	cfg.GoogleClientSecret = "csec"
	cfg.Notifications = false
	return cfg
}

func writeAccounts(t *testing.T, path string, emails ...string) {
	t.Helper()
	var entries []string
	for i, email := range emails {
		entries = append(entries, `{"email":"`+email+`","refreshToken":"refresh-`+string(rune('a'+i))+`","projectId":"proj"}`)
	}
	data := `{"version":3,"accounts":[` + strings.Join(entries, ",") + `],"activeIndex":0}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("failed to write accounts: %v", err)
	}
}

type notifications struct {
	mu     sync.Mutex
	titles []string
}

func (n *notifications) notify(title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
	return nil
}

func (n *notifications) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

func TestNewManager(t *testing.T) {
	cfg := newTestConfig(t)

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	if mgr.Dispatcher() == nil {
		t.Error("Dispatcher should be initialized")
	}
	if mgr.Pool() == nil || mgr.Pool().Count() != 0 {
		t.Error("Pool should be initialized and empty")
	}
	if mgr.Cache() == nil {
		t.Error("Cache should be initialized")
	}
	if mgr.Metrics() == nil {
		t.Error("Metrics should be initialized")
	}
	if mgr.Database() == nil {
		t.Error("Database should be initialized")
	}
	if _, err := os.Stat(filepath.Join(cfg.DataDir, "instance-id")); err != nil {
		t.Errorf("instance id not created: %v", err)
	}
}

func TestNewManager_InvalidAccountsFile(t *testing.T) {
	cfg := newTestConfig(t)
	if err := os.WriteFile(cfg.AccountsPath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := NewManager(cfg); err == nil {
		t.Fatal("NewManager with a corrupt accounts file should fail")
	}
}

func TestManager_Subscription(t *testing.T) {
	mgr, err := NewManager(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	ch, cmd := mgr.Subscribe()
	if ch == nil {
		t.Error("Subscribe returned nil channel")
	}
	if cmd == nil {
		t.Error("Subscribe returned nil command")
	}

	mgr.Unsubscribe(ch)

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("Channel should be closed")
		}
	case <-time.After(time.Second):
		t.Error("Channel was not closed")
	}
}

func TestManager_Broadcast(t *testing.T) {
	mgr, err := NewManager(newTestConfig(t))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	ch, _ := mgr.Subscribe()
	defer mgr.Unsubscribe(ch)

	event := ErrorEvent{Service: "test"}
	mgr.broadcast(event)

	select {
	case e := <-ch:
		if e != event {
			t.Errorf("Got event %v, want %v", e, event)
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestWaitForEvent(t *testing.T) {
	ch := make(chan ServiceEvent, 1)
	ch <- StatsEvent{}

	if msg := WaitForEvent(ch)(); msg == nil {
		t.Error("WaitForEvent cmd returned nil msg")
	}

	close(ch)
	if msg := WaitForEvent(ch)(); msg != nil {
		t.Errorf("WaitForEvent on closed channel = %v, want nil", msg)
	}
}

func TestManager_DispatchLogsAttempt(t *testing.T) {
	cfg := newTestConfig(t)
	writeAccounts(t, cfg.AccountsPath, "a@example.com")

	client := &http.Client{Transport: &MockRoundTripper{RoundTripFunc: func(req *http.Request) (*http.Response, error) {
		if req.URL.Host == "oauth2.googleapis.com" {
			return jsonResponse(200, `{"access_token":"tok","expires_in":3600,"token_type":"Bearer"}`), nil
		}
		if got := req.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		return jsonResponse(200, `{"response":{"candidates":[{"content":{"parts":[{"text":"hello"}]}}]}}`), nil
	}}}

	mgr, err := NewManager(cfg, WithHTTPClient(client))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	ch, _ := mgr.Subscribe()
	defer mgr.Unsubscribe(ch)

	resp, err := mgr.Dispatcher().Dispatch(context.Background(), dispatch.Request{
		Model:  "gemini-2.5-pro",
		Action: "generateContent",
		Body:   []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`),
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if !strings.Contains(string(body), "hello") {
		t.Errorf("body = %s", body)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			attempt, ok := ev.(AttemptEvent)
			if !ok {
				continue
			}
			if attempt.Call.Outcome != models.OutcomeSuccess || attempt.Call.Email != "a@example.com" {
				t.Errorf("attempt = %+v", attempt.Call)
			}
		case <-deadline:
			t.Fatal("no attempt event")
		}
		break
	}

	var calls []models.APICall
	for range 50 {
		calls, _ = mgr.Database().GetRecentAPICalls(10)
		if len(calls) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(calls) != 1 || calls[0].Model != "gemini-2.5-pro" || calls[0].StatusCode != 200 {
		t.Errorf("logged calls = %+v", calls)
	}
}

func TestManager_AccountRemovedNotifies(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Notifications = true
	var n notifications

	mgr, err := NewManager(cfg, WithNotifier(n.notify))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	mgr.onAccountRemoved(dispatch.AccountRemovedEvent{Account: "gone@example.com", Reason: "invalid_grant"})

	titles := n.list()
	if len(titles) != 1 || !strings.Contains(titles[0], "gone@example.com") {
		t.Errorf("notifications = %v", titles)
	}
	events, err := mgr.Database().GetRecentSessionEvents(10)
	if err != nil || len(events) != 1 {
		t.Fatalf("session events = %v, %v", events, err)
	}
	if events[0].Kind != sessionEventRemove || events[0].Detail != "invalid_grant" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestManager_ExhaustedToastThrottled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Notifications = true
	var n notifications

	mgr, err := NewManager(cfg, WithNotifier(n.notify))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	ev := dispatch.ExhaustedEvent{Family: models.FamilyClaude, Wait: time.Minute, Accounts: 2}
	mgr.onExhausted(ev)
	mgr.onExhausted(ev)
	mgr.onExhausted(dispatch.ExhaustedEvent{Family: models.FamilyGemini, Wait: time.Minute, Accounts: 2})

	if got := len(n.list()); got != 2 {
		t.Errorf("notifications = %d, want one per family", got)
	}
}

func TestManager_RateLimitToastPerAccount(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Notifications = true
	writeAccounts(t, cfg.AccountsPath, "a@example.com", "b@example.com")
	var n notifications

	mgr, err := NewManager(cfg, WithNotifier(n.notify))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	accs := mgr.Pool().Accounts()
	short := dispatch.RateLimitEvent{Family: models.FamilyClaude, Account: "a@example.com", Index: accs[0].Index, Delay: time.Second}
	long := short
	long.Delay = time.Minute

	mgr.onRateLimited(short)
	mgr.onRateLimited(long)
	mgr.onRateLimited(long)

	if got := len(n.list()); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}
}

func TestManager_NotificationsDisabled(t *testing.T) {
	cfg := newTestConfig(t)
	var n notifications

	mgr, err := NewManager(cfg, WithNotifier(n.notify))
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	mgr.onAccountRemoved(dispatch.AccountRemovedEvent{Account: "x@example.com"})
	if got := len(n.list()); got != 0 {
		t.Errorf("notifications = %d, want 0", got)
	}
}

func TestManager_ReloadPool(t *testing.T) {
	cfg := newTestConfig(t)
	writeAccounts(t, cfg.AccountsPath, "a@example.com")

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	ch, _ := mgr.Subscribe()
	defer mgr.Unsubscribe(ch)

	writeAccounts(t, cfg.AccountsPath, "a@example.com", "b@example.com")
	mgr.reloadPool()

	if got := mgr.Pool().Count(); got != 2 {
		t.Fatalf("Count() = %d, want 2", got)
	}
	select {
	case ev := <-ch:
		changed, ok := ev.(PoolChangedEvent)
		if !ok || len(changed.Accounts) != 2 {
			t.Errorf("event = %#v", ev)
		}
	case <-time.After(time.Second):
		t.Error("no pool event")
	}
}

func TestManager_StatsAndHistory(t *testing.T) {
	cfg := newTestConfig(t)
	writeAccounts(t, cfg.AccountsPath, "a@example.com", "b@example.com")

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	defer mgr.Close()

	accs := mgr.Pool().Accounts()
	mgr.Pool().MarkRateLimited(accs[1], time.Minute, models.FamilyClaude, "")

	snapshot, stats := mgr.InitialState()
	if len(snapshot) != 2 {
		t.Fatalf("snapshot = %d accounts, want 2", len(snapshot))
	}
	if stats.AccountCount != 2 || stats.Cooling != 1 {
		t.Errorf("stats = %+v", stats)
	}

	history, err := mgr.GetHistory("a@example.com", models.TimeRange24Hours)
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if history.HasData() {
		t.Error("fresh history should be empty")
	}

	hourly, err := mgr.GetHourlyStats(24)
	if err != nil {
		t.Fatalf("GetHourlyStats failed: %v", err)
	}
	if len(hourly) != 0 {
		t.Errorf("hourly = %d rows, want 0", len(hourly))
	}
	recent, err := mgr.GetRecentCalls(10)
	if err != nil {
		t.Fatalf("GetRecentCalls failed: %v", err)
	}
	if len(recent) != 0 {
		t.Errorf("recent = %d calls, want 0", len(recent))
	}
}

func TestManager_CloseIdempotent(t *testing.T) {
	cfg := newTestConfig(t)
	writeAccounts(t, cfg.AccountsPath, "a@example.com")

	mgr, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	ch, _ := mgr.Subscribe()

	if err := mgr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}

	// hooks arriving after Close must not touch the closed database
	mgr.onAttempt(models.APICall{Model: "m"})
}

func TestServiceEvent_Interface(t *testing.T) {
	events := []ServiceEvent{
		PoolChangedEvent{},
		AttemptEvent{},
		RateLimitedEvent{},
		AccountSwitchedEvent{},
		PoolExhaustedEvent{},
		AccountRemovedEvent{},
		ErrorEvent{},
		StatsEvent{},
	}
	for _, ev := range events {
		ev.isServiceEvent()
	}
}

func TestEndpoints(t *testing.T) {
	eps := endpoints(map[string][]string{"gemini-cli": {"https://cli.test"}, "antigravity": nil})
	if got := eps.For(models.HeaderStyleGeminiCLI); len(got) != 1 || got[0] != "https://cli.test" {
		t.Errorf("gemini-cli endpoints = %v", got)
	}
	if got := eps.For(models.HeaderStyleAntigravity); len(got) != 3 {
		t.Errorf("antigravity endpoints = %v, want built-in list", got)
	}
}
