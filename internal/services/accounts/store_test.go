package accounts

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/j-veylop/antigravity-dispatch/internal/models"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	accountsPath := filepath.Join(t.TempDir(), "accounts.json")
	store := NewStore(accountsPath)
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Logf("Close() failed: %v", err)
		}
	})
	return store, accountsPath
}

func TestStore_LoadMissingFile(t *testing.T) {
	store, _ := newTestStore(t)

	state, err := store.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(state.Accounts) != 0 {
		t.Errorf("Load() returned %d accounts, want 0", len(state.Accounts))
	}
}

func TestParsePool_Formats(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantEmails []string
		wantActive int
	}{
		{
			name: "Version3",
			content: `{"version":3,"activeIndex":1,"activeIndexByFamily":{"claude":0},
				"accounts":[{"email":"a@x.com","refreshToken":"r1","addedAt":1705318200000},
				{"email":"b@x.com","refreshToken":"r2","rateLimitResetTimes":{"gemini":99}}]}`,
			wantEmails: []string{"a@x.com", "b@x.com"},
			wantActive: 1,
		},
		{
			name:       "LegacyArray",
			content:    `[{"email":"a@x.com","refreshToken":"r1"}]`,
			wantEmails: []string{"a@x.com"},
		},
		{
			name: "DashboardShape",
			content: `{"version":1,"activeAccount":"id-1",
				"accounts":[{"id":"id-1","email":"a@x.com","refreshToken":"r1","addedAt":"2024-01-15T10:30:00Z"}]}`,
			wantEmails: []string{"a@x.com"},
		},
		{
			name:       "SkipsMissingToken",
			content:    `{"accounts":[{"email":"a@x.com"},{"email":"b@x.com","refreshToken":"r2"}]}`,
			wantEmails: []string{"b@x.com"},
		},
		{
			name:    "Empty",
			content: "  ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state, err := parsePool([]byte(tt.content))
			if err != nil {
				t.Fatalf("parsePool() failed: %v", err)
			}
			if len(state.Accounts) != len(tt.wantEmails) {
				t.Fatalf("got %d accounts, want %d", len(state.Accounts), len(tt.wantEmails))
			}
			for i, want := range tt.wantEmails {
				if state.Accounts[i].Email != want {
					t.Errorf("account[%d].Email = %q, want %q", i, state.Accounts[i].Email, want)
				}
			}
			if state.ActiveIndex != tt.wantActive {
				t.Errorf("ActiveIndex = %d, want %d", state.ActiveIndex, tt.wantActive)
			}
		})
	}
}

func TestParsePool_Invalid(t *testing.T) {
	for _, content := range []string{`{invalid`, `[1,2`, `"string"`} {
		if _, err := parsePool([]byte(content)); err == nil {
			t.Errorf("parsePool(%q) should fail", content)
		}
	}
}

func TestStore_SaveWritesVersion3(t *testing.T) {
	store, path := newTestStore(t)
	now := time.UnixMilli(1_700_000_000_000)
	store.now = func() time.Time { return now }

	state := &PoolState{
		Accounts: []models.Account{
			{Email: "a@x.com", RefreshToken: "r1", AccessToken: "secret-access"},
			{Email: "b@x.com", RefreshToken: "r2", RateLimitResetTimes: map[string]int64{
				"gemini:antigravity": now.UnixMilli() + 1000,
			}},
		},
		ActiveIndex:         1,
		ActiveIndexByFamily: map[models.ModelFamily]int{models.FamilyGemini: 1},
	}
	if err := store.Save(state); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("saved file is not JSON: %v", err)
	}
	if raw["version"] != float64(models.AccountsFileVersion) {
		t.Errorf("version = %v, want %d", raw["version"], models.AccountsFileVersion)
	}
	if raw["activeIndex"] != float64(1) {
		t.Errorf("activeIndex = %v, want 1", raw["activeIndex"])
	}
	if byFamily, ok := raw["activeIndexByFamily"].(map[string]any); !ok || byFamily["gemini"] != float64(1) {
		t.Errorf("activeIndexByFamily = %v", raw["activeIndexByFamily"])
	}
	if strings.Contains(string(data), "secret-access") {
		t.Error("access tokens must not be persisted")
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if len(loaded.Accounts) != 2 {
		t.Fatalf("Load() returned %d accounts, want 2", len(loaded.Accounts))
	}
	if loaded.Accounts[1].RateLimitResetTimes["gemini:antigravity"] != now.UnixMilli()+1000 {
		t.Errorf("cooldown not round-tripped: %v", loaded.Accounts[1].RateLimitResetTimes)
	}

	if leftovers, _ := filepath.Glob(path + ".*.tmp"); len(leftovers) != 0 {
		t.Errorf("temp files left after save: %v", leftovers)
	}
}

func TestStore_WatchExternalChange(t *testing.T) {
	store, path := newTestStore(t)

	changed := make(chan struct{}, 4)
	if err := store.Watch(func() { changed <- struct{}{} }); err != nil {
		t.Fatalf("Watch() failed: %v", err)
	}

	// Own writes are not reported.
	if err := store.Save(&PoolState{Accounts: []models.Account{{Email: "a@x.com", RefreshToken: "r1"}}}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	select {
	case <-changed:
		t.Fatal("own write should not trigger onChange")
	case <-time.After(400 * time.Millisecond):
	}

	content := []byte(`{"version":3,"accounts":[{"email":"watched@x.com","refreshToken":"r9"}]}`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for external change")
	}

	timeout := time.After(time.Second)
	for {
		select {
		case event := <-store.Events():
			if event.Type == EventPoolChanged {
				return
			}
		case <-timeout:
			t.Fatal("EventPoolChanged not received")
		}
	}
}

func TestStore_CloseIdempotent(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "a.json"))
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
}
