package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestGetEnvString(t *testing.T) {
	key := "TEST_ENV_STRING"
	t.Setenv(key, "test_value")

	if got := getEnvString(key, "default"); got != "test_value" {
		t.Errorf("getEnvString() = %q, want %q", got, "test_value")
	}

	if got := getEnvString("NON_EXISTENT", "default"); got != "default" {
		t.Errorf("getEnvString() = %q, want %q", got, "default")
	}
}

func TestGetEnvDuration(t *testing.T) {
	key := "TEST_ENV_DURATION"

	tests := []struct {
		name       string
		envVal     string
		defaultVal time.Duration
		want       time.Duration
	}{
		{"ValidDuration", "1m", time.Second, time.Minute},
		{"ValidSeconds", "60", time.Second, 60 * time.Second},
		{"Invalid", "invalid", time.Second, time.Second},
		{"Empty", "", time.Second, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(key, tt.envVal)
			if got := getEnvDuration(key, tt.defaultVal); got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetEnvIntAndBool(t *testing.T) {
	t.Setenv("TEST_ENV_INT", "7")
	t.Setenv("TEST_ENV_BAD_INT", "seven")
	t.Setenv("TEST_ENV_BOOL", "false")

	if got := getEnvInt("TEST_ENV_INT", 1); got != 7 {
		t.Errorf("getEnvInt() = %d, want 7", got)
	}
	if got := getEnvInt("TEST_ENV_BAD_INT", 1); got != 1 {
		t.Errorf("getEnvInt() invalid = %d, want 1", got)
	}
	if got := getEnvBool("TEST_ENV_BOOL", true); got {
		t.Error("getEnvBool() = true, want false")
	}
	if got := getEnvBool("TEST_ENV_MISSING_BOOL", true); !got {
		t.Error("getEnvBool() default = false, want true")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" gemini-cli, ,antigravity ")
	want := []string{"gemini-cli", "antigravity"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitList() = %v, want %v", got, want)
	}
}

func TestEnsureDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "dir")

	if err := ensureDir(path); err != nil {
		t.Fatalf("ensureDir() failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("directory was not created")
	}

	if err := ensureDir(""); err != nil {
		t.Error("ensureDir(\"\") should not error")
	}
}

func TestGetDefaultPaths(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Skipping test because user home dir cannot be found")
	}

	dataDir := getDefaultDataDir()
	expectedData := filepath.Join(home, ".config", "opencode", "antigravity-dispatch")
	if dataDir != expectedData {
		t.Errorf("getDefaultDataDir() = %q, want %q", dataDir, expectedData)
	}

	accPath := getDefaultAccountsPath()
	expectedAcc := filepath.Join(home, ".config", "opencode", "antigravity-accounts.json")
	if accPath != expectedAcc {
		t.Errorf("getDefaultAccountsPath() = %q, want %q", accPath, expectedAcc)
	}
}

func TestGetEnvPaths(t *testing.T) {
	paths := getEnvPaths()
	if len(paths) == 0 {
		t.Fatal("getEnvPaths() returned empty list")
	}

	cwd, _ := os.Getwd()
	if paths[0] != filepath.Join(cwd, ".env") {
		t.Errorf("getEnvPaths()[0] = %q, want current directory .env", paths[0])
	}
}

func TestParsePluginClient(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    *PluginClient
	}{
		{
			name: "declarations",
			content: `export declare const ANTIGRAVITY_CLIENT_ID = "client-id-123";
export declare const ANTIGRAVITY_CLIENT_SECRET = "client-secret-456";`,
			want: &PluginClient{ClientID: "client-id-123", ClientSecret: "client-secret-456"},
		},
		{
			name:    "single quotes",
			content: `const ANTIGRAVITY_CLIENT_SECRET='s'; const ANTIGRAVITY_CLIENT_ID='i';`,
			want:    &PluginClient{ClientID: "i", ClientSecret: "s"},
		},
		{name: "empty"},
		{name: "missing id", content: `export declare const ANTIGRAVITY_CLIENT_SECRET = "secret";`},
		{name: "missing secret", content: `export declare const ANTIGRAVITY_CLIENT_ID = "id";`},
		{name: "garbage", content: "some random text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parsePluginClient(tt.content)
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("got %+v, want nil", got)
			case tt.want != nil && (got == nil || *got != *tt.want):
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

// isolate points HOME and the working directory at an empty temp dir so no
// stray .env or constants file leaks into Load.
func isolate(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	wd, _ := os.Getwd()
	t.Cleanup(func() { _ = os.Chdir(wd) })
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatalf("Chdir failed: %v", err)
	}
	t.Setenv("HOME", tmpDir)
	t.Setenv("DATA_DIR", filepath.Join(tmpDir, "data"))
	t.Setenv("ACCOUNTS_PATH", filepath.Join(tmpDir, "accounts.json"))
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("GOOGLE_CLIENT_SECRET", "")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ANTIGRAVITY_CONSTANTS_PATH", "")
	return tmpDir
}

func TestLoad(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("GOOGLE_CLIENT_ID", "test-id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "test-secret")
	t.Setenv("MAX_RATE_LIMIT_WAIT", "90s")
	t.Setenv("HEADER_STYLES", "gemini-cli,antigravity")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.GoogleClientID != "test-id" {
		t.Errorf("GoogleClientID = %q, want %q", cfg.GoogleClientID, "test-id")
	}
	if cfg.Dispatch.MaxRateLimitWait != 90*time.Second {
		t.Errorf("MaxRateLimitWait = %v, want 90s", cfg.Dispatch.MaxRateLimitWait)
	}
	if cfg.Dispatch.ShortRetryThreshold != defaultShortRetryThreshold {
		t.Errorf("ShortRetryThreshold = %v, want %v", cfg.Dispatch.ShortRetryThreshold, defaultShortRetryThreshold)
	}
	if cfg.DatabasePath != filepath.Join(tmpDir, "data", "requests.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath)
	}
	if want := []string{"gemini-cli", "antigravity"}; !reflect.DeepEqual(cfg.Upstream.HeaderStyles, want) {
		t.Errorf("HeaderStyles = %v, want %v", cfg.Upstream.HeaderStyles, want)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, "data")); err != nil {
		t.Errorf("data dir not created: %v", err)
	}
}

func TestLoad_MissingCredentials(t *testing.T) {
	isolate(t)

	if _, err := Load(); err == nil {
		t.Error("Load() should fail when credentials are missing")
	}
}

func TestLoad_WithEnvFile(t *testing.T) {
	tmpDir := isolate(t)
	content := "GOOGLE_CLIENT_ID=env-id\nGOOGLE_CLIENT_SECRET=env-secret"
	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	// godotenv skips variables that are already set, even when empty.
	os.Unsetenv("GOOGLE_CLIENT_ID")
	os.Unsetenv("GOOGLE_CLIENT_SECRET")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.GoogleClientID != "env-id" {
		t.Errorf("GoogleClientID = %q, want env-id", cfg.GoogleClientID)
	}
}

func TestLoad_WithYAMLFile(t *testing.T) {
	tmpDir := isolate(t)
	t.Setenv("GOOGLE_CLIENT_ID", "id")
	t.Setenv("GOOGLE_CLIENT_SECRET", "secret")

	yamlPath := filepath.Join(tmpDir, "agd.yaml")
	content := `
listen_addr: 0.0.0.0:9999
debug_thinking: "probe"
notifications: false
dispatch:
  max_rate_limit_wait: 2m
  failure_threshold: 3
signature:
  memory_ttl: 10m
upstream:
  header_styles: [gemini-cli]
  endpoints:
    gemini-cli: ["http://localhost:1234"]
`
	if err := os.WriteFile(yamlPath, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("CONFIG_FILE", yamlPath)
	t.Setenv("LISTEN_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.DebugThinking != "probe" {
		t.Errorf("DebugThinking = %q", cfg.DebugThinking)
	}
	if cfg.Notifications {
		t.Error("Notifications should be disabled by file")
	}
	if cfg.Dispatch.MaxRateLimitWait != 2*time.Minute {
		t.Errorf("MaxRateLimitWait = %v", cfg.Dispatch.MaxRateLimitWait)
	}
	if cfg.Dispatch.FailureThreshold != 3 {
		t.Errorf("FailureThreshold = %d", cfg.Dispatch.FailureThreshold)
	}
	if cfg.Dispatch.FailureCooldown != defaultFailureCooldown {
		t.Errorf("FailureCooldown = %v, want default", cfg.Dispatch.FailureCooldown)
	}
	if cfg.Signature.MemoryTTL != 10*time.Minute {
		t.Errorf("MemoryTTL = %v", cfg.Signature.MemoryTTL)
	}
	if got := cfg.Upstream.Endpoints["gemini-cli"]; len(got) != 1 || got[0] != "http://localhost:1234" {
		t.Errorf("Endpoints = %v", cfg.Upstream.Endpoints)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := Defaults()
		cfg.GoogleClientID = "id"
		cfg.GoogleClientSecret = "secret"
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("Validate() on defaults failed: %v", err)
	}

	cfg := base()
	cfg.Signature.MemoryTTL = 100 * time.Hour
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject memory ttl above disk ttl")
	}

	cfg = base()
	cfg.Upstream.HeaderStyles = []string{"curl"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() should reject unknown header style")
	}
}

func TestLoadPluginClient_PathOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "constants.d.ts")
	content := `export declare const ANTIGRAVITY_CLIENT_ID = "file-id";
export declare const ANTIGRAVITY_CLIENT_SECRET = "file-secret";`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	t.Setenv("ANTIGRAVITY_CONSTANTS_PATH", path)

	c := loadPluginClient()
	if c == nil || c.ClientID != "file-id" {
		t.Fatalf("loadPluginClient() = %+v", c)
	}

	t.Setenv("ANTIGRAVITY_CONSTANTS_PATH", filepath.Join(t.TempDir(), "missing"))
	if c := loadPluginClient(); c != nil {
		t.Errorf("loadPluginClient() on missing file = %+v, want nil", c)
	}
}
