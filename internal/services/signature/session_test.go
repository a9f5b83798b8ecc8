package signature

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSessionID(t *testing.T) {
	a := SessionID("inst", "system", "hello")
	if a != SessionID("inst", "system", "hello") {
		t.Error("SessionID() not deterministic")
	}
	if !strings.HasPrefix(a, "-") {
		t.Errorf("SessionID() = %q, want leading '-'", a)
	}

	tests := []struct {
		name                        string
		instance, system, firstUser string
	}{
		{"OtherInstance", "other", "system", "hello"},
		{"OtherSystem", "inst", "system2", "hello"},
		{"OtherFirstUser", "inst", "system", "hello2"},
		{"ShiftedBoundary", "inst", "systemh", "ello"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if SessionID(tt.instance, tt.system, tt.firstUser) == a {
				t.Error("SessionID() collided")
			}
		})
	}
}

func TestKey(t *testing.T) {
	if got := Key("-12", "claude-sonnet-4-5-thinking"); got != "-12:claude-sonnet-4-5-thinking" {
		t.Errorf("Key() = %q", got)
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		sig  string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"short", false},
		{SkipSignature, true},
		{strings.Repeat("a", 50), true},
		{strings.Repeat("a", 49), false},
	}
	for _, tt := range tests {
		if got := IsValid(tt.sig); got != tt.want {
			t.Errorf("IsValid(%q) = %v, want %v", tt.sig, got, tt.want)
		}
	}
}

func TestLoadInstanceID(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadInstanceID() failed: %v", err)
	}
	second, err := LoadInstanceID(dir)
	if err != nil {
		t.Fatalf("second LoadInstanceID() failed: %v", err)
	}
	if first != second {
		t.Errorf("instance id changed across loads: %q != %q", first, second)
	}

	if err := os.WriteFile(filepath.Join(dir, instanceIDFile), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	regenerated, err := LoadInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadInstanceID() failed: %v", err)
	}
	if regenerated == "garbage" || regenerated == first {
		t.Errorf("invalid id not regenerated: %q", regenerated)
	}
}
