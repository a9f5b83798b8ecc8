// Package version reports what build is running. Values come from ldflags
// first, then the module build info, then the local git checkout.
package version

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// Name is the binary name reported by Info and the User-Agent.
const Name = "antigravity-dispatch"

// Set with -ldflags "-X .../internal/version.Version=...".
var (
	Version = ""
	Commit  = ""
	Date    = ""
)

var (
	once          sync.Once
	readBuildInfo = debug.ReadBuildInfo
	git           = runGit
)

func resolve() {
	once.Do(func() {
		if bi, ok := readBuildInfo(); ok {
			fromBuildInfo(bi)
		}
		if Commit == "" {
			Commit = gitOr("unknown", "describe", "--always", "--dirty")
		}
		if Version == "" {
			Version = strings.TrimPrefix(gitOr("dev", "describe", "--tags", "--abbrev=0"), "v")
		}
		if Date == "" {
			Date = time.Now().Format(time.DateOnly)
		}
	})
}

// fromBuildInfo fills the unset values from the VCS stamp that go build
// embeds for module builds.
func fromBuildInfo(bi *debug.BuildInfo) {
	if v := bi.Main.Version; Version == "" && v != "" && v != "(devel)" {
		Version = strings.TrimPrefix(v, "v")
	}

	var revision, stamp string
	var dirty bool
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			stamp = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	if Commit == "" && revision != "" {
		Commit = revision[:min(len(revision), 12)]
		if dirty {
			Commit += "-dirty"
		}
	}
	if t, err := time.Parse(time.RFC3339, stamp); Date == "" && err == nil {
		Date = t.UTC().Format(time.DateOnly)
	}
}

func gitOr(fallback string, args ...string) string {
	out, err := git(args...)
	if err != nil || out == "" {
		return fallback
	}
	return out
}

func runGit(args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// Reset forgets every resolved value.
func Reset() {
	Version, Commit, Date = "", "", ""
	once = sync.Once{}
}

// GetVersion returns the release version, or "dev".
func GetVersion() string {
	resolve()
	return Version
}

// GetCommit returns the short commit hash, or "unknown".
func GetCommit() string {
	resolve()
	return Commit
}

// GetDate returns the build date as YYYY-MM-DD.
func GetDate() string {
	resolve()
	return Date
}

// UserAgent identifies the dispatcher on the admin API.
func UserAgent() string {
	return Name + "/" + GetVersion()
}

// Info returns a one-line version summary.
func Info() string {
	resolve()
	return fmt.Sprintf("%s %s (commit: %s, built: %s, %s/%s)",
		Name, Version, Commit, Date, runtime.GOOS, runtime.GOARCH)
}
