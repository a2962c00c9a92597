package version

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	if info.Version == "" {
		t.Error("expected non-empty version")
	}
	if info.GoVersion == "" {
		t.Error("expected non-empty go version")
	}
	if !strings.Contains(info.Platform, runtime.GOOS) {
		t.Errorf("expected platform to contain %s, got %s", runtime.GOOS, info.Platform)
	}
	if !strings.Contains(info.Platform, runtime.GOARCH) {
		t.Errorf("expected platform to contain %s, got %s", runtime.GOARCH, info.Platform)
	}
}

func TestString(t *testing.T) {
	s := String()

	if !strings.Contains(s, ApplicationName) {
		t.Errorf("expected string to contain %s, got %s", ApplicationName, s)
	}
	if !strings.Contains(s, "version") {
		t.Errorf("expected string to contain 'version', got %s", s)
	}
}

func TestStringWithCommit(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	defer func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	}()

	Version = "1.0.0"
	Commit = "abc123def456789"
	Date = "2024-01-15T10:30:00Z"

	s := String()
	if !strings.Contains(s, "abc123de") {
		t.Errorf("expected truncated commit hash, got %s", s)
	}
	if !strings.Contains(s, "2024-01-15") {
		t.Errorf("expected build date, got %s", s)
	}
}

func TestShort(t *testing.T) {
	origVersion := Version
	defer func() { Version = origVersion }()

	Version = "1.0.0"
	if s := Short(); !strings.Contains(s, "1.0.0") {
		t.Errorf("expected short string to contain version, got %s", s)
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent(); !strings.HasPrefix(ua, ApplicationName+"/") {
		t.Errorf("expected user agent to start with %s/, got %s", ApplicationName, ua)
	}
}

func TestJSON(t *testing.T) {
	origVersion, origCommit, origDate := Version, Commit, Date
	defer func() {
		Version, Commit, Date = origVersion, origCommit, origDate
	}()

	Version = "1.2.3"
	Commit = "abc123def456789"
	Date = "2024-01-15T10:30:00Z"

	var info Info
	if err := json.Unmarshal([]byte(JSON()), &info); err != nil {
		t.Fatalf("JSON() did not produce valid JSON: %v", err)
	}

	if info.Version != "1.2.3" {
		t.Errorf("expected version 1.2.3, got %s", info.Version)
	}
	if info.Commit != "abc123def456789" {
		t.Errorf("expected full commit, got %s", info.Commit)
	}
	if info.Date != "2024-01-15T10:30:00Z" {
		t.Errorf("expected date preserved, got %s", info.Date)
	}
}

func TestIsSnapshot(t *testing.T) {
	origVersion := Version
	defer func() { Version = origVersion }()

	tests := []struct {
		version string
		want    bool
	}{
		{"dev", true},
		{"1.0.0", false},
		{"1.0.1-SNAPSHOT.abc1234", true},
		{"1.2.3-alpha.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			Version = tt.version
			got := IsSnapshot()
			if got != tt.want {
				t.Errorf("IsSnapshot() = %v for %q, want %v", got, tt.version, tt.want)
			}
			if gotRel := IsRelease(); gotRel == got {
				t.Errorf("IsRelease() and IsSnapshot() agree for %q", tt.version)
			}
		})
	}
}
