package buildinfo

import (
	"strings"
	"testing"
)

func TestUserAgent(t *testing.T) {
	ua := UserAgent()
	if !strings.HasPrefix(ua, "Parley/"+Version) {
		t.Errorf("UserAgent() = %q, want prefix %q", ua, "Parley/"+Version)
	}
}

func TestBuildInfoKeys(t *testing.T) {
	info := BuildInfo()
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch", "uptime"} {
		if _, ok := info[k]; !ok {
			t.Errorf("BuildInfo() missing key %q", k)
		}
	}
}
