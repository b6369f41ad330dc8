package version

import (
	"strings"
	"testing"
)

func TestCurrentHonorsLinkerValues(t *testing.T) {
	oldV, oldC, oldD := Version, Commit, Dirty
	t.Cleanup(func() { Version, Commit, Dirty = oldV, oldC, oldD })

	Version, Commit, Dirty = "v1.2.3", "0123456789abcdef", "true"
	if got := String(); got != "v1.2.3+0123456789ab+dirty" {
		t.Fatalf("unexpected version string %q", got)
	}
	if got := Detailed(""); !strings.HasPrefix(got, "tutord v1.2.3") {
		t.Fatalf("unexpected detailed version %q", got)
	}
}

func TestCurrentDefaultsToDev(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "  "
	if got := Current().Version; got != "dev" {
		t.Fatalf("expected dev, got %q", got)
	}
}

func TestUserAgent(t *testing.T) {
	old := Version
	t.Cleanup(func() { Version = old })
	Version = "v2.0.0"
	if got := UserAgent(); got != "tutord/v2.0.0" {
		t.Fatalf("unexpected user agent %q", got)
	}
}
