package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Set at build time, e.g.
// -ldflags "-X github.com/lkarlslund/tutorrouter/pkg/version.Version=v1.0.0
// -X github.com/lkarlslund/tutorrouter/pkg/version.Commit=<sha>"
var (
	Version = "dev"
	Commit  = ""
	Date    = ""
	Dirty   = ""
)

const component = "tutord"

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit,omitempty"`
	Date    string `json:"date,omitempty"`
	Dirty   bool   `json:"dirty,omitempty"`
}

// Current merges linker values with the VCS stamp of the binary. Linker
// values win.
func Current() Info {
	info := Info{
		Version: strings.TrimSpace(Version),
		Commit:  strings.TrimSpace(Commit),
		Date:    strings.TrimSpace(Date),
		Dirty:   strings.EqualFold(strings.TrimSpace(Dirty), "true"),
	}
	if info.Version == "" {
		info.Version = "dev"
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	for _, s := range bi.Settings {
		v := strings.TrimSpace(s.Value)
		switch {
		case s.Key == "vcs.revision" && info.Commit == "":
			info.Commit = v
		case s.Key == "vcs.time" && info.Date == "":
			info.Date = v
		case s.Key == "vcs.modified" && !info.Dirty:
			info.Dirty = strings.EqualFold(v, "true")
		}
	}
	return info
}

func (i Info) String() string {
	var b strings.Builder
	b.WriteString(i.Version)
	if c := i.Commit; c != "" {
		if len(c) > 12 {
			c = c[:12]
		}
		b.WriteString("+" + c)
	}
	if i.Dirty {
		b.WriteString("+dirty")
	}
	return b.String()
}

func String() string {
	return Current().String()
}

// Detailed is the multi-line form printed by `tutord version`.
func Detailed(name string) string {
	if strings.TrimSpace(name) == "" {
		name = component
	}
	v := Current()
	out := fmt.Sprintf("%s %s", name, v)
	if v.Date != "" {
		out += "\nBuilt: " + v.Date
	}
	return out
}

// UserAgent is sent on requests to inference endpoints.
func UserAgent() string {
	return component + "/" + Current().Version
}
