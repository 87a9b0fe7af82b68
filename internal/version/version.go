// Package version reports the build identity of the licshare binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule = "pkt.systems/licshare"
	unknown       = "v0.0.0-unknown"
)

// buildVersion is set with -ldflags "-X pkt.systems/licshare/internal/version.buildVersion=v1.2.3".
var buildVersion = ""

// Build describes where a binary came from.
type Build struct {
	Module   string
	Version  string
	Revision string
	Time     time.Time
	Modified bool
}

// Read returns the build identity of the running binary.
func Read() Build {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, buildVersion)
}

// Current returns the best available version string.
func Current() string { return Read().Version }

// Module returns the main module path.
func Module() string { return Read().Module }

func fromBuildInfo(info *debug.BuildInfo, stamped string) Build {
	b := Build{Module: defaultModule, Version: unknown}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			b.Module = path
		}
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				b.Revision = s.Value
			case "vcs.time":
				if t, err := time.Parse(time.RFC3339, s.Value); err == nil {
					b.Time = t.UTC()
				}
			case "vcs.modified":
				b.Modified = s.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(stamped) != "":
		b.Version = strings.TrimSpace(stamped)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		b.Version = info.Main.Version
	case b.Revision != "" && !b.Time.IsZero():
		b.Version = b.pseudo()
	}
	return b
}

// pseudo renders a Go style pseudo-version from the VCS stamp.
func (b Build) pseudo() string {
	rev := b.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + b.Time.Format("20060102150405") + "-" + rev
	if b.Modified {
		v += "+dirty"
	}
	return v
}
