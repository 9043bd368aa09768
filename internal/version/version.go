package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "github.com/MapColonies/arstotzka"

// buildVersion is set via -ldflags "-X github.com/MapColonies/arstotzka/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the linker-supplied version, the module version, or a
// pseudo version derived from VCS stamps, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
			return v
		}
		if v := pseudo(info.Settings); v != "" {
			return v
		}
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// UserAgent is sent by the mediator on every outbound request.
func UserAgent(component string) string {
	if component == "" {
		component = "arstotzka"
	}
	return component + "/" + Current()
}

func pseudo(settings []debug.BuildSetting) string {
	var revision, stamp string
	var dirty bool
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			stamp = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" || stamp == "" {
		return ""
	}
	at, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return ""
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + at.UTC().Format("20060102150405") + "-" + revision
	if dirty {
		v += "+dirty"
	}
	return v
}
