package pexeso

import (
	"fmt"
	"runtime/debug"
)

// baseVersion is the release line; the VCS revision is appended when
// build info carries one.
const baseVersion = "0.9"

func Version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return baseVersion
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return baseVersion
	}

	if len(revision) > 12 {
		revision = revision[:12]
	}
	if dirty {
		revision += "-dirty"
	}
	return fmt.Sprintf("%s+%s", baseVersion, revision)
}
