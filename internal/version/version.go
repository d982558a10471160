// Package version reports which updatersync build is running. Release
// builds set the values with -ldflags; other builds fall back to the
// module version and VCS stamp recorded by the Go toolchain.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
)

const develVersion = "dev"

// Set with -ldflags "-X github.com/hupe1980/updatersync/internal/version.version=...".
var (
	version   = develVersion
	revision  = ""
	buildDate = ""
)

// Info describes a build.
type Info struct {
	Version   string `json:"version"`
	Revision  string `json:"revision,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	BuildDate string `json:"buildDate,omitempty"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Get returns the information of the running binary.
func Get() Info {
	info := Info{
		Version:   version,
		Revision:  revision,
		BuildDate: buildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		info = fromBuildInfo(info, bi)
	}

	info.Revision = shortRevision(info.Revision)

	return info
}

// fromBuildInfo fills what ldflags left unset.
func fromBuildInfo(info Info, bi *debug.BuildInfo) Info {
	if info.Version == develVersion && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}

	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Revision == "" {
				info.Revision = s.Value
			}
		case "vcs.time":
			if info.BuildDate == "" {
				info.BuildDate = s.Value
			}
		case "vcs.modified":
			info.Modified = s.Value == "true"
		}
	}

	return info
}

// String renders the info on one line, leaving out what is unknown.
func (i Info) String() string {
	var details []string

	if i.Revision != "" {
		rev := "rev " + i.Revision
		if i.Modified {
			rev += "+dirty"
		}

		details = append(details, rev)
	}

	if i.BuildDate != "" {
		details = append(details, "built "+i.BuildDate)
	}

	details = append(details, i.GoVersion, i.Platform)

	return "updatersync " + i.Version + " (" + strings.Join(details, ", ") + ")"
}

func shortRevision(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}

	return rev
}
