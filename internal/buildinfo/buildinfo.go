// Package buildinfo reports the version of the dispatch binary.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	devVersion = "dev"
	unknown    = "unknown"
)

// Set with -ldflags "-X github.com/agusx1211/dispatch/internal/buildinfo.Version=...".
var (
	Version    = devVersion
	CommitHash = ""
	BuildDate  = ""
)

// Info describes a build.
type Info struct {
	Version    string `json:"version"`
	CommitHash string `json:"commit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
	Platform   string `json:"platform"`
}

// String formats info on one line, e.g. "v1.2.0 (abc1234, 2026-02-12 10:11:12 UTC)".
func (i Info) String() string {
	commit := i.CommitHash
	if len(commit) > 12 && !strings.HasSuffix(commit, "-dirty") {
		commit = commit[:12]
	}
	return fmt.Sprintf("%s (%s, %s)", i.Version, commit, i.BuildDate)
}

// Current merges the linker values with the VCS stamps the go tool embeds.
func Current() Info {
	bi, _ := debug.ReadBuildInfo()
	return resolve(bi)
}

func resolve(bi *debug.BuildInfo) Info {
	info := Info{
		Version:    strings.TrimSpace(Version),
		CommitHash: strings.TrimSpace(CommitHash),
		BuildDate:  strings.TrimSpace(BuildDate),
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
	}

	var revision, stamp string
	dirty := false
	if bi != nil {
		if (info.Version == "" || info.Version == devVersion) && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
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
	}

	if info.CommitHash == "" && revision != "" {
		info.CommitHash = revision
		if dirty {
			info.CommitHash += "-dirty"
		}
	}
	if info.BuildDate == "" {
		info.BuildDate = stamp
	}
	if t, err := time.Parse(time.RFC3339, info.BuildDate); err == nil {
		info.BuildDate = t.UTC().Format("2006-01-02 15:04:05 UTC")
	}

	for _, f := range []*string{&info.Version, &info.CommitHash, &info.BuildDate} {
		if *f == "" {
			*f = unknown
		}
	}
	return info
}
