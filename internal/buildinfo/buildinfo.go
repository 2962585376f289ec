// Package buildinfo exposes the version stamped in at link time:
//
//	go build -ldflags "-X github.com/nugget/ai-persona/internal/buildinfo.Version=v1.0.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Info describes the running binary.
type Info struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime,omitempty"`
}

// Fields returns label/value pairs in display order, skipping empty
// values.
func (i Info) Fields() [][2]string {
	all := [][2]string{
		{"version", i.Version},
		{"git_commit", i.GitCommit},
		{"git_branch", i.GitBranch},
		{"build_time", i.BuildTime},
		{"go_version", i.GoVersion},
		{"os", i.OS},
		{"arch", i.Arch},
		{"uptime", i.Uptime},
	}
	out := all[:0]
	for _, f := range all {
		if f[1] != "" {
			out = append(out, f)
		}
	}
	return out
}

// Build returns the static metadata. Uptime is left empty.
func Build() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// Runtime returns [Build] plus the current uptime.
func Runtime() Info {
	i := Build()
	i.Uptime = Uptime().String()
	return i
}

// Uptime is the time since process start, in whole seconds.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent is sent on every outbound request.
func UserAgent() string {
	return "ai-persona/" + Version + " (+https://github.com/nugget/ai-persona)"
}

// String is the one-line startup banner.
func String() string {
	return fmt.Sprintf("ai-persona %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}
