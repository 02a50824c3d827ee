package buildinfo

import (
	"fmt"
	"runtime/debug"

	"github.com/cordum/agentgate/core/infra/logging"
)

// Set with -ldflags "-X github.com/cordum/agentgate/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, resolvedCommit(), Date)
}

// Fields returns the build summary as a map for JSON responses.
func Fields() map[string]string {
	return map[string]string{
		"version": Version,
		"commit":  resolvedCommit(),
		"date":    Date,
	}
}

// Log writes the build summary under the service's component.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", resolvedCommit(), "date", Date)
}

// resolvedCommit falls back to the VCS revision stamped by the toolchain.
func resolvedCommit() string {
	if Commit != "unknown" && Commit != "" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Commit
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			rev := s.Value
			if len(rev) > 12 {
				rev = rev[:12]
			}
			return rev
		}
	}
	return Commit
}
