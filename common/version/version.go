// Package version holds build metadata injected with -ldflags.
package version

import "fmt"

var (
	Version   = "v0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Info is the one-line form printed by "kaden version" and served on /status.
func Info() string {
	return fmt.Sprintf("kaden %s (commit %s, built %s)", Version, GitCommit, BuildTime)
}
