// Package version provides build-time version information for medianode.
//
// Build-time variables are injected via ldflags:
//
//	go build -ldflags "
//	  -X github.com/flyingrabbit881/medianode/internal/version.Version=x.y.z
//	  -X github.com/flyingrabbit881/medianode/internal/version.Commit=$(git rev-parse HEAD)
//	  -X github.com/flyingrabbit881/medianode/internal/version.Date=$(date -u +%Y-%m-%dT%H:%M:%SZ)
//	"
package version

import (
	"fmt"
	"runtime"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Short returns the bare version string.
func Short() string { return Version }

// Full returns a human-readable version line.
func Full() string {
	return fmt.Sprintf("medianode %s (commit %s, built %s, %s %s/%s)",
		Version, Commit, Date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
