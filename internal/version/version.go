// Package version holds build metadata, set at link time:
//
//	go build -ldflags "-X github.com/you/chzzk-chat/internal/version.Version=v0.3.0 \
//	  -X github.com/you/chzzk-chat/internal/version.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/you/chzzk-chat/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

import "time"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// BuiltAt parses BuildTime, returning the zero time when it is unset.
func BuiltAt() time.Time {
	if BuildTime == "" || BuildTime == "unknown" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, BuildTime)
	if err != nil {
		return time.Time{}
	}
	return t
}
