package version

import (
	"fmt"
	"runtime"
	"time"
)

// Injected at build time via -ldflags "-X github.com/telekom/k8s-lease-elector/pkg/version.Version=...".
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// BuildInfo describes the running binary.
type BuildInfo struct {
	Version   string    `json:"version"`
	GitCommit string    `json:"gitCommit"`
	BuildDate string    `json:"buildDate"`
	GoVersion string    `json:"goVersion"`
	Platform  string    `json:"platform"`
	BuildTime time.Time `json:"buildTime,omitzero"`
}

// GetBuildInfo returns build metadata. BuildTime is set when BuildDate is RFC3339.
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if t, err := time.Parse(time.RFC3339, BuildDate); err == nil {
		info.BuildTime = t
	}
	return info
}

// String renders a single line for `lease-elector version` and the startup log.
func (b BuildInfo) String() string {
	return fmt.Sprintf("lease-elector %s (commit %s, built %s, %s %s)", b.Version, b.GitCommit, b.BuildDate, b.GoVersion, b.Platform)
}

// UserAgent identifies the elector towards the Kubernetes API server.
func UserAgent() string {
	return fmt.Sprintf("lease-elector/%s (%s)", Version, runtime.GOOS+"/"+runtime.GOARCH)
}
