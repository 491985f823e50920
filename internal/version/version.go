package version

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// Build-time variables injected via ldflags.
var (
	Release   = "dev"
	GitCommit = "unknown"
)

// Full returns the version string in the format "release (commit)".
func Full() string {
	return fmt.Sprintf("%s (commit: %s)", Release, GitCommit)
}

// FullWithPlatform returns the version string with platform information.
func FullWithPlatform() string {
	return fmt.Sprintf("%s (commit: %s, %s/%s)", Release, GitCommit, runtime.GOOS, runtime.GOARCH)
}

// BuildInfo returns a constant gauge labelled with the build version,
// for exposing next to other metrics.
func BuildInfo(namespace string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information, always 1.",
		ConstLabels: prometheus.Labels{
			"version":   Release,
			"commit":    GitCommit,
			"goversion": runtime.Version(),
		},
	})
	g.Set(1)

	return g
}
