package version

import (
	"runtime"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestFull(t *testing.T) {
	assert.Equal(t, "dev (commit: unknown)", Full())
	assert.Contains(t, FullWithPlatform(), runtime.GOOS+"/"+runtime.GOARCH)
}

func TestBuildInfo(t *testing.T) {
	g := BuildInfo("promagg")
	assert.Equal(t, 1.0, promtest.ToFloat64(g))
}
