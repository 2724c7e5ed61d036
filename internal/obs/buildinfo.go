package obs

import (
	"runtime"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BuildInfo describes the running gateway for the build_info and
// gate_bootstrap_mode gauges.
type BuildInfo struct {
	Version string
	Commit  string
	Env     string
	// ModulesFailOpen mirrors modules.fail_open_without_schema.
	ModulesFailOpen bool
}

var (
	buildInfoOnce sync.Once

	buildInfoGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "branchgate build information.",
		},
		[]string{"version", "commit", "go_version", "env"},
	)
	bootstrapModeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gate_bootstrap_mode",
		Help: "1 while the module gate lets requests through without module tables.",
	})
)

// InitBuildInfo registers the gauges once and publishes info.
func InitBuildInfo(info BuildInfo) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfoGauge, bootstrapModeGauge)
	})
	buildInfoGauge.Reset()
	buildInfoGauge.WithLabelValues(info.Version, info.Commit, runtime.Version(), info.Env).Set(1)
	if info.ModulesFailOpen {
		bootstrapModeGauge.Set(1)
	} else {
		bootstrapModeGauge.Set(0)
	}
}
