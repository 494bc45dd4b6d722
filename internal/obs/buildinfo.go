package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfoOnce sync.Once

	// build_info is a constant 1 labelled with version and commit.
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "shopledger build information.",
		},
		[]string{"version", "commit"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ready",
		Help: "1 once the first ledger load has completed.",
	})
)

// InitBuildInfo registers build_info once and sets its labels.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}
