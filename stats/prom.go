package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// promExporter exports the same counters the hand-rolled sliding-window
// meter and per-server volumes already track, as prometheus metrics,
// grounded on aistore stats/target_stats.go's pattern of a stats runner
// that owns both a hand-rolled registry and a prometheus one side by side.
type promExporter struct {
	Registry   *prometheus.Registry
	bytesTotal *prometheus.CounterVec
}

// newPromExporter builds its own prometheus.Registry rather than using the
// global DefaultRegisterer, so that multiple Registry instances (e.g. one
// per test) never collide on a duplicate metric registration.
func newPromExporter() *promExporter {
	p := &promExporter{
		Registry: prometheus.NewRegistry(),
		bytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nzbget",
			Subsystem: "download",
			Name:      "server_bytes_total",
			Help:      "Total bytes downloaded per news server (server id 0 is the aggregate).",
		}, []string{"server_id"}),
	}
	p.Registry.MustRegister(p.bytesTotal)
	return p
}

func (p *promExporter) observeBytes(serverID int64, n int64) {
	if n <= 0 {
		return
	}
	p.bytesTotal.WithLabelValues(strconv.FormatInt(serverID, 10)).Add(float64(n))
}
