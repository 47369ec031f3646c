package stats

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns one ServerVolume per server id plus index 0, the
// cross-server aggregate (spec.md §3/§4.10). Server id 0 is reserved for
// the aggregate and must not be used as a real server id.
type Registry struct {
	mu   sync.RWMutex
	vols map[int64]*ServerVolume

	Speed *Meter
	Quota *Quota

	prom *promExporter
}

// NewRegistry constructs an empty Registry; the aggregate volume (id 0) is
// created eagerly.
func NewRegistry() *Registry {
	r := &Registry{
		vols:  map[int64]*ServerVolume{0: NewServerVolume()},
		Speed: NewMeter(),
		prom:  newPromExporter(),
	}
	return r
}

// Volume returns the ServerVolume for serverID, creating it lazily.
func (r *Registry) Volume(serverID int64) *ServerVolume {
	r.mu.RLock()
	v, ok := r.vols[serverID]
	r.mu.RUnlock()
	if ok {
		return v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.vols[serverID]; ok {
		return v
	}
	v = NewServerVolume()
	r.vols[serverID] = v
	return v
}

// Add records n downloaded bytes against both the per-server volume and
// the index-0 aggregate, the sliding-speed meter, and the prometheus
// counters, then re-evaluates quota against the aggregate.
func (r *Registry) Add(serverID int64, n int64) {
	r.Volume(serverID).Add(n)
	if serverID != 0 {
		r.Volume(0).Add(n)
		r.prom.observeBytes(0, n)
	}
	r.Speed.Add(n)
	r.prom.observeBytes(serverID, n)
	if r.Quota != nil {
		r.Quota.Evaluate(r.Volume(0))
	}
}

// AggregateDaySum sums the aggregate's last n day buckets; used by tests
// validating "per-server day buckets sum to totalBytes" (spec.md §8).
func (r *Registry) AggregateDaySum(n int) int64 {
	return r.Volume(0).DaySum(n)
}

// PromRegistry exposes the prometheus registry backing this Registry, for
// wiring into an HTTP /metrics handler.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.prom.Registry }
