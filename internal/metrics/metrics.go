//nolint:gochecknoglobals // prometheus metrics
package metrics

import (
	"errors"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ResolvesTotal counts every dispatcher resolve attempt, by upstream and
// outcome. outcome is one of: accept, drop, error, timeout.
var ResolvesTotal = promauto.NewCounterVec(
	prom.CounterOpts{
		Name: "dnsrelay_resolves_total",
		Help: "Total upstream resolve attempts by outcome.",
	},
	[]string{"upstream", "outcome"},
)

// DispatchDuration observes end-to-end dispatch latency, from fan-out
// start to the receive-and-decide loop returning.
var DispatchDuration = promauto.NewHistogram(prom.HistogramOpts{
	Name:    "dnsrelay_dispatch_duration_seconds",
	Help:    "End-to-end dispatch duration in seconds.",
	Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.2, 0.5, 1.0, 1.2},
})

// UpstreamRTT observes a single upstream resolve attempt's latency.
var UpstreamRTT = promauto.NewHistogramVec(prom.HistogramOpts{
	Name:    "dnsrelay_upstream_rtt_seconds",
	Help:    "Upstream resolve RTT in seconds, by upstream.",
	Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0},
}, []string{"upstream"})

// RegisterCollectors registers the default Go/process collectors. Call
// once during startup.
func RegisterCollectors() {
	registerDefault(collectors.NewGoCollector())
	registerDefault(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

func registerDefault(c prom.Collector) {
	if err := prom.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
	}
}
