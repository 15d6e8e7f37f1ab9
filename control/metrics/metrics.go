// Package metrics exposes Prometheus counters/gauges for the control
// plane and classify dispatcher.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clsplane",
		Name:      "commands_total",
		Help:      "Control-plane commands handled, by command and result kind.",
	}, []string{"command", "result"})

	ReplaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clsplane",
		Name:      "command_replays_total",
		Help:      "Command restarts triggered by TryAgain.",
	}, []string{"command"})

	BlocksGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clsplane",
		Name:      "blocks",
		Help:      "Live blocks, shared and private.",
	})

	ChainsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clsplane",
		Name:      "chains",
		Help:      "Live chains across all blocks.",
	})

	ProtosGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clsplane",
		Name:      "protos",
		Help:      "Live protos across all chains.",
	})

	ClassifyReclassifyExceeded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clsplane",
		Name:      "classify_reclassify_exceeded_total",
		Help:      "Classify walks that hit the reclassify restart cap.",
	})

	OffloadMirrorFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clsplane",
		Name:      "offload_mirror_failures_total",
		Help:      "Offload mirror calls that failed, by tolerated/fatal.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		CommandsTotal,
		ReplaysTotal,
		BlocksGauge,
		ChainsGauge,
		ProtosGauge,
		ClassifyReclassifyExceeded,
		OffloadMirrorFailures,
	)
}
