package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "medsync"

var (
	once sync.Once

	interceptedRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intercepted_requests_total",
			Help:      "Requests handled by the interceptor by resource class and outcome.",
		},
		[]string{"class", "outcome"},
	)

	replayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_outcomes_total",
			Help:      "Pending change replays by outcome.",
		},
		[]string{"outcome"},
	)

	queuedChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queued_changes_total",
			Help:      "Mutations captured into the durable queue by capture path.",
		},
		[]string{"source"},
	)

	bridgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_messages_total",
			Help:      "Bridge messages by type and delivery result.",
		},
		[]string{"type", "result"},
	)

	pendingChanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_changes",
			Help:      "Pending changes observed after the last drain.",
		},
	)

	online = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_online",
			Help:      "1 when the upstream is reachable.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			interceptedRequests,
			replayOutcomes,
			queuedChanges,
			bridgeMessages,
			pendingChanges,
			online,
		)
	})
}

func IncIntercepted(class, outcome string) {
	interceptedRequests.WithLabelValues(class, outcome).Inc()
}

func IncReplay(outcome string) {
	replayOutcomes.WithLabelValues(outcome).Inc()
}

func IncQueued(source string) {
	queuedChanges.WithLabelValues(source).Inc()
}

func IncBridge(msgType, result string) {
	bridgeMessages.WithLabelValues(msgType, result).Inc()
}

func SetPending(n int) {
	pendingChanges.Set(float64(n))
}

func SetOnline(up bool) {
	if up {
		online.Set(1)
		return
	}
	online.Set(0)
}
