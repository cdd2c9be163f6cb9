package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors, registered via Register. The helpers
// below no-op until Register succeeds so embedded users can skip metrics
// entirely.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devsup",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of successful server starts.",
		}, []string{"name"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devsup",
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of server stops (graceful, killed, or idle).",
		}, []string{"name"},
	)
	serverReclaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devsup",
			Subsystem: "server",
			Name:      "reclaims_total",
			Help:      "Number of servers reattached from a previous supervisor run.",
		}, []string{"name"},
	)
	idleStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devsup",
			Subsystem: "server",
			Name:      "idle_stops_total",
			Help:      "Number of automatic stops triggered by the idle monitor.",
		}, []string{"name"},
	)
	logLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devsup",
			Subsystem: "logs",
			Name:      "lines_total",
			Help:      "Output lines captured per server and stream.",
		}, []string{"name", "source"},
	)
	runningServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devsup",
			Subsystem: "server",
			Name:      "running",
			Help:      "Servers currently in the running state.",
		},
	)
	subscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devsup",
			Subsystem: "logs",
			Name:      "subscribers",
			Help:      "Live log subscriptions.",
		},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// an already-registered collector is not an error.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serverStarts, serverStops, serverReclaims, idleStops, logLines, runningServers, subscribers}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer; callers mount it where they like.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(name string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serverStops.WithLabelValues(name).Inc()
	}
}

func IncReclaim(name string) {
	if regOK.Load() {
		serverReclaims.WithLabelValues(name).Inc()
	}
}

func IncIdleStop(name string) {
	if regOK.Load() {
		idleStops.WithLabelValues(name).Inc()
	}
}

func IncLogLine(name, source string) {
	if regOK.Load() {
		logLines.WithLabelValues(name, source).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningServers.Set(float64(n))
	}
}

func SetSubscribers(n int) {
	if regOK.Load() {
		subscribers.Set(float64(n))
	}
}
