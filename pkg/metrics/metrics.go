package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Leadership state per lease (namespace/name), 1 while this instance leads.
	IsLeader = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lease_elector_is_leader",
		Help: "Whether this instance currently holds the lease (1) or not (0)",
	}, []string{"lease"})
	LeadershipTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_elector_leadership_transitions_total",
		Help: "Total number of leadership transitions, by direction (acquired/lost)",
	}, []string{"lease", "direction"})
	AcquireAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_elector_acquire_attempts_total",
		Help: "Total number of lease acquisition attempts, by result (acquired/held/failed)",
	}, []string{"lease", "result"})
	Renewals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_elector_renewals_total",
		Help: "Total number of lease renewals, by result (success/failure)",
	}, []string{"lease", "result"})
	WatchRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_elector_watch_restarts_total",
		Help: "Total number of times the lease watch was restarted after it ended",
	}, []string{"lease"})
	// Backend errors keyed by operation (get/create/update/watch/release).
	// Conflicts are counted too; losing an optimistic race is a normal outcome.
	BackendErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_elector_backend_errors_total",
		Help: "Total number of failed lease backend calls, by operation",
	}, []string{"lease", "operation"})

	// Notification sinks
	NotificationsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lease_elector_notifications_published_total",
		Help: "Total number of leadership notifications handed to a sink, by sink and result",
	}, []string{"sink", "event", "result"})
)

func init() {
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(LeadershipTransitions)
	prometheus.MustRegister(AcquireAttempts)
	prometheus.MustRegister(Renewals)
	prometheus.MustRegister(WatchRestarts)
	prometheus.MustRegister(BackendErrors)
	prometheus.MustRegister(NotificationsPublished)
}

// MetricsHandler returns an http.Handler exposing Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
