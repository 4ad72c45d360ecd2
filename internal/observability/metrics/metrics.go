package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "crossflow"

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	intentsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "intents",
		Name:      "in_flight",
		Help:      "Number of intents currently being executed by the worker pool.",
	})

	intentsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intents",
		Name:      "terminal_total",
		Help:      "Intents that reached a terminal state, by state.",
	}, []string{"state"})

	intentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intents",
		Name:      "retries_total",
		Help:      "Execution attempts that failed and were retried.",
	})

	intentDeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "intents",
		Name:      "dead_letters_total",
		Help:      "Messages moved to the dead-letter area.",
	})

	ordersTriggered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orders",
		Name:      "triggered_total",
		Help:      "Orders whose price condition was met.",
	})

	pollerActivePairs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "active_pairs",
		Help:      "Distinct price pairs monitored during the last tick.",
	})

	pollerActiveOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "active_orders",
		Help:      "Active orders evaluated during the last tick.",
	})

	pollerFeedErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "poller",
		Name:      "feed_errors_total",
		Help:      "Price feed fetches that failed.",
	})

	permissionConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "permission",
		Name:      "operations_consumed_total",
		Help:      "One-shot authorizations consumed by the execution agent.",
	})

	loopRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "supervisor",
		Name:      "loop_restarts_total",
		Help:      "Supervised background loop restarts, by loop name.",
	}, []string{"loop"})
)

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// IntentStarted marks one intent entering the worker pool.
func IntentStarted() { intentsInFlight.Inc() }

// IntentFinished marks one intent leaving the worker pool.
func IntentFinished() { intentsInFlight.Dec() }

// IntentTerminal counts a terminal disposition ("succeeded" or "failed").
func IntentTerminal(state string) { intentsTerminal.WithLabelValues(state).Inc() }

// IntentRetried counts a failed attempt that will be retried.
func IntentRetried() { intentRetries.Inc() }

// IntentDeadLettered counts a message moved to the dead-letter area.
func IntentDeadLettered() { intentDeadLetters.Inc() }

// OrderTriggered counts an order whose trigger condition fired.
func OrderTriggered() { ordersTriggered.Inc() }

// PollerTick records the gauge snapshot of one poller pass.
func PollerTick(activePairs, activeOrders int) {
	pollerActivePairs.Set(float64(activePairs))
	pollerActiveOrders.Set(float64(activeOrders))
}

// PollerFeedError counts a failed price fetch.
func PollerFeedError() { pollerFeedErrors.Inc() }

// PermissionConsumed counts a consumed one-shot authorization.
func PermissionConsumed() { permissionConsumed.Inc() }

// LoopRestarted counts a supervised loop restart.
func LoopRestarted(loop string) { loopRestarts.WithLabelValues(loop).Inc() }

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
