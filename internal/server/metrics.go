package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowdesk/internal/model"
)

type metricsRegistry struct {
	registry       *prometheus.Registry
	actionsTotal   *prometheus.CounterVec
	refreshesTotal *prometheus.CounterVec
	replaysTotal   prometheus.Counter
	pendingActions prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowdesk_actions_total",
		Help: "Create and approve requests by outcome",
	}, []string{"kind", "result"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowdesk_list_refreshes_total",
		Help: "Explicit list refreshes by outcome",
	}, []string{"result"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowdesk_idempotent_replays_total",
		Help: "Requests answered from the idempotency store",
	})

	pending := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escrowdesk_pending_actions",
		Help: "Tracked actions that have not reached a terminal status",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(actions, refreshes, replays, pending)

	return &metricsRegistry{
		registry:       r,
		actionsTotal:   actions,
		refreshesTotal: refreshes,
		replaysTotal:   replays,
		pendingActions: pending,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incAction(kind model.ActionKind, result string) {
	m.actionsTotal.WithLabelValues(string(kind), result).Inc()
}

func (m *metricsRegistry) incRefresh(result string) {
	m.refreshesTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incReplay() {
	m.replaysTotal.Inc()
}

// setPending counts the non-terminal actions and reports the count.
func (m *metricsRegistry) setPending(actions []model.PendingAction) int {
	n := 0
	for _, a := range actions {
		if !a.Status.Terminal() {
			n++
		}
	}
	m.pendingActions.Set(float64(n))
	return n
}
