// Package promhook exports engine hook callbacks as Prometheus counters.
package promhook

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/reactkit/swr"
)

// Hooks counts engine lifecycle events. Keys are low-cardinality reasons,
// never storage keys, so label explosion is not a concern.
type Hooks struct {
	fetchDiscarded *prometheus.CounterVec
	fetchFailed    prometheus.Counter
	rollbackSkips  prometheus.Counter
	eventsDropped  prometheus.Counter
	setRejected    prometheus.Counter
	selfHeals      *prometheus.CounterVec
	sweepRemoved   *prometheus.CounterVec
}

var _ swr.Hooks = (*Hooks)(nil)

// New registers the counters on reg and returns the hook set. Pass
// prometheus.DefaultRegisterer for the global registry.
func New(reg prometheus.Registerer) *Hooks {
	h := &Hooks{
		fetchDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swr_fetch_discarded_total",
			Help: "Fetch results dropped by the generation gate",
		}, []string{"reason"}),

		fetchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swr_fetch_failed_total",
			Help: "Fetches that settled with an error",
		}),

		rollbackSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swr_rollback_skipped_total",
			Help: "Optimistic rollbacks skipped because a newer write owned the key",
		}),

		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swr_events_dropped_total",
			Help: "Events dropped on full subscriber channels",
		}),

		setRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swr_provider_set_rejected_total",
			Help: "Payload writes the provider refused (backpressure or cost)",
		}),

		selfHeals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swr_self_heal_total",
			Help: "Payloads deleted on read",
		}, []string{"reason"}),

		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "swr_sweep_removed_total",
			Help: "Entries removed by the sweeper",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		h.fetchDiscarded,
		h.fetchFailed,
		h.rollbackSkips,
		h.eventsDropped,
		h.setRejected,
		h.selfHeals,
		h.sweepRemoved,
	)
	return h
}

func (h *Hooks) FetchDiscarded(_, reason string) {
	h.fetchDiscarded.WithLabelValues(reason).Inc()
}

func (h *Hooks) FetchFailed(string, error) { h.fetchFailed.Inc() }

func (h *Hooks) RollbackSkipped(string) { h.rollbackSkips.Inc() }

func (h *Hooks) EventDropped(string, string) { h.eventsDropped.Inc() }

func (h *Hooks) ProviderSetRejected(string) { h.setRejected.Inc() }

func (h *Hooks) SelfHeal(_, reason string) {
	h.selfHeals.WithLabelValues(reason).Inc()
}

func (h *Hooks) SweepCompleted(expired, unused, evicted int) {
	h.sweepRemoved.WithLabelValues("expired").Add(float64(expired))
	h.sweepRemoved.WithLabelValues("unused").Add(float64(unused))
	h.sweepRemoved.WithLabelValues("evicted").Add(float64(evicted))
}
