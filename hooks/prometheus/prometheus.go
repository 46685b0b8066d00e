// Package promhook exports varystore hook events as Prometheus counters.
package promhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tanguilp/varystore"
)

type Hooks struct {
	evictionRaces      prometheus.Counter
	staleServed        prometheus.Counter
	selfHeals          *prometheus.CounterVec
	notifyUsedErrors   prometheus.Counter
	altKeysUnsupported prometheus.Counter
}

var _ varystore.Hooks = (*Hooks)(nil)

// New registers the counters with reg (pass prometheus.DefaultRegisterer
// for the default registry).
func New(reg prometheus.Registerer) *Hooks {
	f := promauto.With(reg)
	return &Hooks{
		evictionRaces: f.NewCounter(prometheus.CounterOpts{
			Name: "varystore_eviction_races_total",
			Help: "Responses evicted between candidate listing and body fetch",
		}),
		staleServed: f.NewCounter(prometheus.CounterOpts{
			Name: "varystore_stale_served_total",
			Help: "Resolutions satisfied by a stale-servable response",
		}),
		selfHeals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "varystore_self_heals_total",
			Help: "Records dropped on read by backend self-healing",
		}, []string{"reason"}), // "corrupt", "epoch_mismatch", "decode"
		notifyUsedErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "varystore_notify_used_errors_total",
			Help: "Failed advisory notify-used calls",
		}),
		altKeysUnsupported: f.NewCounter(prometheus.CounterOpts{
			Name: "varystore_alt_keys_unsupported_total",
			Help: "Alternate-key invalidations refused for lack of backend support",
		}),
	}
}

func (h *Hooks) EvictionRace(varystore.RequestKey) { h.evictionRaces.Inc() }
func (h *Hooks) StaleServed(varystore.RequestKey)  { h.staleServed.Inc() }
func (h *Hooks) SelfHeal(_, reason string)         { h.selfHeals.WithLabelValues(reason).Inc() }
func (h *Hooks) NotifyUsedError(error)             { h.notifyUsedErrors.Inc() }
func (h *Hooks) AltKeysUnsupported()               { h.altKeysUnsupported.Inc() }
