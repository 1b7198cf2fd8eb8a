package runtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stepherg/manup"
)

// Metrics records fetch outcomes, the derived status and callback dispatches. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	fetches    *prometheus.CounterVec
	fetchTime  *prometheus.HistogramVec
	status     *prometheus.GaugeVec
	dispatches *prometheus.CounterVec
}

var knownStatuses = []manup.Status{
	manup.StatusLatest,
	manup.StatusSupported,
	manup.StatusUnsupported,
	manup.StatusDisabled,
	manup.StatusError,
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "manup",
			Name:      "config_fetches_total",
			Help:      "Configuration fetches by cache key and outcome.",
		}, []string{"key", "outcome"}),
		fetchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "manup",
			Name:      "config_fetch_duration_seconds",
			Help:      "Configuration fetch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"key"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "manup",
			Name:      "status",
			Help:      "1 for the current derived status of a platform, 0 otherwise.",
		}, []string{"platform", "status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "manup",
			Name:      "callback_dispatches_total",
			Help:      "Status callbacks invoked, by callback.",
		}, []string{"callback"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.fetches, m.fetchTime, m.status, m.dispatches} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) observeFetch(key string, seconds float64, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.fetches.WithLabelValues(key, outcome).Inc()
	m.fetchTime.WithLabelValues(key).Observe(seconds)
}

func (m *Metrics) setStatus(platform string, status manup.Status) {
	if m == nil {
		return
	}
	for _, s := range knownStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.status.WithLabelValues(platform, string(s)).Set(v)
	}
}

func (m *Metrics) observeDispatch(callback string) {
	if m == nil || callback == "" {
		return
	}
	m.dispatches.WithLabelValues(callback).Inc()
}
