package stats

import "github.com/prometheus/client_golang/prometheus"

// PrometheusSink registers every counter/formula as a pull-based
// Prometheus metric against a prometheus.Registerer, using
// CounterFunc/GaugeFunc so the cache's own monotonic uint64 fields
// remain the single source of truth (client_golang never owns the
// value, only reads it on scrape).
type PrometheusSink struct {
	reg prometheus.Registerer
}

// NewPrometheusSink wraps reg, the prometheus.Registerer the caller
// otherwise passes to an http handler (e.g. promhttp.Handler()).
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	return &PrometheusSink{reg: reg}
}

// Counter implements Sink by registering a CounterFunc.
func (s *PrometheusSink) Counter(name, help string, value func() float64) {
	s.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: sanitize(name),
		Help: help,
	}, value))
}

// Formula implements Sink by registering a GaugeFunc, since derived
// rates are not monotonic.
func (s *PrometheusSink) Formula(name, help string, value func() float64) {
	s.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: sanitize(name),
		Help: help,
	}, value))
}

// sanitize rewrites "<cache-name>.metric" into a Prometheus-legal
// metric name ("<cache-name>_metric"); Prometheus metric names may not
// contain '.'.
func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			out[i] = '_'
		} else {
			out[i] = name[i]
		}
	}
	return string(out)
}
