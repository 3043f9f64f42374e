package proxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts what the proxy sees. Each capture owns a registry so
// concurrent captures never collide.
type Metrics struct {
	registry *prometheus.Registry

	BytesTotal      *prometheus.CounterVec
	ExchangesTotal  prometheus.Counter
	BlockedTotal    *prometheus.CounterVec
	NoArchiveTotal  prometheus.Counter
	ConnErrorsTotal *prometheus.CounterVec
	ActiveConns     prometheus.Gauge
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoop",
			Subsystem: "proxy",
			Name:      "intercepted_bytes_total",
			Help:      "Bytes recorded by direction",
		}, []string{"direction"}),
		ExchangesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scoop",
			Subsystem: "proxy",
			Name:      "exchanges_total",
			Help:      "Exchanges opened by the interceptor",
		}),
		BlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoop",
			Subsystem: "proxy",
			Name:      "blocked_total",
			Help:      "Requests refused by the blocklist",
		}, []string{"kind"}),
		NoArchiveTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scoop",
			Subsystem: "proxy",
			Name:      "noarchive_total",
			Help:      "HTML responses carrying a noarchive directive",
		}),
		ConnErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scoop",
			Subsystem: "proxy",
			Name:      "connection_errors_total",
			Help:      "Per-connection failures by stage",
		}, []string{"stage"}),
		ActiveConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scoop",
			Subsystem: "proxy",
			Name:      "active_connections",
			Help:      "Client connections currently open",
		}),
	}
	r.MustRegister(m.BytesTotal, m.ExchangesTotal, m.BlockedTotal, m.NoArchiveTotal, m.ConnErrorsTotal, m.ActiveConns)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Stats is a point-in-time reading of the counters.
type Stats struct {
	RequestBytes  int64
	ResponseBytes int64
	Exchanges     int64
	Blocked       int64
	NoArchive     int64
	ConnErrors    int64
}

// Stats gathers the registry and sums each counter across its labels.
func (m *Metrics) Stats() (Stats, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			v := int64(metric.GetCounter().GetValue())
			switch f.GetName() {
			case "scoop_proxy_intercepted_bytes_total":
				for _, l := range metric.GetLabel() {
					if l.GetName() != "direction" {
						continue
					}
					if l.GetValue() == DirResponse.String() {
						s.ResponseBytes += v
					} else {
						s.RequestBytes += v
					}
				}
			case "scoop_proxy_exchanges_total":
				s.Exchanges += v
			case "scoop_proxy_blocked_total":
				s.Blocked += v
			case "scoop_proxy_noarchive_total":
				s.NoArchive += v
			case "scoop_proxy_connection_errors_total":
				s.ConnErrors += v
			}
		}
	}
	return s, nil
}
