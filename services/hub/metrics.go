package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type metrics struct {
	registry      *prometheus.Registry
	submissions   *prometheus.CounterVec
	manifestScans prometheus.Counter
	wakes         *prometheus.CounterVec
	proxy         *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rescue",
			Subsystem: "hub",
			Name:      "submissions_total",
			Help:      "Evidence submissions stored, by kind.",
		}, []string{"kind"}),
		manifestScans: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rescue",
			Subsystem: "hub",
			Name:      "manifest_scans_total",
			Help:      "Manifest scans served to agents.",
		}),
		wakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rescue",
			Subsystem: "hub",
			Name:      "wake_pings_total",
			Help:      "Wake pings sent to agents, by result.",
		}, []string{"result"}),
		proxy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rescue",
			Subsystem: "hub",
			Name:      "proxy_requests_total",
			Help:      "Download proxy requests, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submissions,
		m.manifestScans,
		m.wakes,
		m.proxy,
	)
	return m
}
