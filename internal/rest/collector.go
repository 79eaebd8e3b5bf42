package rest

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	uptimeDesc = prometheus.NewDesc(
		"koatty_uptime_seconds",
		"Seconds since the server started listening.",
		[]string{"server", "protocol"}, nil,
	)
	connsDesc = prometheus.NewDesc(
		"koatty_connections_active",
		"Connections currently admitted to the pool.",
		[]string{"server", "protocol"}, nil,
	)
	memDesc = prometheus.NewDesc(
		"koatty_memory_usage_bytes",
		"Process resident set size.",
		[]string{"server", "protocol"}, nil,
	)
	requestsDesc = prometheus.NewDesc(
		"koatty_requests_total",
		"Requests observed since the server started.",
		[]string{"server", "protocol"}, nil,
	)
)

// collector renders the server set as Prometheus metrics on demand. A
// non-empty filter restricts the walk to one server id.
type collector struct {
	registry Registry
	filter   string
}

func (c collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- uptimeDesc
	ch <- connsDesc
	ch <- memDesc
	ch <- requestsDesc
}

func (c collector) Collect(ch chan<- prometheus.Metric) {
	for _, srv := range c.registry.Servers() {
		if c.filter != "" && srv.ID() != c.filter {
			continue
		}
		snap := srv.Snapshot()
		labels := []string{snap.ServerID, snap.Protocol}
		ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, snap.Uptime, labels...)
		ch <- prometheus.MustNewConstMetric(connsDesc, prometheus.GaugeValue, float64(snap.Connections.Active), labels...)
		ch <- prometheus.MustNewConstMetric(memDesc, prometheus.GaugeValue, float64(snap.MemoryUsage), labels...)
		ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.CounterValue, float64(snap.Requests.Total), labels...)
	}
}
