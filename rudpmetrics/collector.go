// Package rudpmetrics exports a rudp connection's counters as Prometheus
// metrics. It is optional wiring: a server only needs this package if it
// wants a /metrics endpoint. The Collector follows the same
// Collect-over-a-mutex-guarded-map shape commonly used to export
// per-socket counters over Prometheus.
package rudpmetrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"

	"github.com/rudpio/rudp"
)

// snapshotter is satisfied by both *rudp.Client and *rudp.ServerConn.
type snapshotter interface {
	Metrics() rudp.Metrics
	State() rudp.State
}

type connEntry struct {
	id     string
	peer   string
	source snapshotter
}

// Collector is a [prometheus.Collector] that reports bytes delivered,
// retransmissions, timeouts, and duplicate ACKs for every connection
// currently registered with it, labeled by a per-connection id and peer
// address.
type Collector struct {
	mu    sync.Mutex
	conns map[string]connEntry

	bytesDelivered  *prometheus.Desc
	retransmissions *prometheus.Desc
	timeouts        *prometheus.Desc
	duplicateAcks   *prometheus.Desc
	state           *prometheus.Desc
}

// NewCollector returns a Collector ready for [prometheus.Registry.Register].
func NewCollector() *Collector {
	labels := []string{"id", "peer"}
	return &Collector{
		conns: make(map[string]connEntry),
		bytesDelivered: prometheus.NewDesc("rudp_bytes_delivered_total",
			"Total application bytes delivered on this connection.", labels, nil),
		retransmissions: prometheus.NewDesc("rudp_retransmissions_total",
			"Total segments retransmitted on this connection.", labels, nil),
		timeouts: prometheus.NewDesc("rudp_timeouts_total",
			"Total retransmission-timer timeouts on this connection.", labels, nil),
		duplicateAcks: prometheus.NewDesc("rudp_duplicate_acks_total",
			"Total duplicate ACKs observed on this connection.", labels, nil),
		state: prometheus.NewDesc("rudp_connection_state",
			"Current connection state, as the rudp.State enum value.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.bytesDelivered
	descs <- c.retransmissions
	descs <- c.timeouts
	descs <- c.duplicateAcks
	descs <- c.state
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, entry := range c.conns {
		m := entry.source.Metrics()
		metrics <- prometheus.MustNewConstMetric(c.bytesDelivered, prometheus.CounterValue, float64(m.BytesDelivered), entry.id, entry.peer)
		metrics <- prometheus.MustNewConstMetric(c.retransmissions, prometheus.CounterValue, float64(m.Retransmissions), entry.id, entry.peer)
		metrics <- prometheus.MustNewConstMetric(c.timeouts, prometheus.CounterValue, float64(m.Timeouts), entry.id, entry.peer)
		metrics <- prometheus.MustNewConstMetric(c.duplicateAcks, prometheus.CounterValue, float64(m.DuplicateACKs), entry.id, entry.peer)
		metrics <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, float64(entry.source.State()), entry.id, entry.peer)
	}
}

// Add registers source under a fresh xid-minted connection id and returns
// that id so the caller can later [Collector.Remove] it.
func (c *Collector) Add(peer string, source snapshotter) string {
	id := xid.New().String()
	c.mu.Lock()
	c.conns[id] = connEntry{id: id, peer: peer, source: source}
	c.mu.Unlock()
	return id
}

// Remove stops reporting the connection registered under id.
func (c *Collector) Remove(id string) {
	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()
}
