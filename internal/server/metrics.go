package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	channelOpsTotal   *prometheus.CounterVec
	discoveredTotal   prometheus.Counter
	idempotentReplays prometheus.Counter
	chainHeadBlock    prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "escrowchan_channel_ops_total",
		Help: "Channel and escrow operations by operation and outcome",
	}, []string{"operation", "status"})

	discovered := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowchan_channels_discovered_total",
		Help: "Payment channels materialized from ChannelOpen event scans",
	})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "escrowchan_idempotent_replays_total",
		Help: "Mutating requests answered from the idempotency store",
	})

	head := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "escrowchan_chain_head_block",
		Help: "Latest ledger block height observed by the health check",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, discovered, replays, head)

	return &metricsRegistry{
		registry:          r,
		channelOpsTotal:   ops,
		discoveredTotal:   discovered,
		idempotentReplays: replays,
		chainHeadBlock:    head,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOp(operation, status string) {
	m.channelOpsTotal.WithLabelValues(operation, status).Inc()
}

func (m *metricsRegistry) addDiscovered(n int) {
	m.discoveredTotal.Add(float64(n))
}

func (m *metricsRegistry) incReplay() {
	m.idempotentReplays.Inc()
}

func (m *metricsRegistry) setChainHead(block uint64) {
	m.chainHeadBlock.Set(float64(block))
}
