// Package metrics 把会话与中继的运行时计数导出为 Prometheus 指标。
// 组件自身只维护原子计数，采集时由 Collector 读取快照，不在热路径上更新指标。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/network-goods-institute/negation-game-sub014/pkg/session"
	"github.com/network-goods-institute/negation-game-sub014/pkg/transport/wsrelay"
)

const namespace = "graphsync"

type metric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(session.Stats) float64
}

func sessionMetric(name, help string, kind prometheus.ValueType, value func(session.Stats) float64) metric {
	return metric{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "session", name), help, []string{"doc", "client"}, nil),
		kind:  kind,
		value: value,
	}
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

var sessionMetrics = []metric{
	sessionMetric("leader", "Whether this connection is its user's leader.", prometheus.GaugeValue,
		func(s session.Stats) float64 { return flag(s.Leader) }),
	sessionMetric("writable", "Whether writes are currently enabled.", prometheus.GaugeValue,
		func(s session.Stats) float64 { return flag(s.Writable) }),
	sessionMetric("connection_status", "Debounced connection status (0 connecting, 1 connected, 2 disconnected).", prometheus.GaugeValue,
		func(s session.Stats) float64 { return float64(s.Status) }),
	sessionMetric("disconnects_total", "Published disconnect events.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Disconnects) }),
	sessionMetric("promotions_total", "Leader promotions.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Promotions) }),
	sessionMetric("lock_conflicts_total", "Lock acquisitions refused because another holder exists.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.LockConflicts) }),
	sessionMetric("undo_depth", "Entries on the undo stack.", prometheus.GaugeValue,
		func(s session.Stats) float64 { return float64(s.UndoDepth) }),
	sessionMetric("redo_depth", "Entries on the redo stack.", prometheus.GaugeValue,
		func(s session.Stats) float64 { return float64(s.RedoDepth) }),
	sessionMetric("undo_steps_total", "Undo steps applied.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Undone) }),
	sessionMetric("redo_steps_total", "Redo steps applied.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Redone) }),
	sessionMetric("pending_ops", "Operations waiting for missing dependencies.", prometheus.GaugeValue,
		func(s session.Stats) float64 { return float64(s.PendingOps) }),
	sessionMetric("saves_total", "Snapshots persisted.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Saves) }),
	sessionMetric("save_failures_total", "Snapshot persistence failures.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.SaveFailures) }),
	sessionMetric("bridge_enqueued_total", "Replicated transactions queued for the local view.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Bridge.Enqueued) }),
	sessionMetric("bridge_processed_total", "Replicated transactions applied to the local view.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Bridge.Processed) }),
	sessionMetric("bridge_backpressure_total", "Transactions applied inline because the queue was full.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Bridge.Backpressure) }),
	sessionMetric("geometry_writes_total", "Coalesced position and dimension writes.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Bridge.GeometryWrites) }),
	sessionMetric("updates_sent_total", "Frames sent on the replication channel.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Replication.Sent) }),
	sessionMetric("updates_received_total", "Updates received on the replication channel.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Replication.Received) }),
	sessionMetric("replication_failures_total", "Updates that failed to encode, send or apply.", prometheus.CounterValue,
		func(s session.Stats) float64 { return float64(s.Replication.Failures) }),
}

// StatsSource 提供会话统计。*session.Session 满足该接口。
type StatsSource interface {
	Stats() session.Stats
}

// SessionCollector 采集一组会话的指标。
type SessionCollector struct {
	client  string
	sources func() []StatsSource
}

// NewSessionCollector 创建采集器。client 用作 client 标签。
func NewSessionCollector(client string, sources func() []StatsSource) *SessionCollector {
	return &SessionCollector{client: client, sources: sources}
}

func (c *SessionCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range sessionMetrics {
		ch <- m.desc
	}
}

func (c *SessionCollector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources() {
		st := src.Stats()
		for _, m := range sessionMetrics {
			ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(st), st.DocumentID, c.client)
		}
	}
}

var (
	relayConnections = prometheus.NewDesc(prometheus.BuildFQName(namespace, "relay", "connections"), "Open relay connections.", nil, nil)
	relayRooms       = prometheus.NewDesc(prometheus.BuildFQName(namespace, "relay", "rooms"), "Documents with at least one connection.", nil, nil)
	relayFrames      = prometheus.NewDesc(prometheus.BuildFQName(namespace, "relay", "frames_total"), "Frames received from clients.", nil, nil)
	relayDropped     = prometheus.NewDesc(prometheus.BuildFQName(namespace, "relay", "dropped_total"), "Connections closed because their send buffer was full.", nil, nil)
)

// RelayCollector 采集中继指标。
type RelayCollector struct {
	stats func() wsrelay.ServerStats
}

// NewRelayCollector 创建中继采集器。
func NewRelayCollector(stats func() wsrelay.ServerStats) *RelayCollector {
	return &RelayCollector{stats: stats}
}

func (c *RelayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- relayConnections
	ch <- relayRooms
	ch <- relayFrames
	ch <- relayDropped
}

func (c *RelayCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	ch <- prometheus.MustNewConstMetric(relayConnections, prometheus.GaugeValue, float64(st.Connections))
	ch <- prometheus.MustNewConstMetric(relayRooms, prometheus.GaugeValue, float64(st.Rooms))
	ch <- prometheus.MustNewConstMetric(relayFrames, prometheus.CounterValue, float64(st.Frames))
	ch <- prometheus.MustNewConstMetric(relayDropped, prometheus.CounterValue, float64(st.Dropped))
}

// NewRegistry 创建独立的注册表，包含 Go 运行时指标与给定的采集器。
func NewRegistry(extra ...prometheus.Collector) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	all := append([]prometheus.Collector{collectors.NewGoCollector()}, extra...)
	for _, c := range all {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Handler 返回注册表的 HTTP 处理器。
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
