// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder はメトリクス収集のインターフェース。
// ディスパッチャとプロトコル層から利用する。
type Recorder interface {
	RecordConnectionOpened()
	RecordConnectionClosed()
	RecordAcceptFailure()
	RecordCommand(verb string, duration time.Duration)
	RecordStoreError()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	acceptFailures    prometheus.Counter
	commandsTotal     *prometheus.CounterVec
	commandLatency    prometheus.Histogram
	storeErrors       prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_connections_accepted_total",
			Help: "受け付けたTCPコネクションの合計数",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskman_connections_active",
			Help: "現在処理中のコネクション数",
		}),
		acceptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_accept_failures_total",
			Help: "accept失敗の合計数",
		}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_commands_total",
			Help: "処理したコマンドの合計数（動詞別）",
		}, []string{"verb"}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskman_command_latency_seconds",
			Help:    "コマンド処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		storeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_store_errors_total",
			Help: "タスクストアのI/Oエラー合計数",
		}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.acceptFailures,
		c.commandsTotal,
		c.commandLatency,
		c.storeErrors,
	)

	return c
}

// RecordConnectionOpened はコネクション受付を記録する。
func (c *Collector) RecordConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// RecordConnectionClosed はコネクション終了を記録する。
func (c *Collector) RecordConnectionClosed() {
	c.connectionsActive.Dec()
}

// RecordAcceptFailure はaccept失敗を記録する。
func (c *Collector) RecordAcceptFailure() {
	c.acceptFailures.Inc()
}

// RecordCommand はコマンドの実行を動詞別に記録する。
func (c *Collector) RecordCommand(verb string, duration time.Duration) {
	c.commandsTotal.WithLabelValues(verb).Inc()
	c.commandLatency.Observe(duration.Seconds())
}

// RecordStoreError はストアのI/Oエラーを記録する。
func (c *Collector) RecordStoreError() {
	c.storeErrors.Inc()
}

// Nop は何も記録しないRecorder。テストおよびメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordConnectionOpened()             {}
func (Nop) RecordConnectionClosed()             {}
func (Nop) RecordAcceptFailure()                {}
func (Nop) RecordCommand(string, time.Duration) {}
func (Nop) RecordStoreError()                   {}
