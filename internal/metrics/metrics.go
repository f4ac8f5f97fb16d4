// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// プロバイダー、オーケストレーター、ワーカーから利用する。
type MetricsCollector interface {
	RecordInitiate(platform string)
	RecordCallback(platform, outcome string)
	RecordRefresh(platform, outcome string)
	RecordRevoke(platform, remoteOutcome string)
	RecordSweepDeactivated(count int)
	RecordProviderLatency(platform, operation string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	initiate         *prometheus.CounterVec
	callback         *prometheus.CounterVec
	refresh          *prometheus.CounterVec
	revoke           *prometheus.CounterVec
	sweepDeactivated prometheus.Counter
	providerLatency  *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		initiate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialauth_initiate_total",
			Help: "認可フロー開始の合計数",
		}, []string{"platform"}),
		callback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialauth_callback_total",
			Help: "コールバック処理の結果別合計数",
		}, []string{"platform", "outcome"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialauth_refresh_total",
			Help: "トークンリフレッシュの結果別合計数",
		}, []string{"platform", "outcome"}),
		revoke: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "socialauth_revoke_total",
			Help: "連携解除の合計数（リモート失効の結果別）",
		}, []string{"platform", "remote_outcome"}),
		sweepDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "socialauth_sweep_deactivated_total",
			Help: "期限切れ掃除で無効化されたアカウントの合計数",
		}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "socialauth_provider_request_seconds",
			Help:    "プラットフォームAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform", "operation"}),
	}

	reg.MustRegister(
		c.initiate,
		c.callback,
		c.refresh,
		c.revoke,
		c.sweepDeactivated,
		c.providerLatency,
	)

	return c
}

// RecordInitiate は認可フローの開始を記録する。
func (c *Collector) RecordInitiate(platform string) {
	c.initiate.WithLabelValues(platform).Inc()
}

// RecordCallback はコールバック処理の結果を記録する。
func (c *Collector) RecordCallback(platform, outcome string) {
	c.callback.WithLabelValues(platform, outcome).Inc()
}

// RecordRefresh はリフレッシュの結果を記録する。
func (c *Collector) RecordRefresh(platform, outcome string) {
	c.refresh.WithLabelValues(platform, outcome).Inc()
}

// RecordRevoke は連携解除を記録する。remoteOutcomeはリモート失効呼び出しの結果。
func (c *Collector) RecordRevoke(platform, remoteOutcome string) {
	c.revoke.WithLabelValues(platform, remoteOutcome).Inc()
}

// RecordSweepDeactivated は期限切れ掃除で無効化した件数を記録する。
func (c *Collector) RecordSweepDeactivated(count int) {
	if count <= 0 {
		return
	}
	c.sweepDeactivated.Add(float64(count))
}

// RecordProviderLatency はプラットフォームAPI呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(platform, operation string, duration time.Duration) {
	c.providerLatency.WithLabelValues(platform, operation).Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordInitiate(string)                              {}
func (Nop) RecordCallback(string, string)                      {}
func (Nop) RecordRefresh(string, string)                       {}
func (Nop) RecordRevoke(string, string)                        {}
func (Nop) RecordSweepDeactivated(int)                         {}
func (Nop) RecordProviderLatency(string, string, time.Duration) {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
