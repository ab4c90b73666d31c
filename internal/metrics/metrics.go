// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/termtunnel/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// オーケストレーター、Cloudflareクライアント、ワーカー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	ObserveOperation(operation string, err error)
	ObserveRemoteCall(operation string, d time.Duration, err error)
	RecordHTTPStatus(method string, statusCode int)
	RecordExpiredLoginSessions(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	operations      *prometheus.CounterVec
	remoteCalls     *prometheus.CounterVec
	remoteLatency   *prometheus.HistogramVec
	httpStatus      *prometheus.CounterVec
	expiredSessions prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "termtunnel_operations_total",
			Help: "プロビジョニング操作の結果別の合計数",
		}, []string{"operation", "result"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "termtunnel_remote_calls_total",
			Help: "Cloudflare API呼び出しの結果別の合計数",
		}, []string{"operation", "result"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "termtunnel_remote_call_duration_seconds",
			Help:    "Cloudflare API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "termtunnel_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"method", "status_code"}),
		expiredSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "termtunnel_login_sessions_expired_total",
			Help: "期限切れで削除された未検証ログインセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.operations,
		c.remoteCalls,
		c.remoteLatency,
		c.httpStatus,
		c.expiredSessions,
	)

	return c
}

// ObserveOperation はオーケストレーション操作の結果を記録する。
func (c *Collector) ObserveOperation(operation string, err error) {
	c.operations.WithLabelValues(operation, resultLabel(err)).Inc()
}

// ObserveRemoteCall はCloudflare API呼び出しの結果とレイテンシを記録する。
func (c *Collector) ObserveRemoteCall(operation string, d time.Duration, err error) {
	c.remoteCalls.WithLabelValues(operation, resultLabel(err)).Inc()
	c.remoteLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(method string, statusCode int) {
	c.httpStatus.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
}

// RecordExpiredLoginSessions は削除した期限切れセッション数を記録する。
func (c *Collector) RecordExpiredLoginSessions(count int64) {
	if count > 0 {
		c.expiredSessions.Add(float64(count))
	}
}

// resultLabel はエラーをラベル値に変換する。
// ラベルの種類が増えすぎないよう、APIErrorはエラーコード、それ以外は種別のみとする。
func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var remoteErr *model.RemoteResourceError
	if errors.As(err, &remoteErr) {
		return "remote_error"
	}
	var cfgErr *model.ConfigurationError
	if errors.As(err, &cfgErr) {
		return "configuration_error"
	}
	return "error"
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewRegistry はGoランタイムとプロセスのコレクターを登録済みのレジストリを返す。
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
