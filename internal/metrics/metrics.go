// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// キャッシュ参照結果のラベル値
const (
	CacheHit     = "hit"
	CacheMiss    = "miss"
	CacheCorrupt = "corrupt"
)

// Recorder はメトリクス収集のインターフェース。
// ゲートウェイ、キャッシュ、ミューテーションコーディネーターから利用する。
type Recorder interface {
	RecordRequest(operation string, ok bool)
	RecordHTTPStatus(statusCode int)
	RecordRetry(operation string)
	RecordLatency(operation string, duration time.Duration)
	RecordCacheLookup(result string)
	RecordMutation(kind, outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	requests   *prometheus.CounterVec
	httpStatus *prometheus.CounterVec
	retries    *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	cache      *prometheus.CounterVec
	mutations  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyflow_api_requests_total",
			Help: "リモートAPI呼び出しの合計数（操作・結果別）",
		}, []string{"operation", "outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyflow_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyflow_api_retries_total",
			Help: "リトライした読み込みの合計数",
		}, []string{"operation"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storyflow_api_latency_seconds",
			Help:    "リモートAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyflow_cache_lookups_total",
			Help: "ローカルキャッシュ参照の合計数（hit, miss, corrupt）",
		}, []string{"result"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storyflow_mutations_total",
			Help: "楽観的更新の合計数（種類・結果別）",
		}, []string{"kind", "outcome"}),
	}

	reg.MustRegister(
		c.requests,
		c.httpStatus,
		c.retries,
		c.latency,
		c.cache,
		c.mutations,
	)

	return c
}

// RecordRequest はAPI呼び出しの結果を記録する。
func (c *Collector) RecordRequest(operation string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	c.requests.WithLabelValues(operation, outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRetry はリトライを記録する。
func (c *Collector) RecordRetry(operation string) {
	c.retries.WithLabelValues(operation).Inc()
}

// RecordLatency はAPI呼び出しのレイテンシを記録する。
func (c *Collector) RecordLatency(operation string, duration time.Duration) {
	c.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordCacheLookup はキャッシュ参照の結果を記録する。
func (c *Collector) RecordCacheLookup(result string) {
	c.cache.WithLabelValues(result).Inc()
}

// RecordMutation はミューテーションの結果を記録する。
func (c *Collector) RecordMutation(kind, outcome string) {
	c.mutations.WithLabelValues(kind, outcome).Inc()
}

// Nop は何も記録しないRecorder。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordRequest(string, bool)          {}
func (Nop) RecordHTTPStatus(int)                {}
func (Nop) RecordRetry(string)                  {}
func (Nop) RecordLatency(string, time.Duration) {}
func (Nop) RecordCacheLookup(string)            {}
func (Nop) RecordMutation(string, string)       {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
