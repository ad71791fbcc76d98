// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	ResultSuccess        = "success"
	ResultRateLimited    = "rate_limited"
	ResultDeliveryFailed = "delivery_failed"
	ResultMismatch       = "mismatch"
	ResultNotFound       = "not_found"
	ResultNotVerified    = "not_verified"
	ResultDuplicate      = "duplicate"
	ResultInvalid        = "invalid"
	ResultError          = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 登録フロー、認証サービス、メール配信ワーカーから利用する。
type MetricsCollector interface {
	RecordOTPRequest(result string)
	RecordOTPVerify(result string)
	RecordRegistration(result string)
	RecordLogin(method, result string)
	RecordMailSent(kind string)
	RecordMailFailure(kind string)
	RecordMailLatency(duration time.Duration)
	SetMailQueueDepth(depth int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	otpRequests    *prometheus.CounterVec
	otpVerifies    *prometheus.CounterVec
	registrations  *prometheus.CounterVec
	logins         *prometheus.CounterVec
	mailSent       *prometheus.CounterVec
	mailFail       *prometheus.CounterVec
	mailLatency    prometheus.Histogram
	mailQueueDepth prometheus.Gauge
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		otpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_otp_requests_total",
			Help: "OTP発行リクエストの結果別合計数",
		}, []string{"result"}),
		otpVerifies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_otp_verifications_total",
			Help: "OTP検証の結果別合計数",
		}, []string{"result"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_registrations_total",
			Help: "ユーザー登録の結果別合計数",
		}, []string{"result"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_logins_total",
			Help: "ログインの方式・結果別合計数",
		}, []string{"method", "result"}),
		mailSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_mail_sent_total",
			Help: "メール送信成功の種別ごとの合計数",
		}, []string{"kind"}),
		mailFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_mail_fail_total",
			Help: "メール送信失敗の種別ごとの合計数",
		}, []string{"kind"}),
		mailLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authgate_mail_latency_seconds",
			Help:    "メール送信のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		mailQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authgate_mail_queue_depth",
			Help: "送信待ちメールの件数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authgate_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.otpRequests,
		c.otpVerifies,
		c.registrations,
		c.logins,
		c.mailSent,
		c.mailFail,
		c.mailLatency,
		c.mailQueueDepth,
		c.httpStatus,
	)

	return c
}

// RecordOTPRequest はOTP発行リクエストの結果を記録する。
func (c *Collector) RecordOTPRequest(result string) {
	c.otpRequests.WithLabelValues(result).Inc()
}

// RecordOTPVerify はOTP検証の結果を記録する。
func (c *Collector) RecordOTPVerify(result string) {
	c.otpVerifies.WithLabelValues(result).Inc()
}

// RecordRegistration はユーザー登録の結果を記録する。
func (c *Collector) RecordRegistration(result string) {
	c.registrations.WithLabelValues(result).Inc()
}

// RecordLogin はログインの結果を記録する。methodは"password"または"google"。
func (c *Collector) RecordLogin(method, result string) {
	c.logins.WithLabelValues(method, result).Inc()
}

// RecordMailSent はメール送信成功を記録する。
func (c *Collector) RecordMailSent(kind string) {
	c.mailSent.WithLabelValues(kind).Inc()
}

// RecordMailFailure はメール送信失敗を記録する。
func (c *Collector) RecordMailFailure(kind string) {
	c.mailFail.WithLabelValues(kind).Inc()
}

// RecordMailLatency はメール送信のレイテンシを記録する。
func (c *Collector) RecordMailLatency(duration time.Duration) {
	c.mailLatency.Observe(duration.Seconds())
}

// SetMailQueueDepth は送信待ちメール件数を設定する。
func (c *Collector) SetMailQueueDepth(depth int) {
	c.mailQueueDepth.Set(float64(depth))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。メトリクス不要の構成とテストで使う。
type Nop struct{}

func (Nop) RecordOTPRequest(string)         {}
func (Nop) RecordOTPVerify(string)          {}
func (Nop) RecordRegistration(string)       {}
func (Nop) RecordLogin(string, string)      {}
func (Nop) RecordMailSent(string)           {}
func (Nop) RecordMailFailure(string)        {}
func (Nop) RecordMailLatency(time.Duration) {}
func (Nop) SetMailQueueDepth(int)           {}
func (Nop) RecordHTTPStatus(int)            {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
// 一部のコレクターが失敗しても収集できたメトリクスは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
