package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// 抓取与调度相关的 Prometheus 指标。
// 必须先调用 InitMetrics 完成注册，否则指标为 nil。
var (
	// ScrapeTotal 按结果统计的单站点抓取次数 (status: success / failed)。
	ScrapeTotal *prometheus.CounterVec
	// ScrapeDurationSeconds 单站点抓取耗时分布。
	ScrapeDurationSeconds prometheus.Histogram
	// ScrapeRunsTotal 按触发来源统计的批量抓取次数 (trigger: schedule / manual)。
	ScrapeRunsTotal *prometheus.CounterVec
	// ScrapeRunSkippedTotal 因上一轮仍在执行而被跳过的批量抓取次数。
	ScrapeRunSkippedTotal prometheus.Counter
	// ScrapeRunInFlight 当前是否有批量抓取在执行 (0 或 1)。
	ScrapeRunInFlight prometheus.Gauge
	// ObservationsAppendedTotal 写入价格历史的观测总数。
	ObservationsAppendedTotal prometheus.Counter
	// RateLimitWaitDuration 速率限制等待耗时分布。
	RateLimitWaitDuration prometheus.Histogram
	// RateLimitTimeoutTotal 速率限制等待超时次数。
	RateLimitTimeoutTotal prometheus.Counter
	// WorkerPoolSize 配置的抓取并发度。
	WorkerPoolSize prometheus.Gauge
)

var initOnce sync.Once

// InitMetrics 注册所有指标并记录当前 worker 池大小。
//
// 可以安全地多次调用，只有第一次生效。
func InitMetrics(workerPoolSize int) {
	initOnce.Do(func() {
		ScrapeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "scrape_total",
			Help:      "Per-site scrape attempts by outcome.",
		}, []string{"status"})

		ScrapeDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pricewatch",
			Name:      "scrape_duration_seconds",
			Help:      "Duration of a single site fetch+extract.",
			Buckets:   prometheus.DefBuckets,
		})

		ScrapeRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "scrape_runs_total",
			Help:      "Batch scrape runs by trigger.",
		}, []string{"trigger"})

		ScrapeRunSkippedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "scrape_run_skipped_total",
			Help:      "Scheduled runs skipped because the previous run was still in flight.",
		})

		ScrapeRunInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pricewatch",
			Name:      "scrape_run_in_flight",
			Help:      "Whether a batch scrape run is currently executing.",
		})

		ObservationsAppendedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "observations_appended_total",
			Help:      "Price observations appended to the history store.",
		})

		RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pricewatch",
			Name:      "ratelimit_wait_seconds",
			Help:      "Time spent waiting for a rate limit token.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30},
		})

		RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pricewatch",
			Name:      "ratelimit_timeout_total",
			Help:      "Rate limit acquisitions abandoned due to context cancellation.",
		})

		WorkerPoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pricewatch",
			Name:      "worker_pool_size",
			Help:      "Configured scrape concurrency.",
		})

		prometheus.MustRegister(
			ScrapeTotal,
			ScrapeDurationSeconds,
			ScrapeRunsTotal,
			ScrapeRunSkippedTotal,
			ScrapeRunInFlight,
			ObservationsAppendedTotal,
			RateLimitWaitDuration,
			RateLimitTimeoutTotal,
			WorkerPoolSize,
		)
	})

	if WorkerPoolSize != nil {
		WorkerPoolSize.Set(float64(workerPoolSize))
	}
}
