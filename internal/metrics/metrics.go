// Package metrics 定义优化任务的 Prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_runs_started_total",
		Help: "开始执行的优化任务数量",
	}, []string{"kind"})
	RunsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_runs_finished_total",
		Help: "结束的优化任务数量，按最终状态区分",
	}, []string{"kind", "status"})
	Generations = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optimizer_generation_duration_seconds",
		Help:    "评估并进化一代种群所用的时间",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	}, []string{"kind"})
	FailedCandidates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "optimizer_failed_candidates_total",
		Help: "构造或训练失败的个体数量",
	}, []string{"kind"})
	BestScore = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "optimizer_best_score",
		Help: "正在执行的任务当前的最优适应度",
	}, []string{"kind"})
	Requests = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "optimizer_http_request_duration_seconds",
		Help:    "API 请求的处理时间",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)

func init() {
	prometheus.MustRegister(RunsStarted, RunsFinished, Generations, FailedCandidates, BestScore, Requests)
}

// ObserveGeneration 记录一代种群的耗时、失败个体数和最优适应度
func ObserveGeneration(kind string, elapsed time.Duration, best float64, failed int) {
	Generations.WithLabelValues(kind).Observe(elapsed.Seconds())
	FailedCandidates.WithLabelValues(kind).Add(float64(failed))
	BestScore.WithLabelValues(kind).Set(best)
}

func ObserveRequest(method string, status int, elapsed time.Duration) {
	Requests.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func Handler() http.Handler {
	return promhttp.Handler()
}
