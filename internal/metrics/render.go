package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	RenderResultOK     = "ok"
	RenderResultFailed = "failed"
)

var (
	renderCardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idcard",
			Subsystem: "render",
			Name:      "cards_total",
			Help:      "卡片渲染总数，按结果区分。",
		},
		[]string{"result"},
	)

	renderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "idcard",
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "单张卡片绑定与渲染耗时（秒）。",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"backend"},
	)

	renderRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "idcard",
			Subsystem: "render",
			Name:      "retries_total",
			Help:      "单卡渲染失败后的重试次数。",
		},
		[]string{"backend"},
	)
)

// ObserveCardRender 记录一次单卡渲染（包括重试在内）的结果与耗时。
func ObserveCardRender(backend, result string, elapsed time.Duration) {
	renderCardsTotal.WithLabelValues(result).Inc()
	renderDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
}

// IncRenderRetry 在单卡重试时调用。
func IncRenderRetry(backend string) {
	renderRetriesTotal.WithLabelValues(backend).Inc()
}
