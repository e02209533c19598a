package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PostsPublished    = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_posts_published_total", Help: "Work items published successfully"})
	PostsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_posts_failed_total", Help: "Work items transitioned to failed"})
	PostsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_posts_retried_total", Help: "Work items left scheduled after a retryable failure"})
	TokensRefreshed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_tokens_refreshed_total", Help: "Credentials refreshed successfully"})
	TokenRefreshFails = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_token_refresh_failures_total", Help: "Credential refresh failures"})
	WebhooksApplied   = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_webhooks_applied_total", Help: "Payment webhook events that changed state"})
	WebhooksDuplicate = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_webhooks_duplicate_total", Help: "Payment webhook events replayed as no-ops"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "orchestrator_rate_limit_rejects_total", Help: "Schedule requests rejected by rate limiter"})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "orchestrator_items_inflight", Help: "Work items currently claimed"})
	TickDuration      = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "orchestrator_tick_duration_seconds", Help: "Tick duration per task class"}, []string{"class"})
	TicksSkipped      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orchestrator_ticks_skipped_total", Help: "Ticks skipped because the previous tick was still running"}, []string{"class"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PostsPublished,
			PostsFailed,
			PostsRetried,
			TokensRefreshed,
			TokenRefreshFails,
			WebhooksApplied,
			WebhooksDuplicate,
			RateLimitRejects,
			InFlightGauge,
			TickDuration,
			TicksSkipped,
		)
	})
	return promhttp.Handler()
}
