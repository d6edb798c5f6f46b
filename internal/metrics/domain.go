package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenRefreshes counts provider token refresh attempts by result.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hmrc_token_refreshes_total",
			Help: "Total number of HMRC token refresh attempts",
		},
		[]string{"result"},
	)

	// Submissions counts submission transmissions by terminal status.
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hmrc_submissions_total",
			Help: "Total number of submission transmissions by outcome",
		},
		[]string{"outcome"},
	)

	// RateLimitRejections counts connect attempts refused by the limiter.
	RateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hmrc_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the connect rate limiter",
		},
	)

	// HeaderAssemblyFailures counts fraud header sets rejected before send.
	HeaderAssemblyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hmrc_header_assembly_failures_total",
			Help: "Total number of fraud prevention header sets that failed validation",
		},
	)
)
