// Package metrics exposes Prometheus collectors for verification traffic.
//
// Collectors are package-level and safe to use without registration; call
// MustRegister once from the embedding application to export them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "devicetrust"

var (
	// Verifications counts verification attempts by platform, check type,
	// and outcome ("verified" or "rejected").
	Verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Verification attempts by platform, check type, and result.",
	}, []string{"platform", "check", "result"})

	// RiskScore observes the risk score produced per verification.
	RiskScore = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_score",
		Help:      "Risk scores produced by verifications.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	}, []string{"platform", "check"})

	// TokenRefreshes counts OAuth2 bearer token refreshes against the
	// Google token endpoint.
	TokenRefreshes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refreshes_total",
		Help:      "OAuth2 access token refreshes performed.",
	})
)

// MustRegister registers all collectors with the default registry.
func MustRegister() {
	prometheus.MustRegister(Verifications, RiskScore, TokenRefreshes)
}
