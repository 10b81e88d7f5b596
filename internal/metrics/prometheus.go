package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	CodesIssuedTotal     prometheus.Counter
	CodesExchangedTotal  prometheus.Counter
	TokensIssuedTotal    prometheus.Counter
	TokensRotatedTotal   prometheus.Counter
	ReuseDetectedTotal   prometheus.Counter
	FamiliesRevokedTotal prometheus.Counter
)

func init() {
	// Metrics must exist even when InitCustomMetrics is never called (tests).
	initCounters()
}

func initCounters() {
	CodesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sso_auth_codes_issued_total",
		Help: "Total number of authorization codes issued.",
	})
	CodesExchangedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sso_auth_codes_exchanged_total",
		Help: "Total number of authorization codes exchanged for tokens.",
	})
	TokensIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sso_tokens_issued_total",
		Help: "Total number of access tokens issued.",
	})
	TokensRotatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sso_refresh_tokens_rotated_total",
		Help: "Total number of refresh token rotations.",
	})
	ReuseDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sso_refresh_token_reuse_detected_total",
		Help: "Total number of refresh token reuse incidents detected.",
	})
	FamiliesRevokedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sso_token_families_revoked_total",
		Help: "Total number of token families revoked.",
	})
}

// InitCustomMetrics registers the subsystem's metrics on the given registerer.
// It should be called once at application startup.
func InitCustomMetrics(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	for _, c := range []prometheus.Collector{
		CodesIssuedTotal,
		CodesExchangedTotal,
		TokensIssuedTotal,
		TokensRotatedTotal,
		ReuseDetectedTotal,
		FamiliesRevokedTotal,
	} {
		if err := reg.Register(c); err != nil {
			log.Warn().Err(err).Msg("failed to register metric")
		}
	}
}
