package percipio

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	oauthExchanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "percipio",
		Name:      "oauth_exchanges_total",
		Help:      "Client-credentials token exchanges by outcome.",
	}, []string{"outcome"})

	tokenCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "percipio",
		Name:      "token_cache_lookups_total",
		Help:      "OAuth token cache lookups by result.",
	}, []string{"result"})

	contentTokenRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "percipio",
		Name:      "content_token_requests_total",
		Help:      "Content-token exchanges by outcome.",
	}, []string{"outcome"})

	launches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "percipio",
		Name:      "launches_total",
		Help:      "Launch URL requests by auth method and outcome.",
	}, []string{"method", "outcome"})
)

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if k := Kind(err); k != "" {
		return string(k)
	}
	return "error"
}
