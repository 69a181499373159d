package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ShotCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotcap_shot_created_total",
		Help: "no. of shots created",
	})
	ShotUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotcap_shot_updated_total",
		Help: "no. of shots updated in place",
	})
	ShotRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotcap_shot_retrieved_total",
		Help: "no. of shots retrieved",
	})
	ShotDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotcap_shot_deleted_total",
		Help: "no. of shots deleted",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotcap_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotcap_cache_misses_total",
		Help: "no. of cache misses",
	})
	DeviceRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotcap_device_registered_total",
		Help: "no. of devices registered",
	})
	LoginFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotcap_login_failures_total",
		Help: "no. of failed device logins",
	})
	SignatureRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotcap_signature_rejections_total",
			Help: "no. of credentials or signed links rejected",
		},
		[]string{"kind"},
	)
	ProxyFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotcap_proxy_fetches_total",
			Help: "no. of proxied resource fetches",
		},
		[]string{"outcome"},
	)
	OAuthHandshakes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotcap_oauth_handshakes_total",
			Help: "no. of OAuth handshake completions",
		},
		[]string{"outcome"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shotcap_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shotcap_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shotcap_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shotcap_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
