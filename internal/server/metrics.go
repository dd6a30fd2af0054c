package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nftmint/internal/mint"
	"nftmint/internal/status"
	"nftmint/internal/wallet"
)

type metricsRegistry struct {
	registry          *prometheus.Registry
	submissionsTotal  *prometheus.CounterVec
	mintsTotal        *prometheus.CounterVec
	mintInFlight      prometheus.Gauge
	walletConnected   prometheus.Gauge
	walletErrorsTotal *prometheus.CounterVec
	httpRequests      *prometheus.HistogramVec

	mu        sync.Mutex
	lastError status.Kind
}

func newMetricsRegistry() *metricsRegistry {
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nftmint_mint_submissions_total",
		Help: "Mint submissions received by the API",
	}, []string{"status"})

	mints := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nftmint_mints_total",
		Help: "Finished mint attempts by outcome",
	}, []string{"phase", "kind"})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nftmint_mint_in_flight",
		Help: "1 while a mint is between validation and confirmation",
	})

	connected := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nftmint_wallet_connected",
		Help: "1 while the wallet session is connected",
	})

	walletErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nftmint_wallet_errors_total",
		Help: "Wallet session errors by kind",
	}, []string{"kind"})

	httpRequests := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nftmint_http_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	r := prometheus.NewRegistry()
	r.MustRegister(submissions, mints, inFlight, connected, walletErrors, httpRequests)

	return &metricsRegistry{
		registry:          r,
		submissionsTotal:  submissions,
		mintsTotal:        mints,
		mintInFlight:      inFlight,
		walletConnected:   connected,
		walletErrorsTotal: walletErrors,
		httpRequests:      httpRequests,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incSubmission(result string) {
	m.submissionsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) observeMint(r mint.Request) {
	if r.Phase.Busy() {
		m.mintInFlight.Set(1)
		return
	}
	m.mintInFlight.Set(0)
	if r.Phase.Terminal() {
		m.mintsTotal.WithLabelValues(string(r.Phase), string(r.Error)).Inc()
	}
}

// observeWallet counts an error kind once per change, not once per notification.
func (m *metricsRegistry) observeWallet(st wallet.State) {
	if st.Status == wallet.Connected {
		m.walletConnected.Set(1)
	} else {
		m.walletConnected.Set(0)
	}

	m.mu.Lock()
	changed := st.LastError != m.lastError
	m.lastError = st.LastError
	m.mu.Unlock()
	if changed && st.LastError != status.None {
		m.walletErrorsTotal.WithLabelValues(string(st.LastError)).Inc()
	}
}

func (m *metricsRegistry) observeHTTP(method, path string, code int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(code)).Observe(d.Seconds())
}
