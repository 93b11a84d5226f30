package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the quote feed.
type Metrics struct {
	// Upstream REST
	UpstreamRequests *prometheus.CounterVec   // labels: endpoint, outcome
	UpstreamLatency  *prometheus.HistogramVec // labels: endpoint
	BreakerState     *prometheus.GaugeVec     // labels: endpoint; 0=closed, 1=open, 2=half-open
	BreakerTrips     *prometheus.CounterVec   // labels: endpoint

	// Cache layer
	CacheHits           *prometheus.CounterVec // labels: tier
	CacheStale          prometheus.Counter
	CacheMisses         prometheus.Counter
	BatchFlushes        prometheus.Counter
	CoalescedCallers    prometheus.Counter
	RedisBufferedWrites prometheus.Counter

	// Resolution coverage
	ResolvedTokens   *prometheus.CounterVec // labels: source
	UnresolvedTokens prometheus.Counter

	// Streaming session
	TicksTotal        prometheus.Counter
	DecodeDrops       *prometheus.CounterVec // labels: reason
	WSReconnects      prometheus.Counter
	Subscriptions     prometheus.Gauge
	StreamTransitions *prometheus.CounterVec // labels: state
	HotsetWarmed      prometheus.Counter

	// Broadcast
	FanoutDropsTotal *prometheus.CounterVec // labels: subscriber
	PublisherDrops   prometheus.Counter
	TickClients      prometheus.Gauge
	TickClientDrops  prometheus.Counter

	// Alerts
	AuthFailures prometheus.Counter
}

// NewMetrics registers all metrics on reg and returns them. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_upstream_requests_total",
			Help: "Guarded upstream REST calls by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quotefeed_upstream_duration_seconds",
			Help:    "Guarded upstream call latency including rate-limit waits and retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"endpoint"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quotefeed_circuit_breaker_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=open, 2=half-open)",
		}, []string{"endpoint"}),
		BreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_circuit_breaker_trips_total",
			Help: "Times a circuit breaker tripped open",
		}, []string{"endpoint"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_cache_hits_total",
			Help: "Fresh cache hits by tier",
		}, []string{"tier"}),
		CacheStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_cache_stale_total",
			Help: "Stale values served while a refresh ran",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_cache_misses_total",
			Help: "Tokens missing from both cache tiers",
		}),
		BatchFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_batch_flushes_total",
			Help: "Micro-batch windows flushed to the upstream",
		}),
		CoalescedCallers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_batch_callers_total",
			Help: "Callers served by micro-batch flushes",
		}),
		RedisBufferedWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_redis_buffered_writes_total",
			Help: "Cache writes buffered locally while the Redis breaker was open",
		}),

		ResolvedTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_resolved_tokens_total",
			Help: "Tokens resolved to a routing key, by catalog source",
		}, []string{"source"}),
		UnresolvedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_unresolved_tokens_total",
			Help: "Tokens no catalog source could resolve",
		}),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_ticks_total",
			Help: "Ticks decoded from the streaming socket",
		}),
		DecodeDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_decode_drops_total",
			Help: "Binary records dropped by the decoder",
		}, []string{"reason"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_ws_reconnects_total",
			Help: "Streaming socket reconnection attempts",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotefeed_subscriptions",
			Help: "Tokens in the streaming subscription book",
		}),
		StreamTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_stream_transitions_total",
			Help: "Streaming session state transitions by target state",
		}, []string{"state"}),
		HotsetWarmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_hotset_warmed_total",
			Help: "Tokens subscribed by the hotset warmer",
		}),

		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quotefeed_fanout_drops_total",
			Help: "Ticks dropped by the in-process bus per subscriber",
		}, []string{"subscriber"}),
		PublisherDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_publisher_drops_total",
			Help: "Ticks dropped because the Redis publisher queue was full",
		}),
		TickClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quotefeed_tick_clients",
			Help: "Connected /api/v1/ticks WebSocket clients",
		}),
		TickClientDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_tick_client_drops_total",
			Help: "Ticks missed by slow /api/v1/ticks clients",
		}),

		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quotefeed_auth_failures_total",
			Help: "Upstream authentication failures (REST or streaming)",
		}),
	}

	reg.MustRegister(
		m.UpstreamRequests,
		m.UpstreamLatency,
		m.BreakerState,
		m.BreakerTrips,
		m.CacheHits,
		m.CacheStale,
		m.CacheMisses,
		m.BatchFlushes,
		m.CoalescedCallers,
		m.RedisBufferedWrites,
		m.ResolvedTokens,
		m.UnresolvedTokens,
		m.TicksTotal,
		m.DecodeDrops,
		m.WSReconnects,
		m.Subscriptions,
		m.StreamTransitions,
		m.HotsetWarmed,
		m.FanoutDropsTotal,
		m.PublisherDrops,
		m.TickClients,
		m.TickClientDrops,
		m.AuthFailures,
	)

	return m
}

// ObserveUpstream records one guarded call. outcome is "ok", "circuit_open"
// or "error".
func (m *Metrics) ObserveUpstream(endpoint, outcome string, elapsed time.Duration) {
	m.UpstreamRequests.WithLabelValues(endpoint, outcome).Inc()
	m.UpstreamLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	StreamingEnabled  bool      `json:"streaming_enabled"`
	WSConnected       bool      `json:"ws_connected"`
	StreamState       string    `json:"stream_state"`
	LastTickTime      time.Time `json:"last_tick_time"`
	RedisConnected    bool      `json:"redis_connected"`
	SQLiteOK          bool      `json:"sqlite_ok"`
	UpstreamReachable bool      `json:"upstream_reachable"`
	AuthOK            bool      `json:"auth_ok"`
	RateLimited       bool      `json:"rate_limited"`

	// Liveness check results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetStreamingEnabled(v bool) {
	h.mu.Lock()
	h.StreamingEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetStreamState(s string) {
	h.mu.Lock()
	h.StreamState = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// SetUpstream records the provider's view of the venue.
func (h *HealthStatus) SetUpstream(reachable, authOK, rateLimited bool) {
	h.mu.Lock()
	h.UpstreamReachable = reachable
	h.AuthOK = authOK
	h.RateLimited = rateLimited
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the catalog database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks. extra, if set, runs
// on every pass after the dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration, extra func(ctx context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(checkCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(checkCtx, sqlDB)
				}
				if extra != nil {
					extra(checkCtx)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.RedisConnected || !h.SQLiteOK || !h.UpstreamReachable || !h.AuthOK ||
		(h.StreamingEnabled && !h.WSConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.AuthOK || (!h.RedisConnected && !h.SQLiteOK) {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status            string  `json:"status"`
		Uptime            string  `json:"uptime"`
		StreamingEnabled  bool    `json:"streaming_enabled"`
		WSConnected       bool    `json:"ws_connected"`
		StreamState       string  `json:"stream_state"`
		LastTickTime      string  `json:"last_tick_time"`
		TickAge           string  `json:"tick_age"`
		RedisConnected    bool    `json:"redis_connected"`
		RedisLatencyMs    float64 `json:"redis_latency_ms"`
		SQLiteOK          bool    `json:"sqlite_ok"`
		SQLiteLatencyMs   float64 `json:"sqlite_latency_ms"`
		UpstreamReachable bool    `json:"upstream_reachable"`
		AuthOK            bool    `json:"auth_ok"`
		RateLimited       bool    `json:"rate_limited"`
		LastCheckAt       string  `json:"last_check_at"`
	}{
		Status:            overallStatus,
		Uptime:            time.Since(h.StartedAt).Round(time.Second).String(),
		StreamingEnabled:  h.StreamingEnabled,
		WSConnected:       h.WSConnected,
		StreamState:       h.StreamState,
		LastTickTime:      h.LastTickTime.Format(time.RFC3339),
		TickAge:           tickAge,
		RedisConnected:    h.RedisConnected,
		RedisLatencyMs:    h.RedisLatencyMs,
		SQLiteOK:          h.SQLiteOK,
		SQLiteLatencyMs:   h.SQLiteLatencyMs,
		UpstreamReachable: h.UpstreamReachable,
		AuthOK:            h.AuthOK,
		RateLimited:       h.RateLimited,
		LastCheckAt:       h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	mux    *http.ServeMux
	srv    *http.Server
	log    *slog.Logger
}

// NewServer creates a metrics and health server. gatherer serves /metrics;
// nil uses the default gatherer.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		mux:    mux,
		log:    logger,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handle mounts an extra handler, e.g. a stream status endpoint.
// Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the server's mux.
func (s *Server) Handler() http.Handler { return s.mux }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
