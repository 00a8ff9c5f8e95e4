package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the market-data core.
type Metrics struct {
	// Feed connection
	FramesTotal     prometheus.Counter
	HeartbeatsTotal prometheus.Counter
	MalformedFrames prometheus.Counter
	Reconnects      prometheus.Counter
	ConnState       prometheus.Gauge // 0=disconnected, 1=connecting, 2=open, 3=failed
	LastTickUnix    prometheus.Gauge

	// Bus and registry
	TicksDispatched   prometheus.Counter
	SubscriberPanics  *prometheus.CounterVec // labels: subscriber
	SubscriberDrops   *prometheus.CounterVec // labels: subscriber
	SubscriptionSends prometheus.Counter
	SubscriptionSize  prometheus.Gauge
	Subscribers       prometheus.Gauge

	// Tick cache
	TickCacheWriteDur    prometheus.Histogram
	TickCacheErrors      prometheus.Counter
	CircuitBreakerState  prometheus.Gauge // 0=closed, 1=open, 2=half-open
	CircuitBreakerTrips  prometheus.Counter
	TickCachePendingSize prometheus.Gauge

	// Orders
	OrdersTotal *prometheus.CounterVec // labels: result=placed|rejected|invalid|error

	// Market session
	MarketOpen *prometheus.GaugeVec // labels: category
}

// NewMetrics creates all collectors and registers them with reg. A nil reg
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		FramesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewatch_feed_frames_total",
			Help: "Total frames received from the feed socket",
		}),
		HeartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewatch_feed_heartbeats_total",
			Help: "Heartbeat frames received",
		}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewatch_feed_malformed_frames_total",
			Help: "Frames that failed to decode and were skipped",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewatch_feed_reconnects_total",
			Help: "Reconnect attempts scheduled",
		}),
		ConnState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradewatch_feed_state",
			Help: "Feed connection state (0=disconnected, 1=connecting, 2=open, 3=failed)",
		}),
		LastTickUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradewatch_feed_last_tick_timestamp_seconds",
			Help: "Unix time of the last dispatched tick",
		}),

		TicksDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewatch_bus_ticks_total",
			Help: "Ticks fanned out to subscribers",
		}),
		SubscriberPanics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_bus_subscriber_panics_total",
			Help: "Subscriber callbacks that panicked",
		}, []string{"subscriber"}),
		SubscriberDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_bus_subscriber_drops_total",
			Help: "Events dropped because a channel subscriber was full",
		}, []string{"subscriber"}),
		SubscriptionSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewatch_subscription_sends_total",
			Help: "Subscription payloads sent upstream",
		}),
		SubscriptionSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradewatch_subscription_tokens",
			Help: "Tokens in the current upstream subscription",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradewatch_bus_subscribers",
			Help: "Registered bus subscribers",
		}),

		TickCacheWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradewatch_tickcache_write_duration_seconds",
			Help:    "Redis tick cache write latency",
			Buckets: prometheus.DefBuckets,
		}),
		TickCacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewatch_tickcache_errors_total",
			Help: "Failed tick cache writes",
		}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradewatch_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		CircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradewatch_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		TickCachePendingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradewatch_tickcache_pending",
			Help: "Ticks held in memory while Redis is unavailable",
		}),

		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradewatch_orders_total",
			Help: "Order placements by result",
		}, []string{"result"}),

		MarketOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradewatch_market_open",
			Help: "Market session state per category (0=closed, 1=open)",
		}, []string{"category"}),
	}

	reg.MustRegister(
		m.FramesTotal,
		m.HeartbeatsTotal,
		m.MalformedFrames,
		m.Reconnects,
		m.ConnState,
		m.LastTickUnix,
		m.TicksDispatched,
		m.SubscriberPanics,
		m.SubscriberDrops,
		m.SubscriptionSends,
		m.SubscriptionSize,
		m.Subscribers,
		m.TickCacheWriteDur,
		m.TickCacheErrors,
		m.CircuitBreakerState,
		m.CircuitBreakerTrips,
		m.TickCachePendingSize,
		m.OrdersTotal,
		m.MarketOpen,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	FeedState      string    `json:"feed_state"`
	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisEnabled   bool      `json:"redis_enabled"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`
	Subscribers    int       `json:"subscribers"`
	Tokens         int       `json:"tokens"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`

	now func() time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		FeedState: "disconnected",
		StartedAt: time.Now(),
		now:       time.Now,
	}
}

// SetFeedState records the feed connection state by name.
func (h *HealthStatus) SetFeedState(state string, open bool) {
	h.mu.Lock()
	h.FeedState = state
	h.FeedConnected = open
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSQLiteOK(v bool) {
	h.mu.Lock()
	h.SQLiteOK = v
	h.mu.Unlock()
}

// SetBus records the subscriber count and subscription size.
func (h *HealthStatus) SetBus(subscribers, tokens int) {
	h.mu.Lock()
	h.Subscribers = subscribers
	h.Tokens = tokens
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
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = h.now()
	h.mu.Unlock()
}

// RunLivenessChecker probes Redis and SQLite every interval until ctx is
// cancelled. Either may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if rdb != nil {
				h.CheckRedis(probeCtx, rdb)
			}
			if sqlDB != nil {
				h.CheckSQLite(probeCtx, sqlDB)
			}
			cancel()
		}
	}
}

// ServeHTTP handles the /healthz endpoint. The service is degraded when the
// feed is down or a configured dependency fails, and unhealthy when the feed
// has given up reconnecting.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.FeedConnected || !h.SQLiteOK || (h.RedisEnabled && !h.RedisConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if h.FeedState == "failed" {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	lastTick := ""
	if !h.LastTickTime.IsZero() {
		tickAge = h.now().Sub(h.LastTickTime).Round(time.Millisecond).String()
		lastTick = h.LastTickTime.Format(time.RFC3339)
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		FeedState       string  `json:"feed_state"`
		LastTickTime    string  `json:"last_tick_time"`
		TickAge         string  `json:"tick_age"`
		Subscribers     int     `json:"subscribers"`
		Tokens          int     `json:"tokens"`
		RedisEnabled    bool    `json:"redis_enabled"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          h.now().Sub(h.StartedAt).Round(time.Second).String(),
		FeedState:       h.FeedState,
		LastTickTime:    lastTick,
		TickAge:         tickAge,
		Subscribers:     h.Subscribers,
		Tokens:          h.Tokens,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz, plus any extra
// handlers mounted with Handle.
type Server struct {
	health *HealthStatus
	addr   string
	mux    *http.ServeMux
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		mux:    mux,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handle mounts h at pattern. Call before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
