package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"tradewatch/config"
	"tradewatch/internal/api"
	"tradewatch/internal/broker"
	"tradewatch/internal/execution"
	"tradewatch/internal/logger"
	"tradewatch/internal/marketdata/bus"
	"tradewatch/internal/marketdata/stream"
	"tradewatch/internal/markethours"
	"tradewatch/internal/metrics"
	"tradewatch/internal/model"
	"tradewatch/internal/notification"
	"tradewatch/internal/portfolio"
	"tradewatch/internal/session"
	redisstore "tradewatch/internal/store/redis"
	sqlitestore "tradewatch/internal/store/sqlite"
	"tradewatch/internal/watchlist"

	goredis "github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[tradewatch] config: %v", err)
	}
	slogger := logger.Init("tradewatch", logger.ParseLevel(cfg.LogLevel))
	slogger.Info("starting", "mode", cfg.Broker.Mode, "feed", cfg.Feed.URL, "categories", cfg.Categories)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, slogger); err != nil {
		slogger.Error("exited with error", "err", err)
		os.Exit(1)
	}
	slogger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, slogger *slog.Logger) error {
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus()
	alerts := newAlerts(cfg.Alerts)

	// ---- Redis (optional) ----
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		c, err := redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			slogger.Warn("redis unavailable, continuing without tick cache", "err", err)
		} else {
			rdb = c
			defer rdb.Close()
			health.CheckRedis(ctx, rdb)
		}
	}
	health.SetRedisEnabled(rdb != nil)

	// ---- Session ----
	var sessions model.KV = session.NewMemoryStore()
	if rdb != nil {
		sessions = session.NewRedisStore(rdb)
	}
	client := broker.New(broker.Config{
		BaseURL:    cfg.Broker.URL,
		Timeout:    cfg.Broker.Timeout,
		User:       cfg.Broker.User,
		Password:   cfg.Broker.Password,
		DeviceID:   cfg.Broker.DeviceID,
		TOTPSecret: cfg.Broker.TOTPSecret,
	})
	values, loggedIn := login(ctx, cfg, client, sessions, slogger)
	userID := values[session.KeyUserID]
	if userID == "" {
		userID = cfg.Broker.User
	}
	userName := values[session.KeyClientName]
	if userName == "" {
		userName = userID
	}

	// ---- Feed + bus ----
	conn, err := stream.New(stream.Config{
		URL:            cfg.Feed.URL,
		MaxAttempts:    cfg.Feed.MaxReconnectAttempts,
		BaseDelay:      cfg.Feed.BaseDelay,
		MaxDelay:       cfg.Feed.MaxDelay,
		ConnectTimeout: cfg.Feed.ConnectTimeout,
	})
	if err != nil {
		return err
	}
	b := bus.New(conn)
	wireFeed(conn, b, prom, health, alerts)

	// ---- Portfolio + risk ----
	pf := portfolio.New(session.Account(values))
	if loggedIn {
		positions, err := client.ConsolidatedTrades(ctx, userID)
		if err != nil {
			slogger.Warn("could not load positions", "err", err)
		} else {
			pf.Load(positions)
			slogger.Info("positions loaded", "count", len(positions))
		}
		if err := pf.RefreshLedger(ctx, client, userID); err != nil {
			slogger.Warn("ledger refresh failed, using login balance", "err", err)
		}
	}
	pf.Attach(b, "portfolio")
	defer pf.Detach()
	risk := portfolio.NewRiskManager(session.Policy(values), pf)

	// ---- Watchlists ----
	if err := os.MkdirAll("data", 0o755); err != nil {
		return err
	}
	store, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		return err
	}
	defer store.Close()
	health.SetSQLiteOK(true)

	var wlBroker watchlist.Broker
	if loggedIn {
		wlBroker = client
	}
	lists := make(map[model.Category]*watchlist.Watchlist)
	for _, name := range cfg.Categories {
		cat, ok := model.ParseCategory(name)
		if !ok {
			slogger.Warn("skipping unknown category", "category", name)
			continue
		}
		wl := watchlist.New(userID, cat, wlBroker, store, cfg.LiveWindow)
		if err := wl.Load(ctx); err != nil {
			slogger.Warn("watchlist load failed", "category", cat, "err", err)
		}
		wl.Attach(b, "watchlist:"+string(cat))
		lists[cat] = wl
	}

	// ---- Execution ----
	cal := markethours.Default
	if cfg.Holidays != "" {
		extra, err := markethours.ParseHolidays(cfg.Holidays)
		if err != nil {
			return err
		}
		cal = markethours.NewCalendar(extra...)
	}
	journal, err := execution.NewJournal(cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	var orders execution.Broker = client
	if cfg.Paper() {
		orders = execution.NewPaperBroker(cfg.Broker.SlippageBps)
		slogger.Info("paper trading enabled", "slippage_bps", cfg.Broker.SlippageBps)
	}
	exec := execution.NewExecutor(execution.Config{
		Broker:    orders,
		Portfolio: pf,
		Risk:      risk,
		Validator: execution.NewValidator(risk, cal),
		Journal:   journal,
		UserName:  userName,
	})
	if loggedIn {
		exec.OnClose = func(closed model.Position, pnl decimal.Decimal) {
			go func() {
				rctx, cancel := context.WithTimeout(ctx, cfg.Broker.Timeout)
				defer cancel()
				if err := pf.RefreshLedger(rctx, client, userID); err != nil {
					slogger.Warn("ledger refresh after close failed", "position", closed.ID, "err", err)
				}
			}()
		}
	}
	exec.OnResult = func(r execution.OrderResult) {
		alerts.Notify(notification.AlertInfo, "Order placed",
			fmt.Sprintf("%s %s x%d @ %s (%s)", r.Request.Side, r.Request.Instrument.Name, r.Request.Lots, r.Order.Price, r.Order.Status))
	}

	// ---- HTTP ----
	var symbols api.SymbolSearcher
	if loggedIn {
		symbols = client
	}
	srv := metrics.NewServer(cfg.MetricsAddr, health)
	srv.Handle("/api/", api.NewRouter(api.Deps{
		UserID:     userID,
		Watchlists: lists,
		Portfolio:  pf,
		Risk:       risk,
		Executor:   exec,
		Symbols:    symbols,
		Feed:       conn,
		Calendar:   cal,
		OnOrder: func(result string) {
			prom.OrdersTotal.WithLabelValues(result).Inc()
		},
	}))
	srv.Start()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return conn.Run(ctx) })

	g.Go(func() error {
		alerts.Run(ctx)
		return nil
	})

	for _, wl := range lists {
		wl := wl
		g.Go(func() error {
			wl.Run(ctx, cfg.FlushInterval)
			return nil
		})
	}

	if rdb != nil {
		cache := redisstore.NewTickCache(rdb, nil, 0)
		wireTickCache(cache, prom, alerts)
		g.Go(func() error {
			cache.Run(ctx, b)
			return nil
		})
	}

	g.Go(func() error {
		health.RunLivenessChecker(ctx, rdb, store.DB(), 10*time.Second)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			st := b.Stats()
			health.SetBus(st.Subscribers, st.Tokens)
			for cat := range lists {
				v := 0.0
				if cal.IsOpen(cat, time.Now()) {
					v = 1
				}
				prom.MarketOpen.WithLabelValues(string(cat)).Set(v)
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	<-ctx.Done()
	slogger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)

	for cat, wl := range lists {
		wl.Detach()
		if err := wl.Flush(shutdownCtx); err != nil {
			slogger.Warn("final flush failed", "category", cat, "err", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// login authenticates with the backend and caches the session. If the
// backend is unreachable the last cached session is used instead. Paper
// mode without credentials runs on an empty session.
func login(ctx context.Context, cfg *config.Config, client *broker.Client, sessions model.KV, slogger *slog.Logger) (map[string]string, bool) {
	if cfg.Broker.User == "" {
		slogger.Warn("no broker credentials, running without a backend session")
		return map[string]string{}, false
	}

	values, err := client.Login(ctx)
	if err == nil {
		if err := sessions.Save(ctx, cfg.Broker.User, values, cfg.SessionTTL); err != nil {
			slogger.Warn("could not cache session", "err", err)
		}
		return values, true
	}

	slogger.Warn("login failed, trying cached session", "err", err)
	cached, cerr := sessions.Load(ctx, cfg.Broker.User)
	if cerr != nil {
		slogger.Warn("no cached session", "err", cerr)
		return map[string]string{}, false
	}
	return cached, true
}

func newAlerts(cfg config.AlertConfig) *notification.Dispatcher {
	targets := notification.Multi{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		targets = append(targets, notification.NewWebhookNotifier(notification.WebhookConfig{
			URL:    cfg.WebhookURL,
			Secret: cfg.WebhookSecret,
		}))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		targets = append(targets, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	return notification.NewDispatcher(targets, 64, notification.AlertLevel(cfg.MinLevel))
}

func wireFeed(conn *stream.Conn, b *bus.Bus, prom *metrics.Metrics, health *metrics.HealthStatus, alerts *notification.Dispatcher) {
	var opened atomic.Bool

	conn.OnTick(func(t model.Tick) {
		b.PublishTick(t)
		prom.TicksDispatched.Inc()
	})
	conn.OnFrame = func(kind stream.FrameKind) {
		prom.FramesTotal.Inc()
		switch kind {
		case stream.FrameTick:
			now := time.Now()
			prom.LastTickUnix.Set(float64(now.Unix()))
			health.SetLastTickTime(now)
		case stream.FrameHeartbeat:
			prom.HeartbeatsTotal.Inc()
		case stream.FrameMalformed:
			prom.MalformedFrames.Inc()
		}
	}
	conn.OnStateChange = func(from, to stream.State) {
		prom.ConnState.Set(float64(to))
		health.SetFeedState(to.String(), to == stream.StateOpen)
		if to == stream.StateOpen && opened.Swap(true) {
			prom.Reconnects.Inc()
		}
		if to == stream.StateFailed {
			st := conn.Status()
			alerts.Notify(notification.AlertCritical, "Market feed down",
				fmt.Sprintf("gave up after %d reconnect attempts; prices are stale until a manual reconnect", st.MaxAttempt))
		}
		log.Printf("[tradewatch] feed %s -> %s", from, to)
	}
	conn.OnDisconnect = b.Disconnected

	b.OnPanic = func(id string, recovered any) {
		prom.SubscriberPanics.WithLabelValues(id).Inc()
		log.Printf("[tradewatch] subscriber %s panicked: %v", id, recovered)
	}
	b.OnDrop = func(id string) {
		prom.SubscriberDrops.WithLabelValues(id).Inc()
	}
	b.OnSubscribe = func(tokens int) {
		prom.SubscriptionSends.Inc()
		prom.SubscriptionSize.Set(float64(tokens))
		prom.Subscribers.Set(float64(b.Stats().Subscribers))
	}
}

func wireTickCache(cache *redisstore.TickCache, prom *metrics.Metrics, alerts *notification.Dispatcher) {
	cache.OnWrite = func(n int, took time.Duration, err error) {
		if err != nil {
			prom.TickCacheErrors.Inc()
		} else {
			prom.TickCacheWriteDur.Observe(took.Seconds())
		}
		prom.TickCachePendingSize.Set(float64(cache.Pending()))
	}
	cache.Breaker().OnStateChange = func(from, to redisstore.State) {
		prom.CircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.CircuitBreakerTrips.Inc()
			alerts.Notify(notification.AlertWarning, "Tick cache unavailable",
				fmt.Sprintf("redis circuit breaker opened (was %s); holding latest ticks in memory", from))
		}
	}
}
