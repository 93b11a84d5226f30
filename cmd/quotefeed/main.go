package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"quotefeed/config"
	"quotefeed/internal/api"
	"quotefeed/internal/cache"
	"quotefeed/internal/codec"
	"quotefeed/internal/logger"
	"quotefeed/internal/marketdata/bus"
	"quotefeed/internal/markethours"
	"quotefeed/internal/metrics"
	"quotefeed/internal/model"
	"quotefeed/internal/notification"
	"quotefeed/internal/provider"
	"quotefeed/internal/quotes"
	"quotefeed/internal/resilience"
	"quotefeed/internal/resolver"
	"quotefeed/internal/stream"
	redisstore "quotefeed/internal/store/redis"
	sqlitestore "quotefeed/internal/store/sqlite"
	"quotefeed/pkg/marketapi"
)

const (
	fanoutBuffer    = 4096
	redisBufferSize = 10000
	alertWindow     = 5 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	level := logger.ParseLevel(cfg.LogLevel)
	var root *slog.Logger
	if cfg.Tuning.LogFile.Path != "" {
		root = logger.InitWithFile("quotefeed", level, cfg.Tuning.LogFile)
	} else {
		root = logger.Init("quotefeed", level)
	}
	log := logger.Component(root, "main")
	log.Info("starting", "root_url", cfg.RootURL, "stream_url", cfg.StreamURL, "streaming", cfg.StreamingEnabled)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- SQLite catalog (instruments, mappings, candle archive) ----
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		log.Error("sqlite directory create failed", "path", cfg.SQLitePath, "error", err)
		os.Exit(1)
	}
	catalog, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath}, logger.Component(root, "sqlite"))
	if err != nil {
		log.Error("sqlite init failed", "path", cfg.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer catalog.Close()
	health.SetSQLiteOK(true)

	// ---- Redis (optional shared cache tier + tick publisher) ----
	var (
		rdb       *goredis.Client
		remote    cache.Remote
		publisher *redisstore.TickPublisher
	)
	rdb, err = redisstore.Connect(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger.Component(root, "redis"))
	if err != nil {
		log.Warn("redis unavailable, continuing with the local cache only", "addr", cfg.RedisAddr, "error", err)
		health.SetRedisConnected(false)
	} else {
		defer rdb.Close()
		health.SetRedisConnected(true)

		redisBreaker := resilience.NewBreaker(cfg.Tuning.Resilience.FailureThreshold, cfg.Tuning.Resilience.Cooldown)
		redisBreaker.OnStateChange = func(_, to resilience.Status) {
			prom.BreakerState.WithLabelValues("redis").Set(float64(to))
			if to == resilience.StatusOpen {
				prom.BreakerTrips.WithLabelValues("redis").Inc()
			}
		}
		buffered := redisstore.NewBufferedStore(redisstore.NewQuoteStore(rdb, cfg.Tuning.RedisTTL), redisBreaker, redisBufferSize, logger.Component(root, "redis"))
		buffered.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
		remote = buffered

		publisher = redisstore.NewTickPublisher(rdb, logger.Component(root, "publisher"))
		publisher.OnDrop = func() { prom.PublisherDrops.Inc() }
		go publisher.Run(ctx)
	}

	// ---- Token resolution: catalog, provider mappings, legacy table ----
	catSrc, mapSrc, legacySrc := catalog.Sources()
	res := resolver.New(logger.Component(root, "resolver"), cfg.Tuning.ResolverMemo, catSrc, mapSrc, legacySrc)
	res.OnCoverage = func(c resolver.Coverage) {
		for src, n := range c.BySource {
			prom.ResolvedTokens.WithLabelValues(src).Add(float64(n))
		}
		if missing := c.Requested - c.Resolved; missing > 0 {
			prom.UnresolvedTokens.Add(float64(missing))
		}
	}

	// ---- Venue REST client + per-endpoint guard ----
	client := marketapi.New(marketapi.Config{
		APIKey:      cfg.APIKey,
		AccessToken: cfg.AccessToken,
		RootURL:     cfg.RootURL,
		Logger:      logger.Component(root, "marketapi"),
	})
	guard := resilience.NewGuard(cfg.Tuning.Resilience)
	guard.OnStateChange = func(key string, _, to resilience.Status) {
		prom.BreakerState.WithLabelValues(key).Set(float64(to))
		if to == resilience.StatusOpen {
			prom.BreakerTrips.WithLabelValues(key).Inc()
		}
	}
	guard.OnResult = func(key string, err error, elapsed time.Duration) {
		outcome := "ok"
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			outcome = "circuit_open"
		case err != nil:
			outcome = "error"
		}
		prom.ObserveUpstream(key, outcome, elapsed)
	}

	// ---- Cache layer ----
	layer := cache.New(cfg.Tuning.Cache, remote, logger.Component(root, "cache"))
	layer.Stats = cache.Stats{
		OnHit:   func(tier string, n int) { prom.CacheHits.WithLabelValues(tier).Add(float64(n)) },
		OnStale: func(n int) { prom.CacheStale.Add(float64(n)) },
		OnMiss:  func(n int) { prom.CacheMisses.Add(float64(n)) },
	}

	// ---- Streaming session, broadcast and hotset ----
	var (
		session *stream.Session
		hotset  *stream.Hotset
		hub     *api.Hub
		fanout  *bus.FanOut
	)
	if cfg.StreamingEnabled {
		fanout = bus.New(fanoutBuffer, logger.Component(root, "fanout"))
		fanout.OnDrop = func(idx int) {
			prom.FanoutDropsTotal.WithLabelValues(strconv.Itoa(idx)).Inc()
		}
		hub = api.NewHub(logger.Component(root, "ticks"))
		hub.OnClients = func(n int) { prom.TickClients.Set(float64(n)) }
		hub.OnDrop = func() { prom.TickClientDrops.Inc() }
		go hub.Run(ctx, fanout.Subscribe())

		sink := bus.MultiSink{
			fanout,
			model.TickSinkFunc(func(_ context.Context, t model.Tick) { health.SetLastTickTime(t.ReceivedAt) }),
		}
		if publisher != nil {
			sink = append(sink, publisher)
		}

		decoder := codec.NewDecoder(logger.Component(root, "codec"))
		decoder.OnDrop = func(reason string, _ int) { prom.DecodeDrops.WithLabelValues(reason).Inc() }

		session = stream.New(cfg.Tuning.Stream, cfg.AccessToken, stream.Deps{
			Resolver: res,
			Cache:    layer,
			Sink:     sink,
			Decoder:  decoder,
			Logger:   logger.Component(root, "stream"),
		})
		session.OnStateChange = func(_, to stream.State) {
			health.SetStreamState(string(to))
			health.SetWSConnected(to == stream.StateConnected)
			prom.StreamTransitions.WithLabelValues(string(to)).Inc()
		}
		session.OnTicks = func(n int) { prom.TicksTotal.Add(float64(n)) }
		session.OnReconnect = func(int) { prom.WSReconnects.Inc() }
		session.OnSubscriptions = func(n int) { prom.Subscriptions.Set(float64(n)) }

		hotset = stream.NewHotset(cfg.Tuning.HotsetSize, session, logger.Component(root, "hotset"))
		hotset.OnWarm = func(n int) { prom.HotsetWarmed.Add(float64(n)) }
	}

	// ---- Quote orchestrator ----
	deps := quotes.Deps{
		Resolver: res,
		Upstream: client,
		Guard:    guard,
		Cache:    layer,
		Archive:  catalog,
		Logger:   logger.Component(root, "quotes"),
	}
	if hotset != nil {
		deps.Hotset = hotset
	}
	orch := quotes.New(cfg.Tuning.Quotes, deps)
	orch.Batcher().OnFlush = func(callers, _ int) {
		prom.BatchFlushes.Inc()
		prom.CoalescedCallers.Add(float64(callers))
	}
	orch.OnAuthFailure = func(error) { prom.AuthFailures.Inc() }

	// ---- Alerts ----
	alerts := notification.Multi{notification.NewLogNotifier(logger.Component(root, "alerts"))}
	if cfg.AlertWebhookURL != "" {
		alerts = append(alerts, notification.NewWebhookNotifier(cfg.AlertWebhookURL, "quotefeed", logger.Component(root, "alerts")))
	}

	// ---- Provider facade ----
	pingers := map[string]provider.Pinger{provider.DepSQLite: catalog}
	if rdb != nil {
		pingers[provider.DepRedis] = provider.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	pdeps := provider.Deps{
		Auth:         client,
		Quotes:       orch,
		Catalog:      catalog,
		Guard:        guard,
		Clock:        markethours.New(),
		Dependencies: pingers,
		Notifier:     notification.NewThrottled(alerts, alertWindow),
		Health:       health,
		Logger:       logger.Component(root, "provider"),
	}
	if session != nil {
		pdeps.Stream = session
		pdeps.Hotset = hotset
	}
	p := provider.New(provider.Config{
		ClientCode:     cfg.ClientCode,
		Password:       cfg.Password,
		TOTPSecret:     cfg.TOTPSecret,
		HotsetInterval: cfg.Tuning.HotsetInterval,
	}, pdeps)

	if session != nil {
		session.OnAuthFailure = func(err error) {
			prom.AuthFailures.Inc()
			p.ReportAuthFailure(err)
		}
	}

	// A rejected token triggers one background re-login when credentials
	// are configured.
	var refreshing atomic.Bool
	refresh := func(reason string) {
		if cfg.ClientCode == "" || !refreshing.CompareAndSwap(false, true) {
			return
		}
		go func() {
			defer refreshing.Store(false)
			rctx, rcancel := context.WithTimeout(ctx, 30*time.Second)
			defer rcancel()
			if err := p.RefreshSession(rctx); err != nil {
				log.Error("session refresh failed", "reason", reason, "error", err)
				return
			}
			log.Info("session refreshed", "reason", reason)
		}()
	}
	client.SessionExpiryHook = func(e *marketapi.APIError) {
		log.Warn("venue rejected access token", "status", e.StatusCode, "error_type", e.ErrorType)
		refresh("rest_" + strconv.Itoa(e.StatusCode))
	}

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	err = p.Initialize(initCtx)
	initCancel()
	if err != nil {
		log.Error("provider initialization failed", "error", err)
		os.Exit(1)
	}

	// ---- HTTP: /metrics, /healthz, /api/v1/* ----
	srv := metrics.NewServer(cfg.MetricsAddr, health, prometheus.DefaultGatherer, logger.Component(root, "http"))
	srv.Handle("/api/v1/", api.NewRouter(p, hub, logger.Component(root, "api")))
	srv.Start()

	health.StartLivenessChecker(ctx, rdb, catalog.DB(), cfg.Tuning.HealthInterval, func(ctx context.Context) {
		p.Health(ctx)
	})

	// ---- Streaming ----
	if session != nil {
		if err := p.StartStreaming(ctx); err != nil {
			log.Error("streaming start failed, REST remains available", "error", err)
		}
		for mode, tokens := range cfg.Subscriptions() {
			out, err := p.Subscribe(ctx, tokens, mode)
			if err != nil {
				log.Error("configured subscription failed", "mode", mode, "error", err)
				continue
			}
			log.Info("configured subscriptions",
				"mode", mode, "accepted", len(out.Accepted), "unresolved", len(out.Unresolved), "dropped", len(out.Dropped))
		}
	}

	cal := markethours.New()
	for _, seg := range []model.Segment{model.SegmentEquity, model.SegmentCommodity} {
		log.Info("market status", "status", cal.StatusString(seg, time.Now()))
	}
	log.Info("ready", "metrics_addr", cfg.MetricsAddr)

	// ---- Signals: SIGHUP refreshes the session, SIGINT/SIGTERM stop ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			log.Info("SIGHUP received, refreshing session")
			rctx, rcancel := context.WithTimeout(ctx, 30*time.Second)
			if err := p.RefreshSession(rctx); err != nil {
				log.Error("session refresh failed", "error", err)
			}
			rcancel()
			continue
		}
		log.Info("shutdown signal received", "signal", sig.String())
		break
	}

	p.Close()
	cancel()
	if fanout != nil {
		fanout.Close()
	}
	layer.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Stop(shutdownCtx)
	log.Info("shutdown complete")
}
