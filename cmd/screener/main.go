package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"market-screener/config"
	"market-screener/internal/api"
	"market-screener/internal/logger"
	"market-screener/internal/marketdata/agg"
	"market-screener/internal/marketdata/binance"
	"market-screener/internal/marketdata/bus"
	"market-screener/internal/marketdata/series"
	"market-screener/internal/metrics"
	"market-screener/internal/model"
	"market-screener/internal/notification"
	"market-screener/internal/settings"
	redisstore "market-screener/internal/store/redis"
	sqlitestore "market-screener/internal/store/sqlite"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[screener] starting...")

	// ---- Config & logging ----
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[screener] %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[screener] %v", err)
	}
	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init("screener", level, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(prometheus.DefaultRegisterer)
	health := metrics.NewHealthStatus(cfg.SettingsBackend)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, prometheus.DefaultGatherer)
	metricsSrv.Start()

	// ---- Settings backend ----
	kv, pinger, closeKV := openSettings(cfg, prom)
	defer closeKV()
	settingsStore := settings.New(kv, cfg.SettingsNamespace)
	settingsStore.OnWrite = func(key string, err error) {
		status := "ok"
		if err != nil {
			status = "error"
		}
		prom.SettingsWrites.WithLabelValues(key, status).Inc()
	}

	// ---- Market data ----
	md, err := binance.New(binance.Config{
		RESTURL:     cfg.BinanceRESTURL,
		WSURL:       cfg.BinanceWSURL,
		QuoteAsset:  cfg.QuoteAsset,
		SymbolLimit: cfg.SymbolLimit,
		HTTPTimeout: cfg.HTTPTimeout,
	})
	if err != nil {
		log.Fatalf("[screener] binance init failed: %v", err)
	}
	md.OnReconnect = func(stream string) {
		prom.WSReconnects.WithLabelValues(stream).Inc()
	}
	md.OnParseError = func(stream string) {
		prom.WSParseErrors.WithLabelValues(stream).Inc()
	}
	health.StartLivenessChecker(ctx, pinger, md, 10*time.Second)

	// ---- Alert sinks ----
	sinks := notification.Multi{notification.NewLogNotifier()}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		sinks = append(sinks, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	log.Printf("[screener] alert sinks: %d", len(sinks))

	// ---- Aggregation store ----
	store := agg.New(md, settingsStore, sinks, agg.Options{
		HistoryConcurrency: cfg.HistoryConcurrency,
		AlertSendTimeout:   cfg.AlertSendTimeout,
	})
	wireStoreMetrics(store, prom, health)

	// ---- Change fan-out for stream clients ----
	changes := make(chan model.Change, 4096)
	fanout := bus.New(1024)
	fanout.OnDrop = func(id int) {
		prom.FanoutDropsTotal.WithLabelValues(strconv.Itoa(id)).Inc()
	}
	store.OnChange(func(c model.Change) {
		select {
		case changes <- c:
		default:
			prom.FanoutDropsTotal.WithLabelValues("input").Inc()
		}
	})
	go fanout.Run(ctx, changes)
	go reportSaturation(ctx, fanout, prom)

	go store.Run(ctx)
	if err := store.Start(ctx); err != nil {
		slog.Error("startup incomplete, serving with what loaded", "error", err)
	}
	cur := store.Config()
	health.SetUniverse(len(store.Instruments()), string(cur.Interval))
	slog.Info("screener ready",
		"instruments", len(store.Instruments()),
		"interval", cur.Interval,
		"sort", cur.SortCriterion,
		"settings_backend", cfg.SettingsBackend)

	// ---- API ----
	apiSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           api.NewRouter(store, fanout),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[screener] api listening on %s", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[screener] api server error: %v", err)
			cancel()
		}
	}()

	<-ctx.Done()
	log.Println("[screener] shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = apiSrv.Shutdown(shutdownCtx)
	store.Close()
	metricsSrv.Stop(shutdownCtx)
	log.Println("[screener] stopped")
}

// openSettings builds the configured model.KV, falling back to memory when a
// persistent backend is unreachable.
func openSettings(cfg *config.Config, prom *metrics.Metrics) (model.KV, metrics.Pinger, func()) {
	switch cfg.SettingsBackend {
	case "redis":
		kv, err := redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Printf("[screener] WARNING: %v (settings kept in memory)", err)
			break
		}
		kv.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
		kv.OnFlush = func(n int) { log.Printf("[screener] flushed %d buffered settings writes", n) }
		kv.Breaker().OnStateChange = chainStateChange(kv.Breaker().OnStateChange, prom)
		return kv, kv, func() { _ = kv.Close() }

	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		kv, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath})
		if err != nil {
			log.Printf("[screener] WARNING: %v (settings kept in memory)", err)
			break
		}
		return kv, kv, func() { _ = kv.Close() }
	}
	return settings.NewMemoryKV(), nil, func() {}
}

func chainStateChange(prev func(from, to redisstore.State), prom *metrics.Metrics) func(from, to redisstore.State) {
	return func(from, to redisstore.State) {
		if prev != nil {
			prev(from, to)
		}
		prom.RedisCircuitBreakerState.Set(float64(to))
		if to == redisstore.StateOpen {
			prom.RedisCircuitBreakerTrips.Inc()
		}
	}
}

func wireStoreMetrics(store *agg.Store, prom *metrics.Metrics, health *metrics.HealthStatus) {
	store.Hooks = agg.Hooks{
		OnCandle: func(res series.Result) {
			prom.CandlesTotal.WithLabelValues(res.String()).Inc()
		},
		OnUnknownSymbol: func(string) { prom.UnknownSymbols.Inc() },
		OnStaleEvent:    func() { prom.StaleEvents.Inc() },
		OnPropagate: func(deferred bool) {
			mode := "immediate"
			if deferred {
				mode = "deferred"
			}
			prom.Propagations.WithLabelValues(mode).Inc()
		},
		OnAnomaly: func(string) { prom.AnomaliesTotal.Inc() },
		OnAlert: func(t model.AlertType) {
			prom.AlertsTotal.WithLabelValues(string(t)).Inc()
		},
		OnHistory: func(_ string, took time.Duration, err error) {
			prom.HistoryDur.Observe(took.Seconds())
			if err != nil {
				prom.HistoryErrors.Inc()
			}
		},
		OnTickerBatch: func(n int) {
			prom.TickerBatches.Inc()
			prom.TickerBatchSize.Set(float64(n))
		},
		OnEpoch: func(epoch uint64, iv model.Interval, pairs int) {
			prom.Epoch.Set(float64(epoch))
			prom.SubscribedPairs.Set(float64(pairs))
			health.SetUniverse(pairs, string(iv))
			slog.Info("subscription opened", "epoch", epoch, "interval", iv, "pairs", pairs)
		},
		OnSendError: func(error) { prom.AlertSendErrors.Inc() },
	}
}

func reportSaturation(ctx context.Context, fanout *bus.FanOut, prom *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i, s := range fanout.ChannelStats() {
				if s.Cap > 0 {
					pct := float64(s.Len) / float64(s.Cap) * 100
					prom.ChannelSaturationPct.WithLabelValues(fmt.Sprintf("fanout_%d", i)).Set(pct)
				}
			}
		}
	}
}
