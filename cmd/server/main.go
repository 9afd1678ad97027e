// Package main is the entry point for the realtime presence and visit
// statistics API server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"artpulse/internal/config"
	"artpulse/internal/db"
	"artpulse/internal/esx"
	"artpulse/internal/httpx"
	"artpulse/internal/logx"
	"artpulse/internal/mqx"
	"artpulse/internal/presence"
	"artpulse/internal/redisx"
	"artpulse/internal/server"
	"artpulse/internal/stats"
)

func main() {
	// Load .env if present
	_ = godotenv.Load()

	// Load config (env first; optional Apollo override)
	cfg, store, apClose, err := config.Load()
	if err != nil {
		panic(err)
	}
	if apClose != nil {
		defer apClose()
	}

	// Init global logger first
	logx.Init(cfg.Log.Level, cfg.Log.Format)
	mainLogger := logx.GetScope("main")

	mainLogger.Info("config loaded",
		zap.String("env", cfg.AppEnv),
		zap.String("addr", cfg.Server.Addr),
		zap.String("log.level", cfg.Log.Level),
		zap.String("log.format", cfg.Log.Format),
	)

	// Open the stats database (pgx when configured, embedded sqlite otherwise)
	sqldb, closeDB, err := db.Open(cfg)
	if err != nil {
		mainLogger.Sugar().Error("open db error", "err", err)
		panic(err)
	}
	defer closeDB()

	statsStore := stats.NewStore(sqldb)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := statsStore.Migrate(ctx); err != nil {
		cancel()
		mainLogger.Sugar().Error("migrate error", "err", err)
		panic(err)
	}
	cancel()

	// Optional deps: Redis, MQ, ES
	rdb, redisClose, err := redisx.Open(cfg)
	if err != nil {
		mainLogger.Sugar().Warn("redis init failed", "err", err)
	} else {
		defer redisClose()
	}

	var publisher mqx.Publisher
	if cfg.MQ.URL != "" {
		if pub, err := mqx.NewRabbitPublisher(cfg.MQ.URL, "events"); err != nil {
			mainLogger.Sugar().Warn("mq init failed", "err", err)
		} else {
			publisher = pub
			defer func() { _ = pub.Close() }()
		}
	}

	esClient, esClose, err := esx.Open(cfg)
	if err != nil {
		mainLogger.Sugar().Warn("es init failed", "err", err)
	} else {
		defer esClose()
	}

	// Stats service with its read cache
	cache := stats.NewCache(rdb, time.Duration(cfg.Stats.CacheTTLSeconds)*time.Second)
	statsOpts := []stats.Option{}
	if esClient != nil {
		statsOpts = append(statsOpts, stats.WithSearch(esClient, cfg.ES.Index))
	}
	if publisher != nil {
		statsOpts = append(statsOpts, stats.WithPublisher(publisher))
	}
	statsSvc := stats.NewService(statsStore, cache, statsOpts...)

	// Presence broker pushing its count into the stats record
	brokerOpts := []presence.Option{
		presence.WithDebounce(time.Duration(cfg.Presence.DebounceMS) * time.Millisecond),
	}
	if publisher != nil {
		brokerOpts = append(brokerOpts, presence.WithPublisher(publisher))
	}
	broker := presence.NewBroker(statsSvc, brokerOpts...)

	runCtx, stopBroker := context.WithCancel(context.Background())
	defer stopBroker()
	go broker.Run(runCtx)

	// Session store backs the per-session unique-visitor flag
	sessions := session.New(session.Config{
		Expiration:     time.Duration(cfg.Session.TTLMinutes) * time.Minute,
		CookieHTTPOnly: true,
	})

	// Fiber app and routes
	app := fiber.New(fiber.Config{ErrorHandler: httpx.ErrorHandler()})
	httpx.RegisterCommonMiddlewares(app)
	httpx.Register(app, &httpx.Deps{
		Cfg:       cfg,
		Stats:     statsSvc,
		Broker:    broker,
		Sessions:  sessions,
		RDB:       rdb,
		StartedAt: time.Now(),
	})

	// Validators: rollback strategy for invalid config
	store.AddValidator(func(newCfg *config.Config, changed map[string]bool) error {
		if changed["pg.max_open"] || changed["pg.max_idle"] {
			if newCfg.PG.MaxIdleConns > newCfg.PG.MaxOpenConns {
				return fmt.Errorf("PG_MAX_IDLE cannot exceed PG_MAX_OPEN")
			}
		}
		if changed["stats.cache_ttl"] && newCfg.Stats.CacheTTLSeconds <= 0 {
			return fmt.Errorf("STATS_CACHE_TTL must be positive")
		}
		return nil
	})

	// Watch for dynamic config changes (Apollo)
	store.Watch(func(newCfg *config.Config, changed map[string]bool) {
		if changed["pg.max_open"] || changed["pg.max_idle"] {
			db.UpdatePool(newCfg.PG.MaxOpenConns, newCfg.PG.MaxIdleConns)
			mainLogger.Info("db pool updated",
				zap.Int("max_open", newCfg.PG.MaxOpenConns),
				zap.Int("max_idle", newCfg.PG.MaxIdleConns),
			)
		}
		if changed["log.level"] || changed["log.format"] {
			logx.Init(newCfg.Log.Level, newCfg.Log.Format)
			mainLogger.Info("logger reconfigured",
				zap.String("level", newCfg.Log.Level),
				zap.String("format", newCfg.Log.Format),
			)
		}
		if changed["stats.cache_ttl"] {
			statsSvc.SetCacheTTL(time.Duration(newCfg.Stats.CacheTTLSeconds) * time.Second)
			mainLogger.Info("stats cache ttl updated", zap.Int("seconds", newCfg.Stats.CacheTTLSeconds))
		}
		if changed["presence.debounce_ms"] {
			broker.SetDebounce(time.Duration(newCfg.Presence.DebounceMS) * time.Millisecond)
			mainLogger.Info("presence debounce updated", zap.Int("ms", newCfg.Presence.DebounceMS))
		}
		if changed["server.addr"] {
			mainLogger.Warn("server.addr changed; restart required to take effect",
				zap.String("addr", newCfg.Server.Addr),
			)
		}
	})

	// Graceful shutdown
	go func() {
		ln, err := server.GetListener(cfg.Server.Addr)
		if err != nil {
			mainLogger.Sugar().Errorf("listener error: %v", err)
			return
		}
		if err := app.Listener(ln); err != nil {
			mainLogger.Sugar().Infof("fiber exit: %v", err)
		}
	}()
	mainLogger.Sugar().Infof("server started on %s", cfg.Server.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	mainLogger.Sugar().Info("shutting down...")
	stopBroker()
	_ = app.Shutdown()
}
