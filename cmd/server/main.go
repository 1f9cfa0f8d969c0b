package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"betting-exchange/internal/account"
	"betting-exchange/internal/api"
	"betting-exchange/internal/cache"
	"betting-exchange/internal/config"
	"betting-exchange/internal/db"
	"betting-exchange/internal/engine"
	"betting-exchange/internal/logger"
	"betting-exchange/internal/metrics"
	"betting-exchange/internal/producer"
	"betting-exchange/internal/ws"
)

func main() {
	cfg := config.Load()

	log, err := logger.New("betting-exchange", cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer store.DB.Close()

	if err := store.Migrate(cfg.MigrationsDir); err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}
	log.Info("database ready")

	var books *cache.BookCache
	if cfg.RedisAddr != "" {
		books, err = cache.Connect(cfg.RedisAddr)
		if err != nil {
			log.Warn("redis unavailable, order book cache disabled", zap.Error(err))
			books = nil
		} else {
			log.Info("order book cache connected", zap.String("addr", cfg.RedisAddr))
		}
	}

	pub := producer.New(cfg.KafkaBrokers)
	if pub != nil {
		defer pub.Close()
		log.Info("event publisher connected", zap.Strings("brokers", cfg.KafkaBrokers))
	}

	accounts := account.New(cfg.AccountServiceURL)

	hub := ws.NewHub(log)
	mgr := engine.NewManager(store, accounts, books, pub, hub.Publish, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := mgr.Boot(ctx); err != nil {
		log.Fatal("engine boot failed", zap.Error(err))
	}

	metricsSrv := metrics.StartServer(cfg.MetricsPort, store.Ping)
	log.Info("metrics server started", zap.String("port", cfg.MetricsPort))

	server := api.NewServer(store, mgr, hub, cfg.JWTSecret, log)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("http server started", zap.String("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(shutdownCtx)
	metricsSrv.Shutdown(shutdownCtx)
}
