package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rotemtal/reserva/internal/availability"
	"github.com/rotemtal/reserva/internal/booking"
	"github.com/rotemtal/reserva/internal/cache"
	"github.com/rotemtal/reserva/internal/config"
	"github.com/rotemtal/reserva/internal/docstore"
	"github.com/rotemtal/reserva/internal/docstore/memory"
	"github.com/rotemtal/reserva/internal/docstore/postgres"
	"github.com/rotemtal/reserva/internal/feed"
	"github.com/rotemtal/reserva/internal/handlers"
	"github.com/rotemtal/reserva/internal/httpx"
	"github.com/rotemtal/reserva/internal/otelx"
	"github.com/rotemtal/reserva/internal/runtime"
)

func main() {
	service := config.String("SERVICE_NAME", "reserva")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	var store docstore.Store
	var storeCheck func(context.Context) error
	switch config.String("DOCSTORE", "postgres") {
	case "memory":
		store = memory.New()
		storeCheck = func(context.Context) error { return nil }
	default:
		dbURL, err := config.RequiredString("DATABASE_URL")
		if err != nil {
			panic(err)
		}
		pg, err := postgres.Open(ctx, dbURL, logger)
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("schema setup failed", "err", err)
			panic(err)
		}
		store = pg
		storeCheck = postgres.ReadyCheck(pg)
	}
	defer store.Close()

	replica := cache.New()
	checks := []runtime.ReadyCheck{{Name: "store", Check: storeCheck}}

	var source feed.Source = store
	if brokers := config.String("KAFKA_BROKERS", ""); brokers != "" && config.String("FEED_SOURCE", "store") == "kafka" {
		source = feed.NewKafkaSource(store, logger, feed.KafkaConfig{
			Brokers:     brokers,
			GroupID:     config.String("KAFKA_GROUP_ID", service),
			TopicPrefix: config.String("KAFKA_TOPIC_PREFIX", ""),
		})
		checks = append(checks, runtime.ReadyCheck{Name: "kafka", Check: feed.KafkaReadyCheck(brokers)})
	}

	feedSync := feed.New(source, replica, logger)
	if err := feedSync.Start(ctx, feed.Standard()...); err != nil {
		logger.Error("feed start failed", "err", err)
		panic(err)
	}
	checks = append(checks, runtime.ReadyCheck{Name: "feed", Check: feedSync.ReadyCheck()})

	loc := time.UTC
	if tz := config.String("SCHEDULE_TZ", ""); tz != "" {
		if parsed, err := time.LoadLocation(tz); err == nil {
			loc = parsed
		} else {
			logger.Warn("invalid SCHEDULE_TZ, using UTC", "tz", tz, "err", err)
		}
	}

	engine := availability.NewEngine(replica, loc)
	bookings := booking.New(store, replica, logger)

	mux := runtime.NewBaseMuxWithReady(checks...)
	handlers.New(bookings, engine, replica, logger).Register(mux)

	middleware := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
		httpx.WithTimeout(15 * time.Second),
	}
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: addr})
		defer func() { _ = rdb.Close() }()
		limiter := httpx.NewRedisRateLimiter(rdb,
			config.Int("RATE_LIMIT", 120),
			config.Duration("RATE_WINDOW", time.Minute),
			service)
		middleware = append(middleware, limiter.Middleware(logger, true))
	} else {
		limiter := httpx.NewRateLimiter(config.Int("RATE_LIMIT", 120), config.Duration("RATE_WINDOW", time.Minute))
		middleware = append(middleware, limiter.Middleware())
	}

	httpHandler := httpx.Chain(mux, middleware...)
	httpHandler = otelhttp.NewHandler(httpHandler, service)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
