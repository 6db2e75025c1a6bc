package main

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/apptsync/libs/config"
	"github.com/md-rashed-zaman/apptsync/libs/db"
	"github.com/md-rashed-zaman/apptsync/libs/httpx"
	"github.com/md-rashed-zaman/apptsync/libs/kafkax"
	otelx "github.com/md-rashed-zaman/apptsync/libs/otel"
	"github.com/md-rashed-zaman/apptsync/libs/runtime"
	"github.com/md-rashed-zaman/apptsync/services/appointment-service/internal/consumer"
	"github.com/md-rashed-zaman/apptsync/services/appointment-service/internal/handlers"
	"github.com/md-rashed-zaman/apptsync/services/appointment-service/internal/outbox"
	"github.com/md-rashed-zaman/apptsync/services/appointment-service/internal/realtime"
	"github.com/md-rashed-zaman/apptsync/services/appointment-service/internal/storage"
	"github.com/md-rashed-zaman/apptsync/services/appointment-service/migrations"
)

func main() {
	service := config.String("SERVICE_NAME", "appointment-service")
	port, err := config.Port("PORT", "8084")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	}
	defer func() { _ = otelShutdown.Close(5 * time.Second) }()

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	maxConns, err := config.Int("DB_MAX_CONNS", 10)
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: int32(maxConns)})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if config.Bool("MIGRATE_ON_START", true) {
		if err := migrations.Apply(ctx, pool); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
	}

	hub := realtime.NewHub(realtime.HubConfig{
		Buffer:         64,
		OriginPatterns: config.List("REALTIME_ORIGIN_PATTERNS", nil),
	}, logger)
	go func() {
		<-ctx.Done()
		hub.Shutdown()
	}()

	brokers := config.List("KAFKA_BROKERS", nil)
	outboxRepo := outbox.NewRepository(pool)
	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   brokers,
		PollEvery: 500 * time.Millisecond,
		BatchSize: 100,
		Local: func(_ context.Context, rec outbox.Record) error {
			return hub.PublishPayload(rec.Payload)
		},
	})
	go outboxPublisher.Run(ctx)

	if len(brokers) > 0 {
		// Every replica serves its own websocket clients, so each needs every event.
		groupID := config.String("KAFKA_GROUP_PREFIX", service+"-realtime") + "-" + uuid.NewString()
		feedConsumer := consumer.New(logger, consumer.Config{
			Brokers:    brokers,
			GroupID:    groupID,
			Topic:      outbox.EventAppointmentChanged,
			FromLatest: true,
		}, func(_ context.Context, msg kafka.Message) error {
			return hub.PublishPayload(msg.Value)
		})
		go feedConsumer.Run(ctx)
	}

	limit, err := config.Int("RATE_LIMIT_WRITES", 120)
	if err != nil {
		panic(err)
	}
	window, err := config.Duration("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		panic(err)
	}
	var writeLimit httpx.Middleware
	var redisCheck func(context.Context) error
	if redisAddr := config.String("REDIS_ADDR", ""); redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: config.String("REDIS_PASSWORD", ""),
		})
		defer func() { _ = rdb.Close() }()
		redisLimiter := httpx.NewRedisLimiter(rdb, limit, window, "rl:"+service)
		writeLimit = httpx.RateLimit(redisLimiter, httpx.RateLimitOptions{
			Logger:   logger,
			FailOpen: config.Bool("RATE_LIMIT_FAIL_OPEN", true),
		})
		redisCheck = redisLimiter.Ping
	} else {
		writeLimit = httpx.RateLimit(httpx.NewMemoryLimiter(limit, window), httpx.RateLimitOptions{Logger: logger})
	}

	var kafkaCheck func(context.Context) error
	if len(brokers) > 0 {
		kafkaCheck = kafkax.ReadyCheck(brokers)
	}
	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkaCheck},
		runtime.ReadyCheck{Name: "redis", Check: redisCheck},
	)
	handlers.NewAppointmentHandler(storage.NewRepository(pool, outboxRepo), logger).Register(mux, writeLimit)
	mux.HandleFunc("/api/v1/realtime", hub.ServeWS)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "appointments")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	runtime.Serve(ctx, srv, logger, 10*time.Second)
}
