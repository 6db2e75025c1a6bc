package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/apptsync/libs/config"
	"github.com/md-rashed-zaman/apptsync/libs/db"
	"github.com/md-rashed-zaman/apptsync/libs/httpx"
	otelx "github.com/md-rashed-zaman/apptsync/libs/otel"
	"github.com/md-rashed-zaman/apptsync/libs/runtime"
	"github.com/md-rashed-zaman/apptsync/services/notification-service/internal/handlers"
	"github.com/md-rashed-zaman/apptsync/services/notification-service/internal/push"
	"github.com/md-rashed-zaman/apptsync/services/notification-service/internal/storage"
	"github.com/md-rashed-zaman/apptsync/services/notification-service/migrations"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
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

	keys, err := push.LoadKeys(
		config.String("VAPID_PUBLIC_KEY", ""),
		config.String("VAPID_PRIVATE_KEY", ""),
		config.Bool("VAPID_AUTOGENERATE", false),
	)
	if err != nil {
		logger.Error("vapid keys unavailable", "err", err)
		panic(err)
	}
	if keys.Generated {
		logger.Warn("using generated VAPID keys; subscriptions will not survive a restart", "public_key", keys.Public)
	}

	ttl, err := config.Duration("PUSH_TTL", 24*time.Hour)
	if err != nil {
		panic(err)
	}
	sender := push.NewWebPushSender(keys, push.SenderConfig{
		Subscriber: config.String("VAPID_SUBSCRIBER", "ops@apptsync.local"),
		TTL:        ttl,
		HTTPClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	})

	var deliveries handlers.DeliveryLog
	var dbCheck func(context.Context) error
	if dbURL := config.String("DATABASE_URL", ""); dbURL != "" {
		pool, err := db.Open(ctx, dbURL, db.Options{MaxConns: 4})
		if err != nil {
			logger.Error("db connection failed", "err", err)
			panic(err)
		}
		defer pool.Close()
		if err := migrations.Apply(ctx, pool); err != nil {
			logger.Error("migrations failed", "err", err)
			panic(err)
		}
		deliveries = storage.NewRepository(pool)
		dbCheck = db.ReadyCheck(pool)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: dbCheck},
	)
	handlers.NewPushHandler(keys, sender, deliveries, logger).Register(mux)

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:    []string{"*"},
			AllowedMethods:    []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:    []string{"Content-Type", httpx.RequestIDHeader},
			MaxAge:            10 * time.Minute,
			EmitWithoutOrigin: true,
		}),
		httpx.WithRecover(logger),
		httpx.WithBodyLimit(64<<10),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	runtime.Serve(ctx, srv, logger, 10*time.Second)
}
