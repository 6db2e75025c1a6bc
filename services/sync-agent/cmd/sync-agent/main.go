package main

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/md-rashed-zaman/apptsync/libs/config"
	"github.com/md-rashed-zaman/apptsync/libs/httpx"
	otelx "github.com/md-rashed-zaman/apptsync/libs/otel"
	"github.com/md-rashed-zaman/apptsync/libs/runtime"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/connectivity"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/handlers"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/localstore"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/realtime"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/remote"
	"github.com/md-rashed-zaman/apptsync/services/sync-agent/internal/syncer"
)

func main() {
	service := config.String("SERVICE_NAME", "sync-agent")
	logger := runtime.NewLogger(service)

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	}
	defer func() { _ = otelShutdown.Close(5 * time.Second) }()

	store := localstore.NewSQLiteStore(cfg.DBPath)
	if err := store.Open(ctx); err != nil {
		// The agent still serves remote-only; the cache retries the open lazily.
		logger.Error("local store unavailable", "path", cfg.DBPath, "err", err)
	}
	defer func() { _ = store.Close() }()

	signals := []connectivity.Signal{connectivity.SignalNetwork}
	if cfg.Realtime {
		signals = append(signals, connectivity.SignalRealtime)
	}
	monitor := connectivity.NewMonitor(cfg.Policy, logger, signals...)

	backend := remote.NewClient(cfg.BackendURL, cfg.ApplyTimeout)
	processor := syncer.NewProcessor(store.Queue(), store.Records(), backend, monitor, syncer.ProcessorConfig{
		ApplyTimeout:  cfg.ApplyTimeout,
		MaxAttempts:   cfg.MaxAttempts,
		RetryInterval: cfg.RetryInterval,
	}, logger)
	reconciler := syncer.NewReconciler(store.Records(), store.Queue(), backend, logger)
	svc := syncer.NewService(syncer.ServiceDeps{
		BusinessID: cfg.BusinessID,
		Backend:    backend,
		Cache:      store.Records(),
		Queue:      store.Queue(),
		Conn:       monitor,
		Processor:  processor,
		Reconciler: reconciler,
		Timeout:    cfg.ApplyTimeout,
		Logger:     logger,
	})
	processor.OnPassComplete(svc.Refresh)

	go processor.Run(ctx)
	go watchFailures(ctx, processor, logger)
	go refreshOnReconnect(ctx, monitor, svc)

	prober := connectivity.NewProber(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		cfg.BackendURL+"/healthz", cfg.ProbeInterval, cfg.ProbeTimeout, monitor, logger)
	go prober.Run(ctx)

	if cfg.Realtime {
		feedClient := realtime.NewClient(realtime.Config{
			BaseURL:           cfg.BackendURL,
			BusinessID:        cfg.BusinessID,
			HeartbeatInterval: cfg.Heartbeat,
		}, monitor, svc.ApplyRemote, logger)
		go feedClient.Run(ctx)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "local_store", Check: func(ctx context.Context) error {
			_, err := store.Queue().Len(ctx)
			return err
		}},
	)
	handlers.NewAgentHandler(svc, logger).Register(mux)

	httpHandler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: config.List("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", httpx.RequestIDHeader},
		}),
		httpx.WithBodyLimit(1<<20),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "sync-agent")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("sync agent configured",
		"business_id", cfg.BusinessID,
		"backend", cfg.BackendURL,
		"db_path", cfg.DBPath,
		"realtime", cfg.Realtime,
	)
	runtime.Serve(ctx, srv, logger, 10*time.Second)
}
