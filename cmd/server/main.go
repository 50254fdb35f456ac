package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"stream-relay/internal/notify"
	"stream-relay/internal/platform/config"
	"stream-relay/internal/platform/lifecycle"
	"stream-relay/internal/platform/logger"
	"stream-relay/internal/platform/metrics"
	"stream-relay/internal/relay"

	"github.com/go-chi/chi/v5"
)

func main() {
	_ = config.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.New("info", "json").Error("configuration error", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	met := metrics.New()

	policy := relay.ChangeByName
	if cfg.Sources.CompareUpstream {
		policy = relay.ChangeByNameAndUpstream
	}

	store := relay.NewInMemoryStore(cfg.Server.BasePath)
	reconciler := relay.NewReconciler(store, policy, log)
	serializer := relay.NewSerializer(relay.DefaultsFromConfig(cfg.MediaServer))
	supervisor := relay.NewSupervisor(
		relay.NewConfigFile(cfg.MediaServer.ConfigPath),
		relay.NewExecLauncher(cfg.MediaServer.Binary, log),
		relay.OptionsFromConfig(cfg.Supervisor),
		met,
		log,
	)
	gateway := relay.NewGateway(relay.GatewayOptionsFromConfig(cfg), met, log)
	readiness := relay.NewReadiness(gateway, supervisor)

	ctrl := relay.NewController(reconciler, serializer, supervisor, gateway, relay.ControllerOptions{
		Allowlist: cfg.Sources.Allowed,
		Metrics:   met,
		Log:       log,
	})
	hub := notify.NewHub(log, ctrl.Dispatch)
	propagator := relay.NewPropagator(store, readiness, ctrl.Configured, hub, cfg.Broadcast.Interval, met, log)
	h := relay.NewHandler(ctrl, store, supervisor, gateway, log, cfg.Server.ConfigRateLimit)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log, cfg.Server.BasePath+"/stream/"))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetReady(readiness.Ready())
			met.SetSources(store.Load().Len())
		}).ServeHTTP(w, r)
	})
	r.Route(cfg.Server.BasePath, func(r chi.Router) {
		h.Register(r)
		r.Get("/ws", hub.ServeWS)
		r.Handle("/stream/*", gateway.Handler())
	})

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: r}

	tree := lifecycle.NewTree(log, lifecycle.TreeConfig{ShutdownTimeout: cfg.Server.ShutdownTimeout})
	tree.AddControlService(ctrl)
	tree.AddControlService(propagator)
	tree.AddControlService(hub)
	tree.AddAPIService(lifecycle.NewHTTPServerService(srv, cfg.Server.ShutdownTimeout))

	log.Info("server starting",
		"addr", cfg.Server.Addr,
		"base_path", cfg.Server.BasePath,
		"media_server", cfg.MediaServer.Binary,
		"change_policy", policy.String(),
		"log_level", cfg.Log.Level,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		log.Warn("services did not stop in time", "count", len(report))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}
