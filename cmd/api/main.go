package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/api"
	"github.com/SirClappington/relay/internal/comms"
	"github.com/SirClappington/relay/internal/config"
	"github.com/SirClappington/relay/internal/metrics"
	"github.com/SirClappington/relay/internal/notify"
	"github.com/SirClappington/relay/internal/outbound"
	"github.com/SirClappington/relay/internal/provider"
	"github.com/SirClappington/relay/internal/queue"
	"github.com/SirClappington/relay/internal/sequence"
	"github.com/SirClappington/relay/internal/storage"
	"github.com/SirClappington/relay/internal/tenant"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, _ := zap.NewProduction()
	if cfg.AppEnv == "dev" {
		log, _ = zap.NewDevelopment()
	}
	defer log.Sync()

	ctx := context.Background()
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	q, err := queue.FromConfig(cfg)
	if err != nil {
		log.Fatal("connect queue", zap.Error(err))
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	gate := tenant.NewGate(db)
	jobStore := storage.NewJobStore(gate)
	notifStore := storage.NewNotificationStore(gate)
	seqStore := storage.NewSequenceStore(gate)
	commStore := storage.NewCommStore(gate)
	dir := storage.NewDirectory(gate)

	ledger := comms.NewLedger(commStore, log)

	providers := provider.NewRegistry()
	providers.Register("message", "email", provider.NewEmailAdapter(cfg.EmailAPIBase, cfg.EmailAPIKey))
	providers.Register("message", "whatsapp", provider.NewWhatsAppAdapter(cfg.WhatsAppAPIBase, cfg.WhatsAppAPIKey))

	jobs := outbound.NewService(jobStore, q, providers, ledger, m, log, outbound.Options{
		WorkerID:       "api",
		MaxAttempts:    cfg.MaxAttempts,
		RateLimitRetry: cfg.RateLimitRetry(),
	})
	engine := notify.NewEngine(notifStore, dir, notify.NewTemplates(), q, m, log, notify.EngineOptions{
		DedupeWindow: cfg.DedupeWindow(),
		MaxAttempts:  cfg.MaxAttempts,
	})
	seqEngine := sequence.NewEngine(seqStore, dir, dir, dir, jobs, ledger, m, log, cfg.BatchSize)

	h := &api.Handler{
		Jobs:      jobs,
		JobStore:  jobStore,
		Notify:    engine,
		Sequences: seqEngine,
		Ledger:    ledger,
		Directory: dir,
		Log:       log,
	}

	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.Recoverer)
	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	rtr.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	rtr.Group(h.Routes)

	log.Info("api listening", zap.String("addr", cfg.APIAddr))
	if err := http.ListenAndServe(cfg.APIAddr, rtr); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
}
