package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/relay/internal/comms"
	"github.com/SirClappington/relay/internal/config"
	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/metrics"
	"github.com/SirClappington/relay/internal/notify"
	"github.com/SirClappington/relay/internal/outbound"
	"github.com/SirClappington/relay/internal/provider"
	"github.com/SirClappington/relay/internal/queue"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("worker-%s-%d", hostname, os.Getpid())

	gate := tenant.NewGate(db)
	jobStore := storage.NewJobStore(gate)
	notifStore := storage.NewNotificationStore(gate)
	commStore := storage.NewCommStore(gate)
	ledger := comms.NewLedger(commStore, log)

	providers := provider.NewRegistry()
	emailAdapter := provider.NewEmailAdapter(cfg.EmailAPIBase, cfg.EmailAPIKey)
	waAdapter := provider.NewWhatsAppAdapter(cfg.WhatsAppAPIBase, cfg.WhatsAppAPIKey)
	providers.Register("message", "email", emailAdapter)
	providers.Register("message", "whatsapp", waAdapter)

	jobs := outbound.NewService(jobStore, q, providers, ledger, m, log, outbound.Options{
		WorkerID:       workerID,
		MaxAttempts:    cfg.MaxAttempts,
		RateLimitRetry: cfg.RateLimitRetry(),
	})
	emailProc := notify.NewProcessor(domain.ChannelEmail, notifStore, emailAdapter, m, log, notify.ProcessorOptions{
		Enabled:   cfg.EmailEnabled,
		WorkerID:  workerID,
		RetryBase: cfg.RetryBase(),
		RetryMax:  cfg.RetryMax(),
	})
	waProc := notify.NewProcessor(domain.ChannelWhatsApp, notifStore, waAdapter, m, log, notify.ProcessorOptions{
		Enabled:   cfg.WhatsAppEnabled,
		WorkerID:  workerID,
		RetryBase: cfg.RetryBase(),
		RetryMax:  cfg.RetryMax(),
	})

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		g.Go(func() error { return consume(ctx, q, queue.TopicJob, log, jobs.Process) })
		g.Go(func() error { return consume(ctx, q, queue.TopicNotifyEmail, log, emailProc.Process) })
		g.Go(func() error { return consume(ctx, q, queue.TopicNotifyWhatsApp, log, waProc.Process) })
	}
	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		return http.ListenAndServe(cfg.MetricsAddr, mux)
	})

	log.Info("worker running", zap.String("id", workerID), zap.Int("concurrency", cfg.WorkerConcurrency))
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal("worker stopped", zap.Error(err))
	}
}

// consume loops one topic. Processing errors are logged and dropped:
// the durable row keeps its own retry state, and the scheduler
// re-enqueues anything still due.
func consume(ctx context.Context, q queue.Queue, topic string, log *zap.Logger, fn func(ctx context.Context, tenantID, id string) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg, ok, err := q.Dequeue(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("dequeue failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := fn(ctx, msg.TenantID, msg.EntityID); err != nil {
			log.Error("process failed", zap.String("topic", topic),
				zap.String("tenant", msg.TenantID), zap.String("entity", msg.EntityID), zap.Error(err))
		}
	}
}
