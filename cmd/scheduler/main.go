package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/SirClappington/relay/internal/comms"
	"github.com/SirClappington/relay/internal/config"
	"github.com/SirClappington/relay/internal/domain"
	"github.com/SirClappington/relay/internal/metrics"
	"github.com/SirClappington/relay/internal/outbound"
	"github.com/SirClappington/relay/internal/provider"
	"github.com/SirClappington/relay/internal/queue"
	"github.com/SirClappington/relay/internal/sequence"
	"github.com/SirClappington/relay/internal/storage"
	"github.com/SirClappington/relay/internal/tenant"
)

const leaderLockID = 7301

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

	m := metrics.New(prometheus.NewRegistry())
	gate := tenant.NewGate(db)
	jobStore := storage.NewJobStore(gate)
	notifStore := storage.NewNotificationStore(gate)
	seqStore := storage.NewSequenceStore(gate)
	commStore := storage.NewCommStore(gate)
	dir := storage.NewDirectory(gate)
	ledger := comms.NewLedger(commStore, log)

	// The scheduler only creates jobs, never delivers them, so it needs
	// no live adapters.
	jobs := outbound.NewService(jobStore, q, provider.NewRegistry(), ledger, m, log, outbound.Options{
		WorkerID:       "scheduler",
		MaxAttempts:    cfg.MaxAttempts,
		RateLimitRetry: cfg.RateLimitRetry(),
	})
	seqEngine := sequence.NewEngine(seqStore, dir, dir, dir, jobs, ledger, m, log, cfg.BatchSize)

	// Leader election: one dedicated session holds the advisory lock so
	// only one scheduler instance ticks.
	conn, err := db.Acquire(ctx)
	if err != nil {
		log.Fatal("acquire conn", zap.Error(err))
	}
	defer conn.Release()

	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	log.Info("scheduler running")
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		var leader bool
		if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, leaderLockID).Scan(&leader); err != nil {
			log.Warn("leader lock", zap.Error(err))
			continue
		}
		if !leader {
			continue
		}

		tenants, err := fetchTenants(ctx, db)
		if err != nil {
			log.Warn("list tenants", zap.Error(err))
			continue
		}

		for _, t := range tenants {
			reconcileJobs(ctx, t, cfg, jobStore, q, log)
			reconcileDispatches(ctx, t, cfg, notifStore, q, log)
			if err := seqEngine.Tick(ctx, t); err != nil {
				log.Error("sequence tick", zap.String("tenant", t), zap.Error(err))
			}
		}
	}
}

func fetchTenants(ctx context.Context, db *pgxpool.Pool) ([]string, error) {
	rows, err := db.Query(ctx, `select id from tenants`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// reconcileJobs pushes due rows back onto the queue. The queue is only
// a wake-up mechanism, so double-enqueueing is harmless: processors
// re-read row state and the claim guard rejects the loser.
func reconcileJobs(ctx context.Context, tenantID string, cfg config.Config, store *storage.JobStore, q queue.Queue, log *zap.Logger) {
	stale, err := store.StaleProcessing(ctx, tenantID, time.Now().UTC().Add(-cfg.LockDuration()), cfg.BatchSize)
	if err != nil {
		log.Warn("release stale jobs", zap.String("tenant", tenantID), zap.Error(err))
	}
	due, err := store.Due(ctx, tenantID, cfg.BatchSize)
	if err != nil {
		log.Warn("load due jobs", zap.String("tenant", tenantID), zap.Error(err))
		return
	}
	for _, id := range append(stale, due...) {
		if err := q.Enqueue(ctx, queue.TopicJob, queue.Message{EntityID: id, TenantID: tenantID}); err != nil {
			log.Warn("enqueue job", zap.String("job", id), zap.Error(err))
		}
	}
}

func reconcileDispatches(ctx context.Context, tenantID string, cfg config.Config, store *storage.NotificationStore, q queue.Queue, log *zap.Logger) {
	channels := map[domain.Channel]string{
		domain.ChannelEmail:    queue.TopicNotifyEmail,
		domain.ChannelWhatsApp: queue.TopicNotifyWhatsApp,
	}
	for ch, topic := range channels {
		due, err := store.DueDispatches(ctx, tenantID, ch, cfg.BatchSize)
		if err != nil {
			log.Warn("load due dispatches", zap.String("tenant", tenantID), zap.Error(err))
			continue
		}
		for _, id := range due {
			if err := q.Enqueue(ctx, topic, queue.Message{EntityID: id, TenantID: tenantID}); err != nil {
				log.Warn("enqueue dispatch", zap.String("dispatch", id), zap.Error(err))
			}
		}
	}
}
