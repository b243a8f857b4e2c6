// Package syncer persists committed snapshot balances to the system of
// record after the rollback window of a deduction has closed.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Job carries the final states of the entitlements one deduction touched.
type Job struct {
	Key                customerdomain.Key
	CustomerInternalID snowflake.ID
	States             map[string]customerdomain.BalanceState
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    customerdomain.Repository
	Metrics *metrics.SyncMetrics `optional:"true"`
	Config  Config               `optional:"true"`
}

type Worker struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    customerdomain.Repository
	metrics *metrics.SyncMetrics
	cfg     Config

	queue chan Job
	// mu serializes draining, so Flush returns only after every job queued
	// before it has been written.
	mu sync.Mutex
}

func NewWorker(p Params) *Worker {
	cfg := p.Config.withDefaults()
	return &Worker{
		db:      p.DB,
		log:     p.Log.Named("balance.sync"),
		repo:    p.Repo,
		metrics: p.Metrics,
		cfg:     cfg,
		queue:   make(chan Job, cfg.QueueSize),
	}
}

// Enqueue never blocks. It reports false when the queue is full and the job
// was dropped.
func (w *Worker) Enqueue(job Job) bool {
	if len(job.States) == 0 || job.CustomerInternalID == 0 {
		return true
	}
	select {
	case w.queue <- job:
		w.metrics.SetQueueDepth(len(w.queue))
		return true
	default:
		w.metrics.RecordWrites(metrics.SyncOutcomeDropped, len(job.States))
		w.log.Warn("balance sync queue full, dropping job",
			zap.String("customer_id", job.Key.CustomerID),
			zap.Int("entitlements", len(job.States)),
		)
		return false
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := w.RunOnce(ctx); err != nil {
			w.log.Warn("balance sync run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			w.drainOnShutdown()
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) RunOnce(parentCtx context.Context) error {
	ctx, cancel := context.WithTimeout(parentCtx, w.cfg.RunTimeout)
	defer cancel()
	return w.Flush(ctx)
}

// Flush writes every queued job before returning.
func (w *Worker) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		batch := w.take(w.cfg.BatchSize)
		if len(batch) == 0 {
			return nil
		}
		w.metrics.ObserveBatch(len(batch))
		w.persist(ctx, batch)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (w *Worker) drainOnShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RunTimeout)
	defer cancel()
	if err := w.Flush(ctx); err != nil {
		w.log.Warn("balance sync shutdown flush incomplete", zap.Error(err))
	}
}

func (w *Worker) take(limit int) []Job {
	batch := make([]Job, 0, limit)
	for len(batch) < limit {
		select {
		case job := <-w.queue:
			batch = append(batch, job)
		default:
			w.metrics.SetQueueDepth(len(w.queue))
			return batch
		}
	}
	w.metrics.SetQueueDepth(len(w.queue))
	return batch
}

type customerBatch struct {
	key    customerdomain.Key
	states map[string]customerdomain.BalanceState
}

// persist coalesces jobs per customer, keeping the highest version of each
// entitlement, and writes each customer in its own transaction. Jobs are
// enqueued after billing, so queue order says nothing about commit order.
func (w *Worker) persist(ctx context.Context, batch []Job) {
	byCustomer := make(map[snowflake.ID]*customerBatch)
	order := make([]snowflake.ID, 0, len(batch))
	for _, job := range batch {
		cb, ok := byCustomer[job.CustomerInternalID]
		if !ok {
			cb = &customerBatch{key: job.Key, states: make(map[string]customerdomain.BalanceState)}
			byCustomer[job.CustomerInternalID] = cb
			order = append(order, job.CustomerInternalID)
		}
		for id, state := range job.States {
			if held, ok := cb.states[id]; ok && held.Version > state.Version {
				continue
			}
			cb.states[id] = state
		}
	}

	for _, id := range order {
		cb := byCustomer[id]
		if err := w.repo.SaveStates(ctx, w.db, id, cb.states); err != nil {
			w.metrics.RecordWrites(metrics.SyncOutcomeFailed, len(cb.states))
			w.log.Error("persist balances failed",
				zap.String("customer_id", cb.key.CustomerID),
				zap.String("org_id", cb.key.Tenant.OrgID.String()),
				zap.Int("entitlements", len(cb.states)),
				zap.Error(err),
			)
			continue
		}
		w.metrics.RecordWrites(metrics.SyncOutcomeWritten, len(cb.states))
	}
}
