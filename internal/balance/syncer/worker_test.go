package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"github.com/smallbiznis/entitlements/internal/customer/repository"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/orgcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var key = customerdomain.Key{
	Tenant:     orgcontext.Tenant{OrgID: 3, Env: orgcontext.EnvLive},
	CustomerID: "cus_1",
}

type recordingRepo struct {
	customerdomain.Repository

	mu    sync.Mutex
	saved []map[string]customerdomain.BalanceState
	err   error
}

func (r *recordingRepo) SaveStates(ctx context.Context, db *gorm.DB, id snowflake.ID, states map[string]customerdomain.BalanceState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, states)
	return nil
}

func state(balance int64) customerdomain.BalanceState {
	return customerdomain.BalanceState{Balance: decimal.NewFromInt(balance)}
}

func versioned(balance, version int64) customerdomain.BalanceState {
	s := state(balance)
	s.Version = version
	return s
}

func newWorker(repo customerdomain.Repository, db *gorm.DB, cfg Config) (*Worker, *metrics.SyncMetrics) {
	m := metrics.NewSyncMetricsWithRegisterer(prometheus.NewRegistry())
	return NewWorker(Params{DB: db, Log: zap.NewNop(), Repo: repo, Metrics: m, Config: cfg}), m
}

func TestFlushCoalescesPerCustomer(t *testing.T) {
	repo := &recordingRepo{}
	w, _ := newWorker(repo, nil, Config{})

	require.True(t, w.Enqueue(Job{Key: key, CustomerInternalID: 30, States: map[string]customerdomain.BalanceState{"ce_1": state(9), "ce_2": state(4)}}))
	require.True(t, w.Enqueue(Job{Key: key, CustomerInternalID: 30, States: map[string]customerdomain.BalanceState{"ce_1": state(7)}}))

	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, repo.saved, 1)
	assert.True(t, repo.saved[0]["ce_1"].Balance.Equal(decimal.NewFromInt(7)))
	assert.True(t, repo.saved[0]["ce_2"].Balance.Equal(decimal.NewFromInt(4)))
}

func TestFlushKeepsNewestVersion(t *testing.T) {
	repo := &recordingRepo{}
	w, _ := newWorker(repo, nil, Config{})

	// The second deduction committed first but finished billing last.
	require.True(t, w.Enqueue(Job{Key: key, CustomerInternalID: 30, States: map[string]customerdomain.BalanceState{"ce_1": versioned(1, 2)}}))
	require.True(t, w.Enqueue(Job{Key: key, CustomerInternalID: 30, States: map[string]customerdomain.BalanceState{"ce_1": versioned(2, 1)}}))

	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, repo.saved, 1)
	assert.True(t, repo.saved[0]["ce_1"].Balance.Equal(decimal.NewFromInt(1)))
	assert.EqualValues(t, 2, repo.saved[0]["ce_1"].Version)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w, m := newWorker(&recordingRepo{}, nil, Config{QueueSize: 1})

	job := Job{Key: key, CustomerInternalID: 30, States: map[string]customerdomain.BalanceState{"ce_1": state(1)}}
	assert.True(t, w.Enqueue(job))
	assert.False(t, w.Enqueue(job))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WritesCounter(metrics.SyncOutcomeDropped)))
}

func TestEnqueueIgnoresEmptyJobs(t *testing.T) {
	w, _ := newWorker(&recordingRepo{}, nil, Config{QueueSize: 1})
	assert.True(t, w.Enqueue(Job{Key: key, CustomerInternalID: 30}))
	assert.True(t, w.Enqueue(Job{Key: key, States: map[string]customerdomain.BalanceState{"ce_1": state(1)}}))
	assert.Len(t, w.queue, 0)
}

func TestFlushCountsFailures(t *testing.T) {
	repo := &recordingRepo{err: errors.New("db down")}
	w, m := newWorker(repo, nil, Config{})

	w.Enqueue(Job{Key: key, CustomerInternalID: 30, States: map[string]customerdomain.BalanceState{"ce_1": state(1), "ce_2": state(2)}})
	require.NoError(t, w.Flush(context.Background()))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WritesCounter(metrics.SyncOutcomeFailed)))
}

func TestRunForeverDrainsOnShutdown(t *testing.T) {
	repo := &recordingRepo{}
	w, _ := newWorker(repo, nil, Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.RunForever(ctx)
	}()

	w.Enqueue(Job{Key: key, CustomerInternalID: 30, States: map[string]customerdomain.BalanceState{"ce_1": state(1)}})
	cancel()
	<-done

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Len(t, repo.saved, 1)
}

func TestFlushPersistsToDatabase(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(customerdomain.Models()...))

	repo := repository.Provide()
	ctx := context.Background()
	doc := &customerdomain.FullCustomer{
		OrgID:      key.Tenant.OrgID,
		Env:        key.Tenant.Env,
		ID:         key.CustomerID,
		InternalID: 30,
		Products: []customerdomain.CustomerProduct{{
			ID:     "cp_1",
			Status: customerdomain.ProductStatusActive,
			Entitlements: []customerdomain.CustomerEntitlement{{
				ID:            "ce_1",
				FeatureID:     "messages",
				AllowanceType: customerdomain.AllowanceFixed,
				Allowance:     decimal.NewFromInt(10),
				Balance:       decimal.NewFromInt(10),
			}},
		}},
	}
	require.NoError(t, repo.Insert(ctx, conn, doc))

	w, _ := newWorker(repo, conn, Config{})
	w.Enqueue(Job{Key: key, CustomerInternalID: 30, States: map[string]customerdomain.BalanceState{"ce_1": state(6)}})
	require.NoError(t, w.Flush(ctx))

	loaded, err := repo.LoadFull(ctx, conn, key)
	require.NoError(t, err)
	ent, _ := loaded.FindEntitlement("ce_1")
	require.NotNil(t, ent)
	assert.True(t, ent.Balance.Equal(decimal.NewFromInt(6)))

	// A stale state arriving in a later batch leaves the stored one alone.
	w.Enqueue(Job{Key: key, CustomerInternalID: 30, States: map[string]customerdomain.BalanceState{"ce_1": versioned(4, 5)}})
	require.NoError(t, w.Flush(ctx))
	w.Enqueue(Job{Key: key, CustomerInternalID: 30, States: map[string]customerdomain.BalanceState{"ce_1": versioned(8, 3)}})
	require.NoError(t, w.Flush(ctx))

	loaded, err = repo.LoadFull(ctx, conn, key)
	require.NoError(t, err)
	ent, _ = loaded.FindEntitlement("ce_1")
	require.NotNil(t, ent)
	assert.True(t, ent.Balance.Equal(decimal.NewFromInt(4)))
	assert.EqualValues(t, 5, ent.Version)
	assert.EqualValues(t, 5, loaded.Version)
}
