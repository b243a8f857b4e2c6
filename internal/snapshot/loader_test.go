package snapshot

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"github.com/smallbiznis/entitlements/internal/customer/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(customerdomain.Models()...))
	return conn
}

type countingFlusher struct {
	calls atomic.Int32
}

func (f *countingFlusher) Flush(ctx context.Context) error {
	f.calls.Add(1)
	return nil
}

type loaderFixture struct {
	db      *gorm.DB
	store   *MemoryStore
	locker  *LocalLocker
	flusher *countingFlusher
	loader  *Loader
}

func newLoaderFixture(t *testing.T) loaderFixture {
	t.Helper()
	conn := setupDB(t)
	repo := repository.Provide()
	require.NoError(t, repo.Insert(context.Background(), conn, sampleDoc(100)))

	store := NewMemoryStore(time.Hour, nil)
	locker := NewLocalLocker(nil)
	flusher := &countingFlusher{}
	loader := NewLoader(conn, nil, store, locker, repo, LoaderOptions{
		LockPoll:        time.Millisecond,
		PopulateTimeout: time.Second,
		Flusher:         flusher,
	})
	return loaderFixture{db: conn, store: store, locker: locker, flusher: flusher, loader: loader}
}

func TestLoaderPopulatesOnMiss(t *testing.T) {
	f := newLoaderFixture(t)
	ctx := context.Background()

	doc, err := f.loader.Load(ctx, testKey)
	require.NoError(t, err)
	require.Len(t, doc.Products, 1)
	assert.False(t, doc.LoadedAt.IsZero())
	assert.EqualValues(t, 1, f.flusher.calls.Load())

	cached, err := f.store.Get(ctx, testKey)
	require.NoError(t, err)
	assert.Equal(t, doc.InternalID, cached.InternalID)

	_, err = f.loader.Load(ctx, testKey)
	require.NoError(t, err)
	assert.EqualValues(t, 1, f.flusher.calls.Load(), "a hit must not touch the system of record")
}

func TestLoaderUnknownCustomer(t *testing.T) {
	f := newLoaderFixture(t)
	key := testKey
	key.CustomerID = "cus_missing"

	_, err := f.loader.Load(context.Background(), key)
	assert.ErrorIs(t, err, customerdomain.ErrNotFound)
}

func TestLoaderRefreshReplacesCachedDocument(t *testing.T) {
	f := newLoaderFixture(t)
	ctx := context.Background()

	stale := sampleDoc(100)
	stale.Products[0].Entitlements[0].Balance = decimal.NewFromInt(3)
	require.NoError(t, f.store.Set(ctx, stale))

	doc, err := f.loader.Refresh(ctx, testKey)
	require.NoError(t, err)
	ent, _ := doc.FindEntitlement("ce_1")
	require.NotNil(t, ent)
	assert.True(t, ent.Balance.Equal(decimal.NewFromInt(100)))
	assert.True(t, balanceIn(t, f.store).Equal(decimal.NewFromInt(100)))
}

func TestLoaderWaitsForConcurrentPopulation(t *testing.T) {
	f := newLoaderFixture(t)
	ctx := context.Background()

	token, ok, err := f.locker.TryLock(ctx, lockPrefix+testKey.String(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	populated := sampleDoc(42)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = f.store.Set(ctx, populated)
		_ = f.locker.Release(ctx, lockPrefix+testKey.String(), token)
	}()

	doc, err := f.loader.Load(ctx, testKey)
	require.NoError(t, err)
	ent, _ := doc.FindEntitlement("ce_1")
	require.NotNil(t, ent)
	assert.True(t, ent.Balance.Equal(decimal.NewFromInt(42)))
	assert.EqualValues(t, 0, f.flusher.calls.Load())
}

func TestLoaderHonoursContextWhileWaiting(t *testing.T) {
	f := newLoaderFixture(t)
	_, ok, err := f.locker.TryLock(context.Background(), lockPrefix+testKey.String(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.loader.Load(ctx, testKey)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// racingStore runs race right before the first conditional write, as a
// deduction landing between the durable read and the snapshot write would.
type racingStore struct {
	*MemoryStore
	once   sync.Once
	race   func()
	writes atomic.Int32
}

func (s *racingStore) SetIfVersion(ctx context.Context, doc *customerdomain.FullCustomer, version int64) error {
	s.writes.Add(1)
	s.once.Do(s.race)
	return s.MemoryStore.SetIfVersion(ctx, doc, version)
}

func TestLoaderRefreshKeepsConcurrentDeduction(t *testing.T) {
	f := newLoaderFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, sampleDoc(100)))

	racing := &racingStore{MemoryStore: f.store}
	racing.race = func() {
		resp, err := f.store.Deduct(ctx, testKey, deductRequest(40, domain.OverageReject))
		assert.NoError(t, err)
		assert.Empty(t, resp.Error)
	}
	loader := NewLoader(f.db, nil, racing, f.locker, repository.Provide(), LoaderOptions{
		LockPoll: time.Millisecond,
		Flusher:  f.flusher,
	})

	doc, err := loader.Refresh(ctx, testKey)
	require.NoError(t, err)
	assert.EqualValues(t, 2, racing.writes.Load())

	ent, _ := doc.FindEntitlement("ce_1")
	require.NotNil(t, ent)
	assert.True(t, ent.Balance.Equal(decimal.NewFromInt(60)))
	assert.True(t, balanceIn(t, f.store).Equal(decimal.NewFromInt(60)))
	assert.EqualValues(t, 1, doc.Version)
}

func TestLoaderRefreshTakesNewerDurableState(t *testing.T) {
	f := newLoaderFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Set(ctx, sampleDoc(100)))
	_, err := f.store.Deduct(ctx, testKey, deductRequest(10, domain.OverageCap))
	require.NoError(t, err)

	repo := repository.Provide()
	require.NoError(t, repo.SaveStates(ctx, f.db, 70, map[string]customerdomain.BalanceState{
		"ce_1": {Balance: decimal.NewFromInt(75), Version: 4},
	}))

	doc, err := f.loader.Refresh(ctx, testKey)
	require.NoError(t, err)
	ent, _ := doc.FindEntitlement("ce_1")
	require.NotNil(t, ent)
	assert.True(t, ent.Balance.Equal(decimal.NewFromInt(75)))
	assert.EqualValues(t, 4, doc.Version)
}

func TestLoaderSharedPopulationOutlivesCancelledCaller(t *testing.T) {
	f := newLoaderFixture(t)
	lockKey := lockPrefix + testKey.String()
	token, ok, err := f.locker.TryLock(context.Background(), lockKey, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.loader.Load(firstCtx, testKey)
		firstErr <- err
	}()
	time.Sleep(5 * time.Millisecond)

	type result struct {
		doc *customerdomain.FullCustomer
		err error
	}
	second := make(chan result, 1)
	go func() {
		doc, err := f.loader.Load(context.Background(), testKey)
		second <- result{doc: doc, err: err}
	}()
	time.Sleep(5 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	require.NoError(t, f.locker.Release(context.Background(), lockKey, token))
	res := <-second
	require.NoError(t, res.err)
	ent, _ := res.doc.FindEntitlement("ce_1")
	require.NotNil(t, ent)
	assert.True(t, ent.Balance.Equal(decimal.NewFromInt(100)))
}
