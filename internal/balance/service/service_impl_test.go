package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/balance/syncer"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	customerrepo "github.com/smallbiznis/entitlements/internal/customer/repository"
	"github.com/smallbiznis/entitlements/internal/events"
	featuredomain "github.com/smallbiznis/entitlements/internal/feature/domain"
	featurerepo "github.com/smallbiznis/entitlements/internal/feature/repository"
	featureservice "github.com/smallbiznis/entitlements/internal/feature/service"
	"github.com/smallbiznis/entitlements/internal/orgcontext"
	"github.com/smallbiznis/entitlements/internal/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

var (
	tenant = orgcontext.Tenant{OrgID: 42, Env: orgcontext.EnvLive}
	key    = customerdomain.Key{Tenant: tenant, CustomerID: "cus_1"}
)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type stubHook struct {
	mu      sync.Mutex
	charges []billingdomain.Charge
	err     error
	block   bool

	// gate holds the first charge until closed; entered is closed once that
	// charge is waiting.
	gate    chan struct{}
	entered chan struct{}
	gated   atomic.Bool
}

func (h *stubHook) Commit(ctx context.Context, charge billingdomain.Charge) error {
	if h.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if h.gate != nil && h.gated.CompareAndSwap(false, true) {
		close(h.entered)
		select {
		case <-h.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.charges = append(h.charges, charge)
	return h.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// evictingStore drops the document right before the first deduction reaches
// it, as a TTL expiry between load and deduct would.
type evictingStore struct {
	*snapshot.MemoryStore
	evicted atomic.Bool
	calls   atomic.Int32
}

func (s *evictingStore) Deduct(ctx context.Context, k customerdomain.Key, req domain.ProcedureRequest) (domain.ProcedureResponse, error) {
	s.calls.Add(1)
	if s.evicted.CompareAndSwap(false, true) {
		_ = s.MemoryStore.Invalidate(ctx, k)
	}
	return s.MemoryStore.Deduct(ctx, k, req)
}

// uncertainStore applies the deduction and then reports a transport error,
// as a lost EXEC reply would.
type uncertainStore struct {
	*snapshot.MemoryStore
}

func (s *uncertainStore) Deduct(ctx context.Context, k customerdomain.Key, req domain.ProcedureRequest) (domain.ProcedureResponse, error) {
	resp, err := s.MemoryStore.Deduct(ctx, k, req)
	if err != nil {
		return resp, err
	}
	return resp, errors.New("read reply: connection reset")
}

type fixture struct {
	db        *gorm.DB
	engine    *Engine
	store     snapshot.Store
	hook      *stubHook
	publisher *recordingPublisher
	worker    *syncer.Worker
	logs      *observer.ObservedLogs
	repo      customerdomain.Repository
	clock     *clock.FakeClock
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	engine config.EngineConfig
	store  func(clk clock.Clock) snapshot.Store
}

func withEngineConfig(fn func(*config.EngineConfig)) fixtureOption {
	return func(c *fixtureConfig) { fn(&c.engine) }
}

func withStore(fn func(clk clock.Clock) snapshot.Store) fixtureOption {
	return func(c *fixtureConfig) { c.store = fn }
}

func newFixture(t *testing.T, doc *customerdomain.FullCustomer, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{
		engine: config.DefaultEngineConfig(),
		store: func(clk clock.Clock) snapshot.Store {
			return snapshot.NewMemoryStore(time.Hour, clk)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, conn.AutoMigrate(append(customerdomain.Models(), &featuredomain.Feature{})...))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC))
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)

	catalog := featureservice.New(featureservice.Params{
		DB: conn, Log: log, GenID: node, Repo: featurerepo.Provide(), Clock: clk,
	})
	ctx := context.Background()
	for _, req := range []featuredomain.CreateRequest{
		{FeatureID: "messages", Type: featuredomain.FeatureTypeMetered},
		{FeatureID: "seats", Type: featuredomain.FeatureTypeMetered, UsageType: featuredomain.UsageTypeContinuous},
		{FeatureID: "credits", Type: featuredomain.FeatureTypeCreditSystem, CreditSchema: []featuredomain.CreditSchemaItem{
			{MeteredFeatureID: "messages", CreditAmount: dec("0.5")},
		}},
	} {
		_, err := catalog.Create(ctx, tenant, req)
		require.NoError(t, err)
	}

	repo := customerrepo.Provide()
	require.NoError(t, repo.Insert(ctx, conn, doc))

	store := cfg.store(clk)
	worker := syncer.NewWorker(syncer.Params{DB: conn, Log: log, Repo: repo})
	loader := snapshot.NewLoader(conn, log, store, snapshot.NewLocalLocker(clk), repo, snapshot.LoaderOptions{
		LockPoll: time.Millisecond,
		Flusher:  worker,
		Clock:    clk,
	})
	hook := &stubHook{}
	publisher := &recordingPublisher{}

	engine := New(Params{
		Log:       log,
		GenID:     node,
		Store:     store,
		Loader:    loader,
		Catalog:   catalog,
		Billing:   hook,
		Sync:      worker,
		Config:    config.NewStaticEngineConfigHolder(cfg.engine),
		Publisher: publisher,
		Clock:     clk,
	})

	return &fixture{
		db: conn, engine: engine, store: store, hook: hook, publisher: publisher,
		worker: worker, logs: logs, repo: repo, clock: clk,
	}
}

func customer(ents ...customerdomain.CustomerEntitlement) *customerdomain.FullCustomer {
	return &customerdomain.FullCustomer{
		OrgID:       tenant.OrgID,
		Env:         tenant.Env,
		ID:          key.CustomerID,
		InternalID:  420,
		ProcessorID: "cus_stripe_1",
		Entities:    []customerdomain.Entity{{ID: "seat_a", InternalID: 421, FeatureID: "seats"}},
		Products: []customerdomain.CustomerProduct{{
			ID:           "cp_pro",
			ProductID:    "pro",
			Status:       customerdomain.ProductStatusActive,
			Entitlements: ents,
		}},
	}
}

func fixed(id, feature, balance string) customerdomain.CustomerEntitlement {
	return customerdomain.CustomerEntitlement{
		ID:            id,
		FeatureID:     feature,
		AllowanceType: customerdomain.AllowanceFixed,
		Allowance:     dec(balance),
		Balance:       dec(balance),
	}
}

func track(featureID, amount string, overage domain.OverageBehaviour) domain.DeductParams {
	return domain.DeductParams{
		Tenant:     tenant,
		CustomerID: key.CustomerID,
		Deductions: []domain.FeatureDeduction{{FeatureID: featureID, Amount: domain.DeductAmount(dec(amount))}},
		Overage:    overage,
	}
}

func target(featureID, balance string, overage domain.OverageBehaviour) domain.DeductParams {
	return domain.DeductParams{
		Tenant:     tenant,
		CustomerID: key.CustomerID,
		Deductions: []domain.FeatureDeduction{{FeatureID: featureID, Amount: domain.TargetBalance(dec(balance))}},
		Overage:    overage,
	}
}

func (f *fixture) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	doc, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	ent, _ := doc.FindEntitlement(id)
	require.NotNil(t, ent)
	return ent.Balance
}

func (f *fixture) durableBalance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	require.NoError(t, f.worker.Flush(context.Background()))
	doc, err := f.repo.LoadFull(context.Background(), f.db, key)
	require.NoError(t, err)
	ent, _ := doc.FindEntitlement(id)
	require.NotNil(t, ent)
	return ent.Balance
}

func (f *fixture) errorLogs() int {
	return f.logs.FilterLevelExact(zapcore.ErrorLevel).Len()
}

func TestDeductRejectScenario(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")))
	ctx := context.Background()

	res, err := f.engine.Deduct(ctx, track("messages", "40", domain.OverageReject))
	require.NoError(t, err)
	assert.True(t, res.FeatureDeductions["messages"].Equal(dec("40")))
	assert.True(t, res.Balances["messages"].Equal(dec("60")))
	assert.Equal(t, []string{"ce_msgs"}, res.UpdatedEntitlementIDs)

	_, err = f.engine.Deduct(ctx, track("messages", "70", domain.OverageReject))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	var insufficient *domain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, "messages", insufficient.FeatureID)

	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("60")))
	assert.True(t, f.durableBalance(t, "ce_msgs").Equal(dec("60")))
	assert.Zero(t, f.errorLogs())
}

func TestDeductCapAcrossEntitlements(t *testing.T) {
	e1 := fixed("ce_1", "messages", "20")
	e1.UsageAllowed = true
	overage := dec("5")
	e1.MaxOverage = &overage
	f := newFixture(t, customer(e1, fixed("ce_2", "messages", "50")))

	res, err := f.engine.Deduct(context.Background(), track("messages", "30", domain.OverageCap))
	require.NoError(t, err)
	assert.True(t, res.FeatureDeductions["messages"].Equal(dec("30")))
	assert.True(t, f.balance(t, "ce_1").Equal(dec("-5")))
	assert.True(t, f.balance(t, "ce_2").Equal(dec("45")))
	assert.True(t, res.Balances["messages"].Equal(dec("40")))
}

func TestDeductUsesCreditSystem(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_credits", "credits", "10")))

	res, err := f.engine.Deduct(context.Background(), track("messages", "4", domain.OverageReject))
	require.NoError(t, err)
	assert.True(t, res.FeatureDeductions["credits"].Equal(dec("2")))
	assert.True(t, f.balance(t, "ce_credits").Equal(dec("8")))
}

func TestUnlimitedShortCircuit(t *testing.T) {
	unlimited := fixed("ce_unlimited", "messages", "0")
	unlimited.AllowanceType = customerdomain.AllowanceUnlimited
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "5"), unlimited))

	res, err := f.engine.Deduct(context.Background(), track("messages", "1000", domain.OverageReject))
	require.NoError(t, err)
	assert.True(t, res.FeatureDeductions["messages"].IsZero())
	assert.Empty(t, res.UpdatedEntitlementIDs)
	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("5")))
	assert.Empty(t, f.hook.charges)
	assert.Empty(t, f.publisher.events)
}

func paidSeats() customerdomain.CustomerEntitlement {
	seats := fixed("ce_seats", "seats", "3")
	seats.PriceID = "price_seats"
	return seats
}

func TestPaidAllocationIsBilled(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100"), paidSeats()))

	res, err := f.engine.Deduct(context.Background(), track("seats", "1", domain.OverageAllow))
	require.NoError(t, err)
	require.Len(t, f.hook.charges, 1)
	charge := f.hook.charges[0]
	assert.Equal(t, "ce_seats", charge.EntitlementID)
	assert.Equal(t, "cus_stripe_1", charge.ProcessorCustomerID)
	assert.Equal(t, res.DeductionID, charge.IdempotencyKey)
	assert.True(t, charge.Quantity().Equal(dec("1")))
}

func TestPaidAllocationForcesRejectForBatch(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "5"), paidSeats()))

	params := track("messages", "10", domain.OverageAllow)
	params.Deductions = append(params.Deductions, domain.FeatureDeduction{FeatureID: "seats", Amount: domain.DeductAmount(dec("1"))})

	_, err := f.engine.Deduct(context.Background(), params)
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("5")))
	assert.True(t, f.balance(t, "ce_seats").Equal(dec("3")))
}

func TestBillingFailureRestoresEveryEntitlement(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100"), paidSeats()))
	failure := errors.New("processor unavailable")
	f.hook.err = failure

	params := track("messages", "10", domain.OverageCap)
	params.Deductions = append(params.Deductions, domain.FeatureDeduction{FeatureID: "seats", Amount: domain.DeductAmount(dec("1"))})

	_, err := f.engine.Deduct(context.Background(), params)
	require.ErrorIs(t, err, failure)

	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("100")))
	assert.True(t, f.balance(t, "ce_seats").Equal(dec("3")))
	assert.True(t, f.durableBalance(t, "ce_msgs").Equal(dec("100")))
	assert.Empty(t, f.publisher.events)
	assert.Equal(t, 1, f.errorLogs())
}

func TestDeclineIsRolledBackWithoutErrorLog(t *testing.T) {
	f := newFixture(t, customer(paidSeats()))
	f.hook.err = &billingdomain.DeclineError{Code: "card_declined", Message: "Your card was declined."}

	_, err := f.engine.Deduct(context.Background(), track("seats", "1", ""))
	require.Error(t, err)
	assert.True(t, billingdomain.IsDecline(err))
	assert.True(t, f.balance(t, "ce_seats").Equal(dec("3")))
	assert.Zero(t, f.errorLogs())
}

func TestTimeoutIsRolledBack(t *testing.T) {
	f := newFixture(t, customer(paidSeats()), withEngineConfig(func(c *config.EngineConfig) {
		c.DeductionTimeout = 30 * time.Millisecond
	}))
	f.hook.block = true

	_, err := f.engine.Deduct(context.Background(), track("seats", "1", ""))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, f.balance(t, "ce_seats").Equal(dec("3")))
}

func TestTargetBalanceIsIdempotent(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")))
	ctx := context.Background()
	params := domain.DeductParams{
		Tenant:     tenant,
		CustomerID: key.CustomerID,
		Deductions: []domain.FeatureDeduction{{FeatureID: "messages", Amount: domain.TargetBalance(dec("30"))}},
	}

	first, err := f.engine.Deduct(ctx, params)
	require.NoError(t, err)
	assert.True(t, first.FeatureDeductions["messages"].Equal(dec("70")))

	second, err := f.engine.Deduct(ctx, params)
	require.NoError(t, err)
	assert.Empty(t, second.UpdatedEntitlementIDs)
	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("30")))
}

func TestTargetBelowFloorFollowsOverage(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")))
	ctx := context.Background()

	_, err := f.engine.Deduct(ctx, target("messages", "-50", domain.OverageReject))
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("100")))

	res, err := f.engine.Deduct(ctx, target("messages", "-50", domain.OverageCap))
	require.NoError(t, err)
	assert.True(t, res.FeatureDeductions["messages"].Equal(dec("100")))
	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("0")))
}

func TestTargetAboveBalanceIgnoresCeiling(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")))

	res, err := f.engine.Deduct(context.Background(), target("messages", "150", domain.OverageReject))
	require.NoError(t, err)
	assert.True(t, res.FeatureDeductions["messages"].Equal(dec("-50")))
	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("150")))
}

func TestTargetWithoutEntitlementsIsNoop(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")))

	res, err := f.engine.Deduct(context.Background(), target("seats", "5", domain.OverageReject))
	require.NoError(t, err)
	assert.True(t, res.FeatureDeductions["seats"].IsZero())
	assert.Empty(t, res.UpdatedEntitlementIDs)
}

func TestUncertainSnapshotWriteIsRolledBack(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")), withStore(func(clk clock.Clock) snapshot.Store {
		return &uncertainStore{MemoryStore: snapshot.NewMemoryStore(time.Hour, clk)}
	}))

	_, err := f.engine.Deduct(context.Background(), track("messages", "30", domain.OverageCap))
	require.Error(t, err)
	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("100")))
	assert.True(t, f.durableBalance(t, "ce_msgs").Equal(dec("100")))
	assert.Equal(t, 1, f.errorLogs())
}

func TestOverlappingDeductionsPersistNewestState(t *testing.T) {
	f := newFixture(t, customer(paidSeats()))
	f.hook.gate = make(chan struct{})
	f.hook.entered = make(chan struct{})
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := f.engine.Deduct(ctx, track("seats", "1", ""))
		first <- err
	}()
	<-f.hook.entered

	// Commits after the first deduction but finishes billing before it.
	_, err := f.engine.Deduct(ctx, track("seats", "1", ""))
	require.NoError(t, err)
	require.NoError(t, f.worker.Flush(ctx))

	close(f.hook.gate)
	require.NoError(t, <-first)

	assert.True(t, f.balance(t, "ce_seats").Equal(dec("1")))
	assert.True(t, f.durableBalance(t, "ce_seats").Equal(dec("1")))

	require.NoError(t, f.engine.Invalidate(ctx, key))
	_, err = f.engine.Refresh(ctx, key)
	require.NoError(t, err)
	assert.True(t, f.balance(t, "ce_seats").Equal(dec("1")))
}

func TestCustomerEvictedBeforeDeductIsRetried(t *testing.T) {
	var wrapped *evictingStore
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")), withStore(func(clk clock.Clock) snapshot.Store {
		wrapped = &evictingStore{MemoryStore: snapshot.NewMemoryStore(time.Hour, clk)}
		return wrapped
	}))

	_, err := f.engine.Deduct(context.Background(), track("messages", "10", domain.OverageReject))
	require.NoError(t, err)
	assert.EqualValues(t, 2, wrapped.calls.Load())
	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("90")))
}

func TestRetriesExhausted(t *testing.T) {
	var wrapped *evictingStore
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")),
		withEngineConfig(func(c *config.EngineConfig) { c.CustomerNotFoundRetries = 0 }),
		withStore(func(clk clock.Clock) snapshot.Store {
			wrapped = &evictingStore{MemoryStore: snapshot.NewMemoryStore(time.Hour, clk)}
			return wrapped
		}))

	_, err := f.engine.Deduct(context.Background(), track("messages", "10", domain.OverageReject))
	require.ErrorIs(t, err, domain.ErrCustomerNotFound)
}

func TestUnknownCustomerAndFeature(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")))
	ctx := context.Background()

	params := track("messages", "1", domain.OverageCap)
	params.CustomerID = "cus_nope"
	_, err := f.engine.Deduct(ctx, params)
	assert.ErrorIs(t, err, domain.ErrCustomerNotFound)

	_, err = f.engine.Deduct(ctx, track("unknown", "1", domain.OverageCap))
	assert.ErrorIs(t, err, domain.ErrFeatureNotFound)

	params = track("messages", "1", domain.OverageCap)
	params.EntityID = "seat_missing"
	_, err = f.engine.Deduct(ctx, params)
	assert.ErrorIs(t, err, domain.ErrEntityNotFound)
}

func TestDeductValidatesParams(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")))
	ctx := context.Background()

	_, err := f.engine.Deduct(ctx, domain.DeductParams{Tenant: tenant, CustomerID: "cus_1"})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	params := track("messages", "1", "sometimes")
	_, err = f.engine.Deduct(ctx, params)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	params = track("messages", "1", domain.OverageCap)
	params.Tenant = orgcontext.Tenant{}
	_, err = f.engine.Deduct(ctx, params)
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)

	params = track("messages", "1", domain.OverageCap)
	params.Deductions = append(params.Deductions, params.Deductions[0])
	_, err = f.engine.Deduct(ctx, params)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestCommittedDeductionIsPublishedAndPersisted(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")))

	res, err := f.engine.Deduct(context.Background(), track("messages", "25", domain.OverageCap))
	require.NoError(t, err)

	require.Len(t, f.publisher.events, 1)
	event := f.publisher.events[0]
	assert.Equal(t, events.TypeBalanceDeducted, event.Type)
	assert.Equal(t, key.String(), event.Key)
	payload, ok := event.Payload.(events.BalanceDeducted)
	require.True(t, ok)
	assert.Equal(t, res.DeductionID, payload.DeductionID)

	assert.True(t, f.durableBalance(t, "ce_msgs").Equal(dec("75")))
}

func TestConcurrentDeductionsNeverOverdraw(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "10")))

	const workers = 20
	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
		rejected atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.Deduct(context.Background(), track("messages", "1", domain.OverageReject))
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, domain.ErrInsufficientBalance):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, accepted.Load())
	assert.EqualValues(t, 10, rejected.Load())
	assert.True(t, f.balance(t, "ce_msgs").IsZero())
	assert.True(t, f.durableBalance(t, "ce_msgs").IsZero())
}

func TestBalancesSummary(t *testing.T) {
	expires := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	expired := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msgs := fixed("ce_msgs", "messages", "100")
	msgs.Balance = dec("60")
	msgs.AdditionalBalance = dec("5")
	msgs.Rollovers = []customerdomain.Rollover{
		{ID: "ro_live", Balance: dec("7"), ExpiresAt: &expires},
		{ID: "ro_old", Balance: dec("9"), ExpiresAt: &expired},
	}
	unlimited := fixed("ce_api", "api_calls", "0")
	unlimited.AllowanceType = customerdomain.AllowanceUnlimited
	f := newFixture(t, customer(msgs, unlimited))

	res, err := f.engine.Balances(context.Background(), domain.BalancesParams{Tenant: tenant, CustomerID: key.CustomerID})
	require.NoError(t, err)
	require.Len(t, res.Features, 2)

	api := res.Features[0]
	assert.Equal(t, "api_calls", api.FeatureID)
	assert.True(t, api.Unlimited)

	m := res.Features[1]
	assert.True(t, m.Granted.Equal(dec("100")))
	assert.True(t, m.Balance.Equal(dec("60")))
	assert.True(t, m.AdditionalBalance.Equal(dec("5")))
	assert.True(t, m.Rollover.Equal(dec("7")))
	assert.True(t, m.Usage.Equal(dec("40")))
}

func TestRefreshPicksUpDurableChanges(t *testing.T) {
	f := newFixture(t, customer(fixed("ce_msgs", "messages", "100")))
	ctx := context.Background()

	_, err := f.engine.Deduct(ctx, track("messages", "10", domain.OverageCap))
	require.NoError(t, err)
	require.NoError(t, f.worker.Flush(ctx))

	// An out-of-band grant written under a newer version than the snapshot's.
	require.NoError(t, f.repo.SaveStates(ctx, f.db, 420, map[string]customerdomain.BalanceState{
		"ce_msgs": {Balance: dec("100"), Version: 2},
	}))
	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("90")))

	_, err = f.engine.Refresh(ctx, key)
	require.NoError(t, err)
	assert.True(t, f.balance(t, "ce_msgs").Equal(dec("100")))

	require.NoError(t, f.engine.Invalidate(ctx, key))
	_, err = f.store.Get(ctx, key)
	assert.ErrorIs(t, err, snapshot.ErrMiss)
}
