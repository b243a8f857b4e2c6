package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/balance/selector"
	"github.com/smallbiznis/entitlements/internal/balance/syncer"
	billingdomain "github.com/smallbiznis/entitlements/internal/billing/domain"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"github.com/smallbiznis/entitlements/internal/events"
	featuredomain "github.com/smallbiznis/entitlements/internal/feature/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"github.com/smallbiznis/entitlements/internal/snapshot"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	outcomeCommitted  = "committed"
	outcomeRejected   = "rejected"
	outcomeRolledBack = "rolled_back"
	outcomeError      = "error"
)

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Store     snapshot.Store
	Loader    *snapshot.Loader
	Catalog   featuredomain.Catalog
	Billing   billingdomain.Hook
	Sync      *syncer.Worker
	Config    *config.EngineConfigHolder
	Publisher events.Publisher `optional:"true"`
	Metrics   *metrics.Metrics `optional:"true"`
	Clock     clock.Clock      `optional:"true"`
}

type Engine struct {
	log       *zap.Logger
	genID     *snowflake.Node
	store     snapshot.Store
	loader    *snapshot.Loader
	catalog   featuredomain.Catalog
	billing   billingdomain.Hook
	sync      *syncer.Worker
	config    *config.EngineConfigHolder
	publisher events.Publisher
	metrics   *metrics.Metrics
	clock     clock.Clock
}

func New(p Params) *Engine {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Engine{
		log:       p.Log.Named("balance.engine"),
		genID:     p.GenID,
		store:     p.Store,
		loader:    p.Loader,
		catalog:   p.Catalog,
		billing:   p.Billing,
		sync:      p.Sync,
		config:    p.Config,
		publisher: publisher,
		metrics:   p.Metrics,
		clock:     clk,
	}
}

// plan is one feature deduction resolved against the catalog and selector.
type plan struct {
	deduction domain.FeatureDeduction
	features  []featuredomain.Feature
	selection selector.Selection
}

// Deduct tracks one batch of usage for a customer. Either every feature's
// deduction stands and the result is returned, or every touched entitlement
// is restored and the error is returned.
func (e *Engine) Deduct(ctx context.Context, params domain.DeductParams) (*domain.DeductResult, error) {
	start := e.clock.Now()
	cfg := e.config.Get()

	if err := validate(params); err != nil {
		return nil, err
	}
	overage := params.Overage
	if overage == "" {
		parsed, err := domain.ParseOverageBehaviour(cfg.DefaultOverageBehaviour)
		if err != nil {
			return nil, err
		}
		overage = parsed
	}

	if cfg.DeductionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DeductionTimeout)
		defer cancel()
	}

	ctx, span := otel.Tracer("entitlements/balance").Start(ctx, "balance.deduct")
	defer span.End()
	span.SetAttributes(
		attribute.String("customer_id", params.CustomerID),
		attribute.Int("features", len(params.Deductions)),
	)

	key := customerdomain.Key{Tenant: params.Tenant, CustomerID: params.CustomerID}
	result, outcome, err := e.deduct(ctx, key, params, overage, cfg)
	e.metrics.RecordDeduction(ctx, outcome, e.clock.Now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return nil, err
	}
	return result, nil
}

func (e *Engine) deduct(
	ctx context.Context,
	key customerdomain.Key,
	params domain.DeductParams,
	overage domain.OverageBehaviour,
	cfg config.EngineConfig,
) (*domain.DeductResult, string, error) {
	doc, err := e.load(ctx, key)
	if err != nil {
		return nil, outcomeError, err
	}
	if params.EntityID != "" && doc.FindEntity(params.EntityID) == nil {
		return nil, outcomeError, domain.ErrEntityNotFound
	}

	now := e.clock.Now()
	skipAdditional := params.SkipAdditionalBalance
	plans, err := e.plan(ctx, doc, params, overage, skipAdditional, cfg, now)
	if err != nil {
		return nil, outcomeError, err
	}

	// Any paid continuous-use feature in the batch switches the whole batch
	// to reject without additional balance.
	if lo.SomeBy(plans, func(p plan) bool { return p.selection.PaidContinuousUse }) &&
		(overage != domain.OverageReject || !skipAdditional) {
		overage, skipAdditional = domain.OverageReject, true
		plans, err = e.plan(ctx, doc, params, overage, skipAdditional, cfg, now)
		if err != nil {
			return nil, outcomeError, err
		}
	}

	deductionID := strings.TrimSpace(params.IdempotencyKey)
	if deductionID == "" {
		deductionID = e.genID.Generate().String()
	}
	result := &domain.DeductResult{
		DeductionID:       deductionID,
		FeatureDeductions: make(map[string]decimal.Decimal),
		Balances:          make(map[string]decimal.Decimal),
		Updates:           make(map[string]domain.Update),
	}
	b := newBatch(key, doc.InternalID)

	for _, p := range plans {
		featureID := p.deduction.FeatureID
		if p.selection.Unlimited {
			result.FeatureDeductions[featureID] = decimal.Zero
			continue
		}
		if p.selection.Empty() {
			// A target has nothing to move when there is no balance to set.
			if overage == domain.OverageReject && !p.deduction.Amount.IsTarget() && p.deduction.Amount.Value().IsPositive() {
				return nil, outcomeRejected, e.rollback(ctx, b, &domain.InsufficientBalanceError{FeatureID: featureID})
			}
			result.FeatureDeductions[featureID] = decimal.Zero
			continue
		}

		req := domain.ProcedureRequest{
			FeatureID:             featureID,
			Candidates:            p.selection.Candidates,
			Amount:                p.deduction.Amount,
			EntityID:              params.EntityID,
			RolloverIDs:           p.selection.RolloverIDs,
			EntitlementIDs:        p.selection.EntitlementIDs,
			SkipAdditionalBalance: skipAdditional,
			Overage:               overage,
		}

		resp, err := e.runProcedure(ctx, key, req, cfg.CustomerNotFoundRetries)
		// A failed call may still report states it could have written.
		b.record(resp)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientBalance) {
				return nil, outcomeRejected, e.rollback(ctx, b, err)
			}
			return nil, outcomeRolledBack, e.rollback(ctx, b, err)
		}
		reconcile(doc, p.selection, params.EntityID, resp, result)

		for _, charge := range charges(chargeInput{
			sel:         p.selection,
			features:    p.features,
			customer:    doc,
			entityID:    params.EntityID,
			deductionID: deductionID,
			resp:        resp,
			now:         now,
		}) {
			if err := e.billing.Commit(ctx, charge); err != nil {
				return nil, outcomeRolledBack, e.rollback(ctx, b, err)
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, outcomeRolledBack, e.rollback(ctx, b, err)
		}
	}

	b.phase = phaseCommitted
	e.afterCommit(ctx, doc, b, params, result)
	return result, outcomeCommitted, nil
}

func (e *Engine) plan(
	ctx context.Context,
	doc *customerdomain.FullCustomer,
	params domain.DeductParams,
	overage domain.OverageBehaviour,
	skipAdditional bool,
	cfg config.EngineConfig,
	now time.Time,
) ([]plan, error) {
	statuses := lo.Map(cfg.InStatuses, func(s string, _ int) customerdomain.ProductStatus {
		return customerdomain.ProductStatus(s)
	})

	plans := make([]plan, 0, len(params.Deductions))
	for _, d := range params.Deductions {
		features, err := e.catalog.RelevantFeatures(ctx, params.Tenant, d.FeatureID)
		if err != nil {
			if errors.Is(err, featuredomain.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", domain.ErrFeatureNotFound, d.FeatureID)
			}
			return nil, err
		}
		target := d.Amount.IsTarget()
		in := selector.Input{
			Features:        features,
			Customer:        doc,
			EntityID:        params.EntityID,
			TargetBalance:   target,
			InStatuses:      statuses,
			Reverse:         cfg.ReverseDeductionOrder,
			Overage:         overage,
			AddToAdjustment: target,
			Now:             now,
		}
		plans = append(plans, plan{deduction: d, features: features, selection: selector.Select(in)})
	}
	return plans, nil
}

// runProcedure executes the atomic step, repopulating the snapshot and
// retrying when the customer was evicted in between. An insufficient balance
// is final. A store error comes back with whatever response the store had.
func (e *Engine) runProcedure(ctx context.Context, key customerdomain.Key, req domain.ProcedureRequest, retries int) (domain.ProcedureResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := e.store.Deduct(ctx, key, req)
		if err != nil {
			return resp, fmt.Errorf("snapshot deduct: %w", err)
		}
		if resp.Error != domain.CodeCustomerNotFound || attempt >= retries {
			if err := resp.Err(); err != nil {
				return resp, err
			}
			for _, line := range resp.Logs {
				e.log.Debug("procedure", zap.String("feature_id", req.FeatureID), zap.String("line", line))
			}
			return resp, nil
		}

		e.log.Info("snapshot missing during deduction, repopulating",
			zap.String("customer_id", key.CustomerID),
			zap.Int("attempt", attempt+1),
		)
		if _, err := e.load(ctx, key); err != nil {
			return domain.ProcedureResponse{}, err
		}
	}
}

func (e *Engine) load(ctx context.Context, key customerdomain.Key) (*customerdomain.FullCustomer, error) {
	doc, err := e.loader.Load(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, domain.ErrCustomerNotFound
		}
		return nil, err
	}
	return doc, nil
}

func (e *Engine) afterCommit(ctx context.Context, doc *customerdomain.FullCustomer, b *batch, params domain.DeductParams, result *domain.DeductResult) {
	if len(b.final) > 0 {
		e.sync.Enqueue(syncer.Job{
			Key:                b.key,
			CustomerInternalID: b.customerInternalID,
			States:             b.final,
		})
	}

	if len(result.UpdatedEntitlementIDs) > 0 {
		now := e.clock.Now()
		event := events.Event{
			ID:         events.NewEventID(now),
			Type:       events.TypeBalanceDeducted,
			OccurredAt: now,
			OrgID:      b.key.Tenant.OrgID.String(),
			Env:        b.key.Tenant.Env,
			Key:        b.key.String(),
			Payload: events.BalanceDeducted{
				DeductionID:           result.DeductionID,
				CustomerID:            params.CustomerID,
				EntityID:              params.EntityID,
				FeatureDeductions:     result.FeatureDeductions,
				Balances:              result.Balances,
				UpdatedEntitlementIDs: result.UpdatedEntitlementIDs,
			},
		}
		if err := e.publisher.Publish(ctx, event); err != nil {
			e.log.Warn("publish balance event failed",
				zap.String("deduction_id", result.DeductionID),
				zap.Error(err),
			)
		}
	}

	total := decimal.Zero
	for _, v := range result.FeatureDeductions {
		total = total.Add(v)
	}
	e.log.Info("track",
		zap.String("deduction_id", result.DeductionID),
		zap.String("customer_id", params.CustomerID),
		zap.String("entity_id", params.EntityID),
		zap.Strings("feature_ids", lo.Map(params.Deductions, func(d domain.FeatureDeduction, _ int) string { return d.FeatureID })),
		zap.String("total_deducted", total.String()),
		zap.Int("touched", len(result.UpdatedEntitlementIDs)),
	)
}

func isNotFound(err error) bool {
	return errors.Is(err, customerdomain.ErrNotFound)
}

func validate(params domain.DeductParams) error {
	if !params.Tenant.Valid() {
		return domain.ErrInvalidTenant
	}
	if strings.TrimSpace(params.CustomerID) == "" {
		return fmt.Errorf("%w: customer_id is required", domain.ErrInvalidRequest)
	}
	if len(params.Deductions) == 0 {
		return fmt.Errorf("%w: at least one feature is required", domain.ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(params.Deductions))
	for _, d := range params.Deductions {
		if strings.TrimSpace(d.FeatureID) == "" {
			return fmt.Errorf("%w: feature_id is required", domain.ErrInvalidRequest)
		}
		if d.Amount.IsZero() {
			return fmt.Errorf("%w: %s needs amount_to_deduct or target_balance", domain.ErrInvalidRequest, d.FeatureID)
		}
		if _, dup := seen[d.FeatureID]; dup {
			return fmt.Errorf("%w: feature %s listed twice", domain.ErrInvalidRequest, d.FeatureID)
		}
		seen[d.FeatureID] = struct{}{}
	}
	if params.Overage != "" {
		if _, err := domain.ParseOverageBehaviour(string(params.Overage)); err != nil {
			return err
		}
	}
	return nil
}
