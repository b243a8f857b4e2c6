package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smallbiznis/entitlements/internal/clock"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const (
	lockPrefix             = "entitlements:snapshot:lock:"
	defaultLockTTL         = 5 * time.Second
	defaultLockPoll        = 25 * time.Millisecond
	defaultPopulateTimeout = 10 * time.Second
	maxWriteAttempts       = 5
)

// Flusher drains pending durable writes so a repopulated snapshot does not
// lose balances that were only in flight.
type Flusher interface {
	Flush(ctx context.Context) error
}

type LoaderOptions struct {
	LockTTL  time.Duration
	LockPoll time.Duration
	// PopulateTimeout bounds a population shared by every waiting caller.
	PopulateTimeout time.Duration
	Metrics         *metrics.Metrics
	Flusher         Flusher
	Clock           clock.Clock
}

// Loader populates the snapshot from the system of record on a miss.
type Loader struct {
	db      *gorm.DB
	log     *zap.Logger
	store   Store
	locker  Locker
	repo    customerdomain.Repository
	metrics *metrics.Metrics
	flusher Flusher
	clock   clock.Clock

	lockTTL         time.Duration
	lockPoll        time.Duration
	populateTimeout time.Duration
	group           singleflight.Group
}

func NewLoader(db *gorm.DB, log *zap.Logger, store Store, locker Locker, repo customerdomain.Repository, opts LoaderOptions) *Loader {
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}
	if opts.LockPoll <= 0 {
		opts.LockPoll = defaultLockPoll
	}
	if opts.PopulateTimeout <= 0 {
		opts.PopulateTimeout = defaultPopulateTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{
		db:              db,
		log:             log.Named("snapshot.loader"),
		store:           store,
		locker:          locker,
		repo:            repo,
		metrics:         opts.Metrics,
		flusher:         opts.Flusher,
		clock:           opts.Clock,
		lockTTL:         opts.LockTTL,
		lockPoll:        opts.LockPoll,
		populateTimeout: opts.PopulateTimeout,
	}
}

// Load returns the cached document, populating it on a miss.
func (l *Loader) Load(ctx context.Context, key customerdomain.Key) (*customerdomain.FullCustomer, error) {
	doc, err := l.store.Get(ctx, key)
	if err == nil {
		return doc, nil
	}
	if !errors.Is(err, ErrMiss) {
		return nil, err
	}
	l.metrics.RecordSnapshotMiss(ctx)
	return l.populate(ctx, key, false)
}

// Refresh rebuilds the document from the system of record even when one is
// cached, as after a billing cycle rollover.
func (l *Loader) Refresh(ctx context.Context, key customerdomain.Key) (*customerdomain.FullCustomer, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	return l.populate(ctx, key, true)
}

// populate shares one population per key between callers. It runs detached
// from the caller that started it, so one caller giving up does not fail the
// others; each caller still stops waiting when its own ctx ends.
func (l *Loader) populate(ctx context.Context, key customerdomain.Key, force bool) (*customerdomain.FullCustomer, error) {
	flight := key.String()
	if force {
		flight += ":refresh"
	}
	ch := l.group.DoChan(flight, func() (any, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.populateTimeout)
		defer cancel()
		return l.populateLocked(pctx, key, force)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*customerdomain.FullCustomer).Clone(), nil
	}
}

func (l *Loader) populateLocked(ctx context.Context, key customerdomain.Key, force bool) (*customerdomain.FullCustomer, error) {
	lockKey := lockPrefix + key.String()
	token, doc, err := l.acquire(ctx, key, lockKey, force)
	if err != nil || doc != nil {
		return doc, err
	}
	defer func() {
		if err := l.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			l.log.Warn("release snapshot lock failed", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	// Deductions do not take the population lock, so the write below only
	// lands if the cached document is still the one this pass started from.
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		cached, err := l.store.Get(ctx, key)
		version := VersionAbsent
		switch {
		case err == nil:
			if !force {
				return cached, nil
			}
			version = cached.Version
		case !errors.Is(err, ErrMiss):
			return nil, err
		}

		doc, err := l.loadDurable(ctx, key)
		if err != nil {
			return nil, err
		}
		if kept := doc.KeepNewer(cached); kept > 0 {
			l.log.Debug("kept unsynced balances over durable state",
				zap.String("customer_id", key.CustomerID),
				zap.Int("entitlements", kept),
			)
		}

		err = l.store.SetIfVersion(ctx, doc, version)
		if errors.Is(err, ErrVersionConflict) {
			l.log.Debug("snapshot changed during population, retrying",
				zap.String("customer_id", key.CustomerID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store snapshot: %w", err)
		}

		l.log.Debug("snapshot populated",
			zap.String("customer_id", key.CustomerID),
			zap.String("org_id", key.Tenant.OrgID.String()),
			zap.Bool("refresh", force),
			zap.Int("products", len(doc.Products)),
			zap.Int64("version", doc.Version),
		)
		return doc, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrTxConflicts, key.String())
}

// loadDurable flushes pending balance writes and reads the system of record.
func (l *Loader) loadDurable(ctx context.Context, key customerdomain.Key) (*customerdomain.FullCustomer, error) {
	if l.flusher != nil {
		if err := l.flusher.Flush(ctx); err != nil {
			l.log.Warn("flush pending balance writes failed", zap.Error(err))
		}
	}

	doc, err := l.repo.LoadFull(ctx, l.db, key)
	if err != nil {
		return nil, fmt.Errorf("load customer %s: %w", key.CustomerID, err)
	}
	if doc == nil {
		return nil, customerdomain.ErrNotFound
	}
	doc.LoadedAt = l.clock.Now()
	return doc, nil
}

// acquire waits for the population lock. While waiting it returns early with
// a document another loader has populated, unless force is set.
func (l *Loader) acquire(ctx context.Context, key customerdomain.Key, lockKey string, force bool) (string, *customerdomain.FullCustomer, error) {
	for {
		token, ok, err := l.locker.TryLock(ctx, lockKey, l.lockTTL)
		if err != nil {
			return "", nil, fmt.Errorf("acquire snapshot lock: %w", err)
		}
		if ok {
			return token, nil, nil
		}

		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-time.After(l.lockPoll):
		}

		if !force {
			if doc, err := l.store.Get(ctx, key); err == nil {
				return "", doc, nil
			}
		}
	}
}
