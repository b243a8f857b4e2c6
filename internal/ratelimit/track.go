package ratelimit

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/config"
	"github.com/smallbiznis/entitlements/internal/orgcontext"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyTrackOrg = "entitlements:ratelimit:track:"

// TrackLimiter bounds how fast one tenant may submit tracking batches.
// A nil limiter allows everything.
type TrackLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
}

type TrackLimiterParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Client *redis.Client `optional:"true"`
}

func NewTrackLimiter(p TrackLimiterParams) (*TrackLimiter, error) {
	cfg := p.Config.RateLimit
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.TrackOrgRate <= 0 || cfg.TrackOrgBurst <= 0 {
		return nil, errors.New("track rate limit must be positive")
	}
	if p.Client == nil {
		p.Log.Named("ratelimit").Warn("rate limiting needs the redis snapshot backend, disabled")
		return nil, nil
	}
	return &TrackLimiter{
		bucket: NewTokenBucket(p.Client),
		rate:   cfg.TrackOrgRate,
		burst:  cfg.TrackOrgBurst,
	}, nil
}

func (l *TrackLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *TrackLimiter) Allow(ctx context.Context, tenant orgcontext.Tenant) (*Result, error) {
	if !l.Enabled() {
		return &Result{Allowed: true}, nil
	}
	return l.bucket.Allow(ctx, keyTrackOrg+tenant.OrgID.String()+":"+tenant.Env, l.rate, l.burst)
}
