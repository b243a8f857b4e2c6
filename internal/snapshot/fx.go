package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/clock"
	"github.com/smallbiznis/entitlements/internal/config"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"github.com/smallbiznis/entitlements/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("snapshot",
	fx.Provide(NewRedisClient),
	fx.Provide(NewStore),
	fx.Provide(NewLocker),
	fx.Provide(ProvideLoader),
)

const redisDialTimeout = 5 * time.Second

// NewRedisClient returns nil when the memory backend is configured.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) (*redis.Client, error) {
	if cfg.Snapshot.Backend != config.SnapshotBackendRedis {
		return nil, nil
	}
	if cfg.Redis.Addr == "" {
		return nil, errors.New("redis addr is required for the redis snapshot backend")
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: redisDialTimeout,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, redisDialTimeout)
			defer cancel()
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

type StoreParams struct {
	fx.In

	Config config.Config
	Client *redis.Client `optional:"true"`
	Clock  clock.Clock   `optional:"true"`
	Log    *zap.Logger
}

func NewStore(p StoreParams) Store {
	if p.Client == nil {
		p.Log.Named("snapshot").Info("using in-memory snapshot store")
		return NewMemoryStore(p.Config.Snapshot.TTL, p.Clock)
	}
	return NewRedisStore(p.Client, p.Config.Snapshot.TTL, p.Clock, p.Log)
}

type LockerParams struct {
	fx.In

	Client *redis.Client `optional:"true"`
	Clock  clock.Clock   `optional:"true"`
}

func NewLocker(p LockerParams) Locker {
	if p.Client == nil {
		return NewLocalLocker(p.Clock)
	}
	return NewRedisLocker(p.Client)
}

type LoaderParams struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Config  config.Config
	Store   Store
	Locker  Locker
	Repo    customerdomain.Repository
	Metrics *metrics.Metrics `optional:"true"`
	Flusher Flusher          `optional:"true"`
	Clock   clock.Clock      `optional:"true"`
}

func ProvideLoader(p LoaderParams) *Loader {
	return NewLoader(p.DB, p.Log, p.Store, p.Locker, p.Repo, LoaderOptions{
		LockTTL:         p.Config.Snapshot.LockTTL,
		PopulateTimeout: p.Config.Snapshot.PopulateTimeout,
		Metrics:         p.Metrics,
		Flusher:         p.Flusher,
		Clock:           p.Clock,
	})
}
