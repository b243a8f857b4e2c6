package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlements/internal/balance/domain"
	"github.com/smallbiznis/entitlements/internal/balance/procedure"
	"github.com/smallbiznis/entitlements/internal/clock"
	customerdomain "github.com/smallbiznis/entitlements/internal/customer/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	keyPrefix     = "entitlements:snapshot:"
	maxTxAttempts = 20
	txBackoff     = 2 * time.Millisecond
)

// RedisStore keeps one JSON document per customer. Deduct and Restore run
// inside WATCH/MULTI so a concurrent writer on the same key forces a retry
// instead of an interleaved write.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	clock  clock.Clock
	log    *zap.Logger
}

func NewRedisStore(client *redis.Client, ttl time.Duration, clk clock.Clock, log *zap.Logger) *RedisStore {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		clock:  clk,
		log:    log.Named("snapshot.redis"),
	}
}

func redisKey(key customerdomain.Key) string {
	return keyPrefix + key.String()
}

func (s *RedisStore) Get(ctx context.Context, key customerdomain.Key) (*customerdomain.FullCustomer, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return decode(raw)
}

func (s *RedisStore) Set(ctx context.Context, doc *customerdomain.FullCustomer) error {
	if doc == nil {
		return ErrInvalidKey
	}
	key := doc.Key()
	if err := validKey(key); err != nil {
		return err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return s.client.Set(ctx, redisKey(key), raw, s.ttl).Err()
}

func (s *RedisStore) Invalidate(ctx context.Context, key customerdomain.Key) error {
	if err := validKey(key); err != nil {
		return err
	}
	return s.client.Del(ctx, redisKey(key)).Err()
}

// Deduct returns the response alongside the error when the write was sent
// but its outcome is unknown, so the caller can restore Previous.
func (s *RedisStore) Deduct(ctx context.Context, key customerdomain.Key, req domain.ProcedureRequest) (domain.ProcedureResponse, error) {
	if err := validKey(key); err != nil {
		return domain.ProcedureResponse{}, err
	}

	ctx, span := otel.Tracer("entitlements/snapshot").Start(ctx, "snapshot.deduct")
	defer span.End()
	span.SetAttributes(
		attribute.String("feature_id", req.FeatureID),
		attribute.Int("candidates", len(req.Candidates)),
	)

	var resp domain.ProcedureResponse
	uncertain, err := s.update(ctx, key, func(doc *customerdomain.FullCustomer) bool {
		resp = procedure.Run(doc, req, s.clock.Now())
		return doc != nil && resp.Error == "" && len(resp.Updates) > 0
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "snapshot deduct failed")
		if uncertain {
			return resp, err
		}
		return domain.ProcedureResponse{}, err
	}
	if resp.Error != "" {
		span.SetAttributes(attribute.String("error_tag", resp.Error))
	}
	return resp, nil
}

func (s *RedisStore) Restore(ctx context.Context, key customerdomain.Key, states map[string]customerdomain.BalanceState) (map[string]customerdomain.BalanceState, error) {
	if err := validKey(key); err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, nil
	}
	var stamped map[string]customerdomain.BalanceState
	_, err := s.update(ctx, key, func(doc *customerdomain.FullCustomer) bool {
		stamped = nil
		if doc == nil {
			return false
		}
		stamped = doc.Stamp(states)
		return len(stamped) > 0
	})
	if err != nil {
		return nil, err
	}
	return stamped, nil
}

func (s *RedisStore) SetIfVersion(ctx context.Context, doc *customerdomain.FullCustomer, version int64) error {
	if doc == nil {
		return ErrInvalidKey
	}
	key := doc.Key()
	if err := validKey(key); err != nil {
		return err
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	k := redisKey(key)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current := VersionAbsent
		raw, err := tx.Get(ctx, k).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			cached, err := decode(raw)
			if err != nil {
				return err
			}
			current = cached.Version
		}
		if current != version {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, encoded, s.ttl)
			return nil
		})
		return err
	}, k)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

// update runs fn against the current document under WATCH. fn receives nil
// when the key is missing and reports whether the document must be written.
// uncertain is set when the final error came back from EXEC itself, so the
// write may have been applied.
func (s *RedisStore) update(ctx context.Context, key customerdomain.Key, fn func(doc *customerdomain.FullCustomer) bool) (uncertain bool, err error) {
	k := redisKey(key)
	txf := func(tx *redis.Tx) error {
		uncertain = false
		raw, err := tx.Get(ctx, k).Bytes()
		var doc *customerdomain.FullCustomer
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			doc, err = decode(raw)
			if err != nil {
				return err
			}
		}

		if !fn(doc) {
			return nil
		}

		encoded, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, encoded, redis.KeepTTL)
			return nil
		})
		uncertain = err != nil && !errors.Is(err, redis.TxFailedErr)
		return err
	}

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, k)
		if !errors.Is(err, redis.TxFailedErr) {
			return uncertain, err
		}
		s.log.Debug("snapshot write conflict, retrying",
			zap.String("key", k),
			zap.Int("attempt", attempt),
		)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Duration(attempt) * txBackoff):
		}
	}
	return false, fmt.Errorf("%w: %s", ErrTxConflicts, k)
}

func decode(raw []byte) (*customerdomain.FullCustomer, error) {
	var doc customerdomain.FullCustomer
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &doc, nil
}
