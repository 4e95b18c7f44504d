// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // host:port
	Password string
	DB       int
	Prefix   string // key namespace, e.g. "qod:"
}

// RedisStore keeps each session as a JSON string and the expiration index as
// a sorted set scored by expiresAt (unix ms). Mutations use WATCH/MULTI so the
// record and its index entry change together or not at all.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// maxTxRetries bounds optimistic retries for writers other than the claim.
const maxTxRetries = 8

// NewRedisStore connects and pings the server.
func NewRedisStore(cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis session store")

	return NewRedisStoreFromClient(client, cfg.Prefix, logger), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, logger: logger}
}

func (r *RedisStore) Close() error                   { return r.client.Close() }
func (r *RedisStore) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisStore) sessionKey(id string) string  { return r.prefix + "session:" + id }
func (r *RedisStore) subKey(sub string) string     { return r.prefix + "sub:" + sub }
func (r *RedisStore) deviceKey(addr string) string { return r.prefix + "device:" + addr }
func (r *RedisStore) leaseKey(key string) string   { return r.prefix + "lease:" + key }
func (r *RedisStore) expiryKey() string            { return r.prefix + "expiry" }

func (r *RedisStore) load(ctx context.Context, c redis.Cmdable, id string) (*model.Session, error) {
	raw, err := c.Get(ctx, r.sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return unmarshalSession(raw)
}

func (r *RedisStore) Create(ctx context.Context, s *model.Session) error {
	if err := checkCreate(s); err != nil {
		return err
	}
	raw, err := marshalSession(s)
	if err != nil {
		return err
	}
	keys := []string{r.sessionKey(s.ID)}
	if s.SubscriptionID != "" {
		keys = append(keys, r.subKey(s.SubscriptionID))
	}

	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, keys...).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.sessionKey(s.ID), raw, 0)
			if s.SubscriptionID != "" {
				pipe.Set(ctx, r.subKey(s.SubscriptionID), s.ID, 0)
			}
			pipe.SAdd(ctx, r.deviceKey(model.CanonicalAddr(s.Device.Addr)), s.ID)
			if indexed(s) {
				pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(s.ExpiresAt.UnixMilli()), Member: s.ID})
			}
			return nil
		})
		return err
	}
	return r.withRetry(ctx, txf, keys...)
}

func (r *RedisStore) Get(ctx context.Context, id string) (*model.Session, error) {
	return r.load(ctx, r.client, id)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	_, err := r.deleteWhere(ctx, id, func(*model.Session) bool { return true })
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (r *RedisStore) DeleteUnclaimed(ctx context.Context, id string, now time.Time) (*model.Session, error) {
	rec, err := r.deleteWhere(ctx, id, func(s *model.Session) bool { return !s.Claimed(now) })
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

// deleteWhere removes the session when pred holds and returns the removed
// record, or nil when pred rejected it.
func (r *RedisStore) deleteWhere(ctx context.Context, id string, pred func(*model.Session) bool) (*model.Session, error) {
	var deleted *model.Session
	txf := func(tx *redis.Tx) error {
		deleted = nil
		rec, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !pred(rec) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.sessionKey(id))
			pipe.ZRem(ctx, r.expiryKey(), id)
			if rec.SubscriptionID != "" {
				pipe.Del(ctx, r.subKey(rec.SubscriptionID))
			}
			pipe.SRem(ctx, r.deviceKey(model.CanonicalAddr(rec.Device.Addr)), id)
			return nil
		})
		if err == nil {
			deleted = rec
		}
		return err
	}
	err := r.withRetry(ctx, txf, r.sessionKey(id))
	return deleted, err
}

func (r *RedisStore) ExpiringBefore(ctx context.Context, bound time.Time, limit int) ([]ExpiryEntry, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(bound.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	zs, err := r.client.ZRangeByScoreWithScores(ctx, r.expiryKey(), opt).Result()
	if err != nil {
		return nil, err
	}
	out := make([]ExpiryEntry, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, ExpiryEntry{SessionID: id, ExpiresAt: timeOf(int64(z.Score))})
	}
	return out, nil
}

var errNoChange = errors.New("no change")

func (r *RedisStore) ClaimForExpiration(ctx context.Context, id, claimant string, now time.Time, d time.Duration) (bool, error) {
	_, err := r.mutate(ctx, id, func(s *model.Session) error {
		if !applyClaim(s, claimant, now, d) {
			return errNoChange
		}
		return nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errNoChange), errors.Is(err, redis.TxFailedErr):
		// A concurrent writer touched the record first; the claim is lost, not retried.
		return false, nil
	default:
		return false, err
	}
}

func (r *RedisStore) MarkExpired(ctx context.Context, id, claimant string, now time.Time) (*model.Session, error) {
	return r.mutateRetry(ctx, id, func(s *model.Session) error { return applyExpire(s, claimant, now) })
}

func (r *RedisStore) Activate(ctx context.Context, id string, startedAt time.Time) (*model.Session, error) {
	return r.mutateRetry(ctx, id, func(s *model.Session) error { return applyActivate(s, startedAt) })
}

func (r *RedisStore) Extend(ctx context.Context, id string, d time.Duration, now time.Time) (*model.Session, error) {
	return r.mutateRetry(ctx, id, func(s *model.Session) error { return applyExtend(s, d, now) })
}

func (r *RedisStore) mutateRetry(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	for i := 0; i < maxTxRetries; i++ {
		rec, err := r.mutate(ctx, id, fn)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return rec, err
	}
	return nil, fmt.Errorf("session store: %s: too much contention: %w", id, ErrConflict)
}

// mutate runs one optimistic read-modify-write of a session, keeping the
// sorted-set entry in step with the record's status and expiresAt.
func (r *RedisStore) mutate(ctx context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	var out *model.Session
	txf := func(tx *redis.Tx) error {
		rec, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		wasIndexed := indexed(rec)
		if err := fn(rec); err != nil {
			return err
		}
		raw, err := marshalSession(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.sessionKey(id), raw, 0)
			switch {
			case indexed(rec):
				pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: float64(rec.ExpiresAt.UnixMilli()), Member: id})
			case wasIndexed:
				pipe.ZRem(ctx, r.expiryKey(), id)
			}
			return nil
		})
		if err == nil {
			out = rec
		}
		return err
	}
	if err := r.client.Watch(ctx, txf, r.sessionKey(id)); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *RedisStore) withRetry(ctx context.Context, txf func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session store: too much contention: %w", ErrConflict)
}

func (r *RedisStore) FindByDevice(ctx context.Context, addr string) ([]*model.Session, error) {
	ids, err := r.client.SMembers(ctx, r.deviceKey(model.CanonicalAddr(addr))).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		rec, err := r.load(ctx, r.client, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) FindBySubscription(ctx context.Context, subscriptionID string) (*model.Session, error) {
	id, err := r.client.Get(ctx, r.subKey(subscriptionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.load(ctx, r.client, id)
}

func (r *RedisStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	k := r.leaseKey(key)
	ok, err := r.client.SetNX(ctx, k, owner, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		return &lease{key: key, owner: owner, expires: time.Now().Add(ttl)}, true, nil
	}

	cur, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; next sweep will take it.
		return &lease{key: key}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if cur == owner {
		if err := r.client.PExpire(ctx, k, ttl).Err(); err != nil {
			return nil, false, err
		}
		return &lease{key: key, owner: owner, expires: time.Now().Add(ttl)}, true, nil
	}
	pttl, err := r.client.PTTL(ctx, k).Result()
	if err != nil {
		return nil, false, err
	}
	return &lease{key: key, owner: cur, expires: time.Now().Add(pttl)}, false, nil
}

// ReleaseLease deletes the lease only if owner still holds it.
func (r *RedisStore) ReleaseLease(ctx context.Context, key, owner string) error {
	k := r.leaseKey(key)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur != owner {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			return nil
		})
		return err
	}
	err := r.client.Watch(ctx, txf, k)
	if errors.Is(err, redis.TxFailedErr) {
		r.logger.Debug().Str("key", key).Msg("lease changed during release, leaving it to expire")
		return nil
	}
	return err
}

var _ Store = (*RedisStore)(nil)
