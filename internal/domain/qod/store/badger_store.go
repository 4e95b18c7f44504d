// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

// BadgerStore is an embedded Store on Badger's ordered keyspace:
//   - sessions:   "s/<id>" (JSON)
//   - subscriptions: "sub/<subscriptionId>" -> id
//   - devices:    "dev/<addr>/<id>" (empty value)
//   - expiration: "exp/<20-digit unix ms>/<id>" (empty value), lexically ordered by time
//   - leases:     "lease/<key>" -> owner, with TTL
//
// Every mutation is a single optimistic transaction; ErrConflict from badger
// means another writer committed first.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens a store at path, or an in-memory one when path is empty.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (b *BadgerStore) Close() error { return b.db.Close() }

func (b *BadgerStore) Ping(ctx context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func badgerSessionKey(id string) []byte { return []byte("s/" + id) }
func badgerSubKey(sub string) []byte    { return []byte("sub/" + sub) }
func badgerLeaseKey(k string) []byte    { return []byte("lease/" + k) }

func badgerDevicePrefix(addr string) []byte {
	return []byte("dev/" + model.CanonicalAddr(addr) + "/")
}

func badgerExpiryKey(id string, at time.Time) []byte {
	return []byte(fmt.Sprintf("exp/%020d/%s", at.UnixMilli(), id))
}

var badgerExpiryPrefix = []byte("exp/")

func (b *BadgerStore) load(txn *badger.Txn, id string) (*model.Session, error) {
	item, err := txn.Get(badgerSessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var out *model.Session
	err = item.Value(func(val []byte) error {
		var derr error
		out, derr = unmarshalSession(val)
		return derr
	})
	return out, err
}

func (b *BadgerStore) put(txn *badger.Txn, s *model.Session) error {
	buf, err := marshalSession(s)
	if err != nil {
		return err
	}
	return txn.Set(badgerSessionKey(s.ID), buf)
}

func (b *BadgerStore) Create(ctx context.Context, s *model.Session) error {
	if err := checkCreate(s); err != nil {
		return err
	}
	return b.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(badgerSessionKey(s.ID)); err == nil {
			return ErrConflict
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if s.SubscriptionID != "" {
			if _, err := txn.Get(badgerSubKey(s.SubscriptionID)); err == nil {
				return ErrConflict
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Set(badgerSubKey(s.SubscriptionID), []byte(s.ID)); err != nil {
				return err
			}
		}
		if err := txn.Set(append(badgerDevicePrefix(s.Device.Addr), s.ID...), nil); err != nil {
			return err
		}
		if indexed(s) {
			if err := txn.Set(badgerExpiryKey(s.ID, s.ExpiresAt), nil); err != nil {
				return err
			}
		}
		return b.put(txn, s)
	})
}

func (b *BadgerStore) Get(ctx context.Context, id string) (*model.Session, error) {
	var out *model.Session
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		out, err = b.load(txn, id)
		return err
	})
	return out, err
}

func (b *BadgerStore) Delete(ctx context.Context, id string) error {
	_, err := b.deleteWhere(id, func(*model.Session) bool { return true })
	return err
}

func (b *BadgerStore) DeleteUnclaimed(ctx context.Context, id string, now time.Time) (*model.Session, error) {
	return b.deleteWhere(id, func(s *model.Session) bool { return !s.Claimed(now) })
}

func (b *BadgerStore) deleteWhere(id string, pred func(*model.Session) bool) (*model.Session, error) {
	var deleted *model.Session
	err := b.update(func(txn *badger.Txn) error {
		deleted = nil
		rec, err := b.load(txn, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !pred(rec) {
			return nil
		}
		keys := [][]byte{
			badgerSessionKey(id),
			append(badgerDevicePrefix(rec.Device.Addr), id...),
		}
		if indexed(rec) {
			keys = append(keys, badgerExpiryKey(id, rec.ExpiresAt))
		}
		if rec.SubscriptionID != "" {
			keys = append(keys, badgerSubKey(rec.SubscriptionID))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		deleted = rec
		return nil
	})
	return deleted, err
}

func (b *BadgerStore) ExpiringBefore(ctx context.Context, bound time.Time, limit int) ([]ExpiryEntry, error) {
	upper := []byte(fmt.Sprintf("exp/%020d/", bound.UnixMilli()))
	var out []ExpiryEntry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = badgerExpiryPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(badgerExpiryPrefix); it.ValidForPrefix(badgerExpiryPrefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			// Compare the timestamp segment only; ids follow it.
			if bytes.Compare(key[:len(upper)-1], upper[:len(upper)-1]) > 0 {
				break
			}
			entry, err := parseExpiryKey(key)
			if err != nil {
				return err
			}
			out = append(out, entry)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func parseExpiryKey(key []byte) (ExpiryEntry, error) {
	rest := key[len(badgerExpiryPrefix):]
	if len(rest) < 22 || rest[20] != '/' {
		return ExpiryEntry{}, fmt.Errorf("badger: malformed expiry key %q", key)
	}
	ms, err := strconv.ParseInt(string(rest[:20]), 10, 64)
	if err != nil {
		return ExpiryEntry{}, fmt.Errorf("badger: malformed expiry key %q: %w", key, err)
	}
	return ExpiryEntry{SessionID: string(rest[21:]), ExpiresAt: timeOf(ms)}, nil
}

func (b *BadgerStore) ClaimForExpiration(ctx context.Context, id, claimant string, now time.Time, d time.Duration) (bool, error) {
	claimed := false
	err := b.db.Update(func(txn *badger.Txn) error {
		rec, err := b.load(txn, id)
		if err != nil {
			return err
		}
		if !applyClaim(rec, claimant, now, d) {
			return nil
		}
		claimed = true
		return b.put(txn, rec)
	})
	if errors.Is(err, badger.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (b *BadgerStore) MarkExpired(ctx context.Context, id, claimant string, now time.Time) (*model.Session, error) {
	return b.mutate(id, func(s *model.Session) error { return applyExpire(s, claimant, now) })
}

func (b *BadgerStore) Activate(ctx context.Context, id string, startedAt time.Time) (*model.Session, error) {
	return b.mutate(id, func(s *model.Session) error { return applyActivate(s, startedAt) })
}

func (b *BadgerStore) Extend(ctx context.Context, id string, d time.Duration, now time.Time) (*model.Session, error) {
	return b.mutate(id, func(s *model.Session) error { return applyExtend(s, d, now) })
}

// mutate applies fn and moves the expiry key to match the result.
func (b *BadgerStore) mutate(id string, fn func(*model.Session) error) (*model.Session, error) {
	var out *model.Session
	err := b.update(func(txn *badger.Txn) error {
		rec, err := b.load(txn, id)
		if err != nil {
			return err
		}
		oldIndexed, oldExpiry := indexed(rec), rec.ExpiresAt
		if err := fn(rec); err != nil {
			return err
		}
		if oldIndexed {
			if err := txn.Delete(badgerExpiryKey(id, oldExpiry)); err != nil {
				return err
			}
		}
		if indexed(rec) {
			if err := txn.Set(badgerExpiryKey(id, rec.ExpiresAt), nil); err != nil {
				return err
			}
		}
		out = rec
		return b.put(txn, rec)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// update retries fn on optimistic conflicts.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := b.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("session store: too much contention: %w", ErrConflict)
}

func (b *BadgerStore) FindByDevice(ctx context.Context, addr string) ([]*model.Session, error) {
	prefix := badgerDevicePrefix(addr)
	out := []*model.Session{}
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			rec, err := b.load(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (b *BadgerStore) FindBySubscription(ctx context.Context, subscriptionID string) (*model.Session, error) {
	var out *model.Session
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerSubKey(subscriptionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out, err = b.load(txn, string(id))
		return err
	})
	return out, err
}

func (b *BadgerStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	var (
		got      = &lease{key: key}
		acquired bool
	)
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerLeaseKey(key))
		switch {
		case err == nil:
			cur, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(cur) != owner {
				got.owner = string(cur)
				got.expires = time.Unix(int64(item.ExpiresAt()), 0)
				return nil
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		exp := time.Now().Add(ttl)
		if err := txn.SetEntry(badger.NewEntry(badgerLeaseKey(key), []byte(owner)).WithTTL(ttl)); err != nil {
			return err
		}
		got.owner, got.expires, acquired = owner, exp, true
		return nil
	})
	if errors.Is(err, badger.ErrConflict) {
		return got, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return got, acquired, nil
}

func (b *BadgerStore) ReleaseLease(ctx context.Context, key, owner string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerLeaseKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		cur, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(cur) != owner {
			return nil
		}
		return txn.Delete(badgerLeaseKey(key))
	})
	if errors.Is(err, badger.ErrConflict) {
		return nil
	}
	return err
}

var _ Store = (*BadgerStore)(nil)
