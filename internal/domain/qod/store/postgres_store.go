// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

// DB is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it too.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store on PostgreSQL. expiration_index is a separate
// table written in the same transaction as the session row.
type PostgresStore struct {
	db    DB
	close func()
}

// NewPostgresStore wraps db. The caller owns its lifecycle.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, close: func() {}}
}

// OpenPostgresStore dials dsn, pings and migrates.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session store: migration failed: %w", err)
	}
	return s, nil
}

const postgresSchema = `
create table if not exists qod_sessions (
	session_id text primary key,
	subscription_id text unique,
	device_addr text not null,
	device_ports text not null default '[]',
	as_addr text not null,
	as_ports text not null default '[]',
	qos_profile text not null,
	sink_url text not null default '',
	sink_credential text not null default 'null',
	status text not null,
	started_at_ms bigint not null,
	duration_ms bigint not null,
	expires_at_ms bigint not null,
	expiration_lock_until_ms bigint not null default 0,
	bookkeeper_id text not null default '',
	created_at_ms bigint not null,
	updated_at_ms bigint not null
);
create index if not exists qod_sessions_device_idx on qod_sessions (device_addr);
create table if not exists qod_expiration_index (
	session_id text primary key references qod_sessions (session_id) on delete cascade,
	expires_at_ms bigint not null
);
create index if not exists qod_expiration_index_expires_idx on qod_expiration_index (expires_at_ms, session_id);
create table if not exists qod_leases (
	key text primary key,
	owner text not null,
	expires_at timestamptz not null
);`

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, postgresSchema)
	return err
}

func (s *PostgresStore) Close() error {
	s.close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

const pgSessionColumns = `session_id, subscription_id, device_addr, device_ports, as_addr, as_ports,
	qos_profile, sink_url, sink_credential, status, started_at_ms, duration_ms, expires_at_ms,
	expiration_lock_until_ms, bookkeeper_id, created_at_ms, updated_at_ms`

func (s *PostgresStore) Create(ctx context.Context, rec *model.Session) error {
	if err := checkCreate(rec); err != nil {
		return err
	}
	row, err := encodeRow(rec)
	if err != nil {
		return err
	}
	var subID *string
	if row.subscriptionID.Valid {
		subID = &row.subscriptionID.String
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `insert into qod_sessions (`+pgSessionColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		rec.ID, subID, row.deviceAddr, string(row.devicePorts), rec.ApplicationServer.Addr, string(row.asPorts),
		rec.QosProfile, rec.SinkURL, string(row.credential), string(rec.Status), msOf(rec.StartedAt), rec.Duration.Milliseconds(), msOf(rec.ExpiresAt),
		msOf(rec.ExpirationLockUntil), rec.BookkeeperID, msOf(rec.CreatedAt), msOf(rec.UpdatedAt),
	)
	if err != nil {
		return mapPgErr(err)
	}
	if indexed(rec) {
		if _, err := tx.Exec(ctx, "insert into qod_expiration_index (session_id, expires_at_ms) values ($1, $2)", rec.ID, msOf(rec.ExpiresAt)); err != nil {
			return mapPgErr(err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.Session, error) {
	return scanPgSession(s.db.QueryRow(ctx, "select "+pgSessionColumns+" from qod_sessions where session_id = $1", id))
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	// qod_expiration_index rows go with the session via on delete cascade.
	_, err := s.db.Exec(ctx, "delete from qod_sessions where session_id = $1", id)
	return err
}

func (s *PostgresStore) DeleteUnclaimed(ctx context.Context, id string, now time.Time) (*model.Session, error) {
	rec, err := scanPgSession(s.db.QueryRow(ctx,
		"delete from qod_sessions where session_id = $1 and expiration_lock_until_ms <= $2 returning "+pgSessionColumns,
		id, now.UnixMilli()))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) ExpiringBefore(ctx context.Context, bound time.Time, limit int) ([]ExpiryEntry, error) {
	query := "select session_id, expires_at_ms from qod_expiration_index where expires_at_ms <= $1 order by expires_at_ms, session_id"
	args := []any{bound.UnixMilli()}
	if limit > 0 {
		query += " limit $2"
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpiryEntry
	for rows.Next() {
		var e ExpiryEntry
		var ms int64
		if err := rows.Scan(&e.SessionID, &ms); err != nil {
			return nil, err
		}
		e.ExpiresAt = timeOf(ms)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimForExpiration(ctx context.Context, id, claimant string, now time.Time, d time.Duration) (bool, error) {
	tag, err := s.db.Exec(ctx, `update qod_sessions
		set expiration_lock_until_ms = $1, bookkeeper_id = $2, updated_at_ms = $3
		where session_id = $4 and status = $5 and expiration_lock_until_ms <= $3`,
		now.Add(d).UnixMilli(), claimant, now.UnixMilli(), id, string(model.StatusActive))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) MarkExpired(ctx context.Context, id, claimant string, now time.Time) (*model.Session, error) {
	return s.transition(ctx, id, func(tx pgx.Tx) (pgconn.CommandTag, error) {
		tag, err := tx.Exec(ctx, `update qod_sessions set status = $1, updated_at_ms = $2
			where session_id = $3 and status = $4 and bookkeeper_id = $5`,
			string(model.StatusExpired), now.UnixMilli(), id, string(model.StatusActive), claimant)
		if err != nil || tag.RowsAffected() == 0 {
			return tag, err
		}
		_, err = tx.Exec(ctx, "delete from qod_expiration_index where session_id = $1", id)
		return tag, err
	})
}

func (s *PostgresStore) Activate(ctx context.Context, id string, startedAt time.Time) (*model.Session, error) {
	return s.transition(ctx, id, func(tx pgx.Tx) (pgconn.CommandTag, error) {
		tag, err := tx.Exec(ctx, `update qod_sessions
			set status = $1, started_at_ms = $2, expires_at_ms = $2 + duration_ms, updated_at_ms = $2
			where session_id = $3 and status = $4`,
			string(model.StatusActive), startedAt.UnixMilli(), id, string(model.StatusRequested))
		if err != nil || tag.RowsAffected() == 0 {
			return tag, err
		}
		_, err = tx.Exec(ctx, `insert into qod_expiration_index (session_id, expires_at_ms)
			select session_id, expires_at_ms from qod_sessions where session_id = $1`, id)
		return tag, err
	})
}

func (s *PostgresStore) Extend(ctx context.Context, id string, d time.Duration, now time.Time) (*model.Session, error) {
	return s.transition(ctx, id, func(tx pgx.Tx) (pgconn.CommandTag, error) {
		tag, err := tx.Exec(ctx, `update qod_sessions
			set duration_ms = $1, expires_at_ms = started_at_ms + $1, updated_at_ms = $2
			where session_id = $3 and status = $4 and expiration_lock_until_ms <= $2`,
			d.Milliseconds(), now.UnixMilli(), id, string(model.StatusActive))
		if err != nil || tag.RowsAffected() == 0 {
			return tag, err
		}
		_, err = tx.Exec(ctx, `update qod_expiration_index i set expires_at_ms = s.expires_at_ms
			from qod_sessions s where s.session_id = i.session_id and i.session_id = $1`, id)
		return tag, err
	})
}

func (s *PostgresStore) transition(ctx context.Context, id string, fn func(pgx.Tx) (pgconn.CommandTag, error)) (*model.Session, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotAllowed
	}
	rec, err := scanPgSession(tx.QueryRow(ctx, "select "+pgSessionColumns+" from qod_sessions where session_id = $1", id))
	if err != nil {
		return nil, err
	}
	return rec, tx.Commit(ctx)
}

func (s *PostgresStore) FindByDevice(ctx context.Context, addr string) ([]*model.Session, error) {
	rows, err := s.db.Query(ctx, "select "+pgSessionColumns+" from qod_sessions where device_addr = $1 order by session_id", model.CanonicalAddr(addr))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.Session{}
	for rows.Next() {
		rec, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindBySubscription(ctx context.Context, subscriptionID string) (*model.Session, error) {
	return scanPgSession(s.db.QueryRow(ctx, "select "+pgSessionColumns+" from qod_sessions where subscription_id = $1", subscriptionID))
}

func (s *PostgresStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	var cur lease
	cur.key = key
	err := s.db.QueryRow(ctx, `insert into qod_leases (key, owner, expires_at) values ($1, $2, now() + $3::bigint * interval '1 millisecond')
		on conflict (key) do update set owner = excluded.owner, expires_at = excluded.expires_at
		where qod_leases.expires_at <= now() or qod_leases.owner = excluded.owner
		returning owner, expires_at`,
		key, owner, ttl.Milliseconds()).Scan(&cur.owner, &cur.expires)
	if err == nil {
		return &cur, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	// Conflict branch filtered out by WHERE: someone else holds it.
	err = s.db.QueryRow(ctx, "select owner, expires_at from qod_leases where key = $1", key).Scan(&cur.owner, &cur.expires)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}
	return &cur, false, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.db.Exec(ctx, "delete from qod_leases where key = $1 and owner = $2", key, owner)
	return err
}

func scanPgSession(row pgx.Row) (*model.Session, error) {
	var rec model.Session
	var subID *string
	var devicePorts, asPorts, credential, status string
	var startedAt, durationMS, expiresAt, lockUntil, createdAt, updatedAt int64

	err := row.Scan(
		&rec.ID, &subID, &rec.Device.Addr, &devicePorts, &rec.ApplicationServer.Addr, &asPorts,
		&rec.QosProfile, &rec.SinkURL, &credential, &status, &startedAt, &durationMS, &expiresAt,
		&lockUntil, &rec.BookkeeperID, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if subID != nil {
		rec.SubscriptionID = *subID
	}
	rec.Status = model.Status(status)
	rec.StartedAt = timeOf(startedAt)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.ExpiresAt = timeOf(expiresAt)
	rec.ExpirationLockUntil = timeOf(lockUntil)
	rec.CreatedAt = timeOf(createdAt)
	rec.UpdatedAt = timeOf(updatedAt)
	if err := decodeJSONColumns(&rec, []byte(devicePorts), []byte(asPorts), []byte(credential)); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func mapPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

var _ Store = (*PostgresStore)(nil)
