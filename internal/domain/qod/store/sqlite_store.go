// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
	sqlitepersist "github.com/ManuGH/qodbroker/internal/persistence/sqlite"
)

const sqliteSchemaVersion = 1

// SqliteStore implements Store on an embedded SQLite database. The expiration
// index is its own table keyed by session_id with a (expires_at_ms, session_id)
// B-tree index, so range queries never scan the sessions table.
type SqliteStore struct {
	DB   *sql.DB
	path string
}

// NewSqliteStore opens (and migrates) the session database at dbPath.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlitepersist.Open(dbPath, sqlitepersist.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &SqliteStore{DB: db, path: dbPath}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error { return s.DB.Close() }

func (s *SqliteStore) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// Path returns the database file path, used by integrity checks.
func (s *SqliteStore) Path() string { return s.path }

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= sqliteSchemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		subscription_id TEXT UNIQUE,
		device_addr TEXT NOT NULL,
		device_ports_json TEXT,
		as_addr TEXT NOT NULL,
		as_ports_json TEXT,
		qos_profile TEXT NOT NULL,
		sink_url TEXT,
		sink_credential_json TEXT,
		status TEXT NOT NULL,
		started_at_ms INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		expiration_lock_until_ms INTEGER NOT NULL DEFAULT 0,
		bookkeeper_id TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_device ON sessions(device_addr);

	CREATE TABLE IF NOT EXISTS expiration_index (
		session_id TEXT PRIMARY KEY REFERENCES sessions(session_id) ON DELETE CASCADE,
		expires_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_expiration_index_expires ON expiration_index(expires_at_ms, session_id);

	CREATE TABLE IF NOT EXISTS leases (
		key TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

const sqliteSessionColumns = `session_id, subscription_id, device_addr, device_ports_json, as_addr, as_ports_json,
	qos_profile, sink_url, sink_credential_json, status, started_at_ms, duration_ms, expires_at_ms,
	expiration_lock_until_ms, bookkeeper_id, created_at_ms, updated_at_ms`

func (s *SqliteStore) Create(ctx context.Context, rec *model.Session) error {
	if err := checkCreate(rec); err != nil {
		return err
	}
	row, err := encodeRow(rec)
	if err != nil {
		return err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		"SELECT 1 FROM sessions WHERE session_id = ? OR (subscription_id IS NOT NULL AND subscription_id = ?) LIMIT 1",
		rec.ID, row.subscriptionID).Scan(&exists)
	if err == nil {
		return ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO sessions (`+sqliteSessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, row.subscriptionID, row.deviceAddr, row.devicePorts, rec.ApplicationServer.Addr, row.asPorts,
		rec.QosProfile, rec.SinkURL, row.credential, string(rec.Status), msOf(rec.StartedAt), rec.Duration.Milliseconds(), msOf(rec.ExpiresAt),
		msOf(rec.ExpirationLockUntil), rec.BookkeeperID, msOf(rec.CreatedAt), msOf(rec.UpdatedAt),
	)
	if err != nil {
		return mapSqliteErr(err)
	}
	if indexed(rec) {
		if _, err := tx.ExecContext(ctx, "INSERT INTO expiration_index (session_id, expires_at_ms) VALUES (?, ?)", rec.ID, msOf(rec.ExpiresAt)); err != nil {
			return mapSqliteErr(err)
		}
	}
	return tx.Commit()
}

func (s *SqliteStore) Get(ctx context.Context, id string) (*model.Session, error) {
	return scanSession(s.DB.QueryRowContext(ctx, "SELECT "+sqliteSessionColumns+" FROM sessions WHERE session_id = ?", id))
}

func (s *SqliteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "DELETE FROM expiration_index WHERE session_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SqliteStore) DeleteUnclaimed(ctx context.Context, id string, now time.Time) (*model.Session, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanSession(tx.QueryRowContext(ctx,
		"DELETE FROM sessions WHERE session_id = ? AND expiration_lock_until_ms <= ? RETURNING "+sqliteSessionColumns,
		id, now.UnixMilli()))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM expiration_index WHERE session_id = ?", id); err != nil {
		return nil, err
	}
	return rec, tx.Commit()
}

func (s *SqliteStore) ExpiringBefore(ctx context.Context, bound time.Time, limit int) ([]ExpiryEntry, error) {
	query := "SELECT session_id, expires_at_ms FROM expiration_index WHERE expires_at_ms <= ? ORDER BY expires_at_ms, session_id"
	args := []any{bound.UnixMilli()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

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

func (s *SqliteStore) ClaimForExpiration(ctx context.Context, id, claimant string, now time.Time, d time.Duration) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `UPDATE sessions
		SET expiration_lock_until_ms = ?, bookkeeper_id = ?, updated_at_ms = ?
		WHERE session_id = ? AND status = ? AND expiration_lock_until_ms <= ?`,
		now.Add(d).UnixMilli(), claimant, now.UnixMilli(), id, string(model.StatusActive), now.UnixMilli())
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SqliteStore) MarkExpired(ctx context.Context, id, claimant string, now time.Time) (*model.Session, error) {
	return s.transition(ctx, id, func(tx *sql.Tx) (sql.Result, error) {
		res, err := tx.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at_ms = ?
			WHERE session_id = ? AND status = ? AND bookkeeper_id = ?`,
			string(model.StatusExpired), now.UnixMilli(), id, string(model.StatusActive), claimant)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return res, nil
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM expiration_index WHERE session_id = ?", id); err != nil {
			return nil, err
		}
		return res, nil
	})
}

func (s *SqliteStore) Activate(ctx context.Context, id string, startedAt time.Time) (*model.Session, error) {
	return s.transition(ctx, id, func(tx *sql.Tx) (sql.Result, error) {
		res, err := tx.ExecContext(ctx, `UPDATE sessions
			SET status = ?, started_at_ms = ?, expires_at_ms = ? + duration_ms, updated_at_ms = ?
			WHERE session_id = ? AND status = ?`,
			string(model.StatusActive), startedAt.UnixMilli(), startedAt.UnixMilli(), startedAt.UnixMilli(), id, string(model.StatusRequested))
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return res, nil
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO expiration_index (session_id, expires_at_ms)
			SELECT session_id, expires_at_ms FROM sessions WHERE session_id = ? AND status = ?`,
			id, string(model.StatusActive)); err != nil {
			return nil, err
		}
		return res, nil
	})
}

func (s *SqliteStore) Extend(ctx context.Context, id string, d time.Duration, now time.Time) (*model.Session, error) {
	return s.transition(ctx, id, func(tx *sql.Tx) (sql.Result, error) {
		res, err := tx.ExecContext(ctx, `UPDATE sessions
			SET duration_ms = ?, expires_at_ms = started_at_ms + ?, updated_at_ms = ?
			WHERE session_id = ? AND status = ? AND expiration_lock_until_ms <= ?`,
			d.Milliseconds(), d.Milliseconds(), now.UnixMilli(), id, string(model.StatusActive), now.UnixMilli())
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return res, nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE expiration_index
			SET expires_at_ms = (SELECT expires_at_ms FROM sessions WHERE session_id = ?)
			WHERE session_id = ?`, id, id); err != nil {
			return nil, err
		}
		return res, nil
	})
}

// transition runs a single-row conditional update plus its index maintenance
// in one transaction. Zero affected rows rolls back and yields ErrNotFound or
// ErrNotAllowed.
func (s *SqliteStore) transition(ctx context.Context, id string, fn func(*sql.Tx) (sql.Result, error)) (*model.Session, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := fn(tx)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_ = tx.Rollback()
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotAllowed
	}
	rec, err := scanSession(tx.QueryRowContext(ctx, "SELECT "+sqliteSessionColumns+" FROM sessions WHERE session_id = ?", id))
	if err != nil {
		return nil, err
	}
	return rec, tx.Commit()
}

func (s *SqliteStore) FindByDevice(ctx context.Context, addr string) ([]*model.Session, error) {
	rows, err := s.DB.QueryContext(ctx, "SELECT "+sqliteSessionColumns+" FROM sessions WHERE device_addr = ? ORDER BY session_id", model.CanonicalAddr(addr))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*model.Session{}
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SqliteStore) FindBySubscription(ctx context.Context, subscriptionID string) (*model.Session, error) {
	return scanSession(s.DB.QueryRowContext(ctx, "SELECT "+sqliteSessionColumns+" FROM sessions WHERE subscription_id = ?", subscriptionID))
}

func (s *SqliteStore) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (Lease, bool, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	// Single statement: insert, or take over when expired or already ours.
	res, err := s.DB.ExecContext(ctx, `INSERT INTO leases (key, owner, expires_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at_ms = excluded.expires_at_ms
		WHERE leases.expires_at_ms <= ? OR leases.owner = excluded.owner`,
		key, owner, expiresAt.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, false, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return &lease{key: key, owner: owner, expires: timeOf(expiresAt.UnixMilli())}, true, nil
	}
	var cur lease
	var ms int64
	err = s.DB.QueryRowContext(ctx, "SELECT owner, expires_at_ms FROM leases WHERE key = ?", key).Scan(&cur.owner, &ms)
	if err != nil {
		return nil, false, err
	}
	cur.key, cur.expires = key, timeOf(ms)
	return &cur, false, nil
}

func (s *SqliteStore) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM leases WHERE key = ? AND owner = ?", key, owner)
	return err
}

// --- Helpers ---

type encodedRow struct {
	subscriptionID sql.NullString
	deviceAddr     string
	devicePorts    []byte
	asPorts        []byte
	credential     []byte
}

func encodeRow(rec *model.Session) (encodedRow, error) {
	var row encodedRow
	var err error
	if rec.SubscriptionID != "" {
		row.subscriptionID = sql.NullString{String: rec.SubscriptionID, Valid: true}
	}
	row.deviceAddr = model.CanonicalAddr(rec.Device.Addr)
	if row.devicePorts, err = json.Marshal(rec.Device.Ports); err != nil {
		return row, err
	}
	if row.asPorts, err = json.Marshal(rec.ApplicationServer.Ports); err != nil {
		return row, err
	}
	if row.credential, err = json.Marshal(model.EncodeCredential(rec.SinkCredential)); err != nil {
		return row, err
	}
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(scanner rowScanner) (*model.Session, error) {
	var rec model.Session
	var subID, sinkURL sql.NullString
	var devicePorts, asPorts, credential []byte
	var status string
	var startedAt, durationMS, expiresAt, lockUntil, createdAt, updatedAt int64

	err := scanner.Scan(
		&rec.ID, &subID, &rec.Device.Addr, &devicePorts, &rec.ApplicationServer.Addr, &asPorts,
		&rec.QosProfile, &sinkURL, &credential, &status, &startedAt, &durationMS, &expiresAt,
		&lockUntil, &rec.BookkeeperID, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.SubscriptionID = subID.String
	rec.SinkURL = sinkURL.String
	rec.Status = model.Status(status)
	rec.StartedAt = timeOf(startedAt)
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	rec.ExpiresAt = timeOf(expiresAt)
	rec.ExpirationLockUntil = timeOf(lockUntil)
	rec.CreatedAt = timeOf(createdAt)
	rec.UpdatedAt = timeOf(updatedAt)
	if err := decodeJSONColumns(&rec, devicePorts, asPorts, credential); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func decodeJSONColumns(rec *model.Session, devicePorts, asPorts, credential []byte) error {
	if len(devicePorts) > 0 {
		if err := json.Unmarshal(devicePorts, &rec.Device.Ports); err != nil {
			return err
		}
	}
	if len(asPorts) > 0 {
		if err := json.Unmarshal(asPorts, &rec.ApplicationServer.Ports); err != nil {
			return err
		}
	}
	if len(credential) > 0 {
		var doc *model.CredentialDoc
		if err := json.Unmarshal(credential, &doc); err != nil {
			return err
		}
		rec.SinkCredential = model.DecodeCredential(doc)
	}
	return nil
}

func mapSqliteErr(err error) error {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return ErrConflict
		}
	}
	return err
}

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

var _ Store = (*SqliteStore)(nil)
