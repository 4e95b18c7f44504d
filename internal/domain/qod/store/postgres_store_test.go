// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/qodbroker/internal/domain/qod/model"
)

func newPgMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func pgSessionRow(id string, status model.Status, bookkeeper string) *pgxmock.Rows {
	sub := "sub-" + id
	return pgxmock.NewRows([]string{
		"session_id", "subscription_id", "device_addr", "device_ports", "as_addr", "as_ports",
		"qos_profile", "sink_url", "sink_credential", "status", "started_at_ms", "duration_ms", "expires_at_ms",
		"expiration_lock_until_ms", "bookkeeper_id", "created_at_ms", "updated_at_ms",
	}).AddRow(
		id, &sub, "10.0.0.1", `[{"from":5000,"to":5010}]`, "192.0.2.10", `[]`,
		"QOS_L", "https://sink.example/notify", `{"credentialType":"PLAIN","identifier":"u","secret":"p"}`,
		string(status), int64(1000000), int64(120000), int64(1120000),
		int64(1190000), bookkeeper, int64(1000000), int64(1130000),
	)
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func TestPostgresStore_ClaimWins(t *testing.T) {
	mock := newPgMock(t)
	now := time.Unix(1130, 0)

	mock.ExpectExec(regexp.QuoteMeta("update qod_sessions")).
		WithArgs(now.Add(time.Minute).UnixMilli(), "node-1", now.UnixMilli(), "a", "ACTIVE").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := NewPostgresStore(mock)
	ok, err := s.ClaimForExpiration(context.Background(), "a", "node-1", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimLostToOtherNode(t *testing.T) {
	mock := newPgMock(t)
	now := time.Unix(1130, 0)

	mock.ExpectExec(regexp.QuoteMeta("update qod_sessions")).
		WithArgs(pgxmock.AnyArg(), "node-2", now.UnixMilli(), "a", "ACTIVE").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(regexp.QuoteMeta("select session_id, subscription_id")).
		WithArgs("a").
		WillReturnRows(pgSessionRow("a", model.StatusActive, "node-1"))

	s := NewPostgresStore(mock)
	ok, err := s.ClaimForExpiration(context.Background(), "a", "node-2", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkExpiredDropsIndexRow(t *testing.T) {
	mock := newPgMock(t)
	now := time.Unix(1130, 0)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update qod_sessions set status")).
		WithArgs("EXPIRED", now.UnixMilli(), "a", "ACTIVE", "node-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("delete from qod_expiration_index")).
		WithArgs("a").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(regexp.QuoteMeta("select session_id, subscription_id")).
		WithArgs("a").
		WillReturnRows(pgSessionRow("a", model.StatusExpired, "node-1"))
	mock.ExpectCommit()

	s := NewPostgresStore(mock)
	got, err := s.MarkExpired(context.Background(), "a", "node-1", now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Equal(t, int64(1120), got.ExpiresAt.Unix())
	assert.Equal(t, &model.PlainCredential{Identifier: "u", Secret: "p"}, got.SinkCredential)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkExpiredWrongClaimant(t *testing.T) {
	mock := newPgMock(t)
	now := time.Unix(1130, 0)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update qod_sessions set status")).
		WithArgs("EXPIRED", now.UnixMilli(), "a", "ACTIVE", "node-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("select session_id, subscription_id")).
		WithArgs("a").
		WillReturnRows(pgSessionRow("a", model.StatusActive, "node-1"))

	s := NewPostgresStore(mock)
	_, err := s.MarkExpired(context.Background(), "a", "node-2", now)
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestPostgresStore_CreateDuplicateMapsToConflict(t *testing.T) {
	mock := newPgMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into qod_sessions")).
		WithArgs(anyArgs(17)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	s := NewPostgresStore(mock)
	err := s.Create(context.Background(), activeSession("a", t0, time.Minute))
	assert.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteUnclaimed(t *testing.T) {
	mock := newPgMock(t)
	now := time.Unix(1130, 0)

	mock.ExpectQuery(regexp.QuoteMeta("delete from qod_sessions where session_id = $1 and expiration_lock_until_ms <= $2 returning")).
		WithArgs("a", now.UnixMilli()).
		WillReturnRows(pgSessionRow("a", model.StatusRequested, ""))
	mock.ExpectQuery(regexp.QuoteMeta("delete from qod_sessions where session_id = $1 and expiration_lock_until_ms <= $2 returning")).
		WithArgs("b", now.UnixMilli()).
		WillReturnRows(pgxmock.NewRows([]string{"session_id"}))

	s := NewPostgresStore(mock)
	deleted, err := s.DeleteUnclaimed(context.Background(), "a", now)
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Equal(t, model.StatusRequested, deleted.Status)

	deleted, err = s.DeleteUnclaimed(context.Background(), "b", now)
	require.NoError(t, err)
	assert.Nil(t, deleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExpiringBefore(t *testing.T) {
	mock := newPgMock(t)
	bound := time.Unix(1190, 0)

	mock.ExpectQuery(regexp.QuoteMeta("select session_id, expires_at_ms from qod_expiration_index")).
		WithArgs(bound.UnixMilli(), 10).
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "expires_at_ms"}).
			AddRow("a", int64(1120000)).
			AddRow("b", int64(1150000)))

	s := NewPostgresStore(mock)
	entries, err := s.ExpiringBefore(context.Background(), bound, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].SessionID)
	assert.Equal(t, int64(1150), entries[1].ExpiresAt.Unix())
}
