package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/contracts"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db), mock
}

func TestPostgresGetSession(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, layer_ids, wu_budget, archived, created_at, version FROM sessions`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "layer_ids", "wu_budget", "archived", "created_at", "version"}).
			AddRow("s1", []byte(`["l1","l2"]`), int64(40), false, now, int64(2)))

	sess, err := p.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"l1", "l2"}, sess.LayerIDs)
	assert.Equal(t, int64(40), sess.WUBudget)
	assert.Equal(t, int64(2), sess.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetSessionNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT id, layer_ids`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := p.GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutSessionInsert(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`INSERT INTO sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sess := &contracts.Session{ID: "s1", WUBudget: 40, CreatedAt: time.Now().UTC()}
	require.NoError(t, p.PutSession(context.Background(), sess))
	assert.Equal(t, int64(1), sess.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPutSessionStaleWrite(t *testing.T) {
	p, mock := newMockPostgres(t)

	// Guarded UPDATE matches no row: another writer got there first.
	mock.ExpectExec(`UPDATE sessions SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	sess := &contracts.Session{ID: "s1", WUBudget: 40, Version: 3}
	err := p.PutSession(context.Background(), sess)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindConcurrentModification))
	assert.Equal(t, int64(3), sess.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetLedger(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(`SELECT session_id, execution_total`).
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows([]string{
			"session_id", "execution_total", "verified_reality", "formula_execution",
			"wu_consumed", "wu_budget", "version",
		}).AddRow("s1", int64(10), int64(6), int64(4), int64(10), int64(40), int64(5)))

	led, err := p.GetLedger(context.Background(), "s1")
	require.NoError(t, err)
	assert.Zero(t, led.Delta())
	assert.Equal(t, int64(30), led.Remaining())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteLayerNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectExec(`DELETE FROM layers`).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.DeleteLayer(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
	require.NoError(t, mock.ExpectationsWereMet())
}
