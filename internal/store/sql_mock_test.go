package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.transitwatch.dev/core/internal/model"
)

// newMockSQLStore wires a sqlStore to a sqlmock connection with the DDL
// expectation already consumed, so each test only needs to set
// expectations for the operation under test.
func newMockSQLStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec(".*").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := newSQLStore(db, sqliteDialect{})
	require.NoError(t, err)
	return s, mock
}

// TestPurgeBeforeRollsBackOnExecError exercises the transaction-wrapping
// error path that the in-memory and real-sqlite suites in store_test.go
// can't reach deterministically: a mid-transaction driver failure.
func TestPurgeBeforeRollsBackOnExecError(t *testing.T) {
	s, mock := newMockSQLStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM positions").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := s.PurgeBefore(context.Background(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "purging")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestInsertFeedRunWrapsLastInsertIdError covers the sqlite
// LastInsertId() failure branch, which the real sqlite3 driver never
// actually exercises.
func TestInsertFeedRunWrapsLastInsertIdError(t *testing.T) {
	s, mock := newMockSQLStore(t)

	now := time.Now()
	mock.ExpectExec("INSERT INTO feed_runs").
		WillReturnResult(sqlmock.NewErrorResult(assert.AnError))

	_, err := s.InsertFeedRun(context.Background(), model.FeedRun{
		FeedID: "f1", StartedAt: now, FinishedAt: now.Add(time.Second), Status: model.FeedRunOK,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "last insert id")
	assert.NoError(t, mock.ExpectationsWereMet())
}
