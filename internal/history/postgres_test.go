package history

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresBootstrapCreatesSchemaAndLoadsCount(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS rebalance_history").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	s := NewPostgres(mock)
	require.NoError(t, s.Bootstrap(context.Background()))
	assert.Equal(t, 7, s.Len())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendInsertsAndCounts(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgres(mock)

	rec := testRecord(OutcomeExecuted)
	rec.OperationID = uuid.New()
	rec.ErrorKind = "chain"
	rec.ErrorReason = "delivery timeout"

	mock.ExpectExec("INSERT INTO rebalance_history").
		WithArgs(rec.ID.String(), rec.OperationID.String(), string(OutcomeExecuted),
			"chain", "delivery timeout", rec.RecordedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Append(context.Background(), rec))
	assert.Equal(t, 1, s.Len())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendNullsMissingOperationID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgres(mock)
	rec := testRecord(OutcomeHold)

	mock.ExpectExec("INSERT INTO rebalance_history").
		WithArgs(rec.ID.String(), nil, string(OutcomeHold), "", "", rec.RecordedAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.Append(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListDecodesRecords(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgres(mock)

	first := testRecord(OutcomeExecuted)
	second := testRecord(OutcomeHold)
	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT record FROM rebalance_history ORDER BY recorded_at").
		WithArgs(2).
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(firstJSON).AddRow(secondJSON))

	records, err := s.List(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, first.ID, records[0].ID)
	assert.Equal(t, OutcomeHold, records[1].Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetMatchesEitherID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgres(mock)
	rec := testRecord(OutcomeExecuted)
	rec.OperationID = uuid.New()
	recJSON, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT record FROM rebalance_history WHERE").
		WithArgs(rec.OperationID.String()).
		WillReturnRows(pgxmock.NewRows([]string{"record"}).AddRow(recJSON))

	got, err := s.Get(context.Background(), rec.OperationID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s := NewPostgres(mock)
	id := uuid.New()

	mock.ExpectQuery("SELECT record FROM rebalance_history WHERE").
		WithArgs(id.String()).
		WillReturnError(pgx.ErrNoRows)

	_, err = s.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
