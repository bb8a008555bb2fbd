package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oru-fhir-bridge/internal/domain"
)

func createMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewPostgresStoreWithDB(db), mock
}

func TestPostgresStore_Save(t *testing.T) {
	store, mock := createMockStore(t)
	rec := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO hl7_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO observations").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO observations").
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	// Act
	id, err := store.Save(context.Background(), rec)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, int64(7), rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Save_RollsBackOnObservationFailure(t *testing.T) {
	store, mock := createMockStore(t)
	rec := sampleRecord()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO hl7_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO observations").
		WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	// Act
	_, err := store.Save(context.Background(), rec)

	// Assert
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := createMockStore(t)
	receivedAt := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "received_at", "patient_id", "patient_given_name",
		"patient_family_name", "patient_dob", "patient_sex", "clinical_summary",
		"raw_hl7", "fhir_bundle_json",
	}).AddRow(int64(3), receivedAt, "12345", "JOHN", "DOE", "1980-01-01", "M",
		"All results within normal limits.", "MSH|...", `{"resourceType":"Bundle"}`)

	mock.ExpectQuery("SELECT (.+) FROM hl7_messages").
		WithArgs(int64(3)).
		WillReturnRows(rows)

	// Act
	rec, err := store.Get(context.Background(), 3)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.ID)
	assert.Equal(t, receivedAt, rec.ReceivedAt)
	assert.Equal(t, "DOE", rec.Patient.FamilyName)
	assert.Equal(t, "MSH|...", rec.RawText)
	assert.Equal(t, `{"resourceType":"Bundle"}`, string(rec.BundleJSON))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get_NotFound(t *testing.T) {
	store, mock := createMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM hl7_messages").
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	rec, err := store.Get(context.Background(), 99)

	assert.Nil(t, rec)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresStore_List(t *testing.T) {
	store, mock := createMockStore(t)

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	mock.ExpectQuery("SELECT (.+) FROM hl7_messages").
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "received_at", "patient_id", "patient_given_name",
			"patient_family_name", "patient_dob", "patient_sex", "clinical_summary",
		}).
			AddRow(int64(2), time.Now(), "222", "ANNA", "SMITH", "1990-05-05", "F", "s2").
			AddRow(int64(1), time.Now(), "111", "JOHN", "DOE", "1980-01-01", "M", "s1"))

	// Act
	records, total, err := store.List(context.Background(), 0, 0)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	require.Len(t, records, 2)
	assert.Equal(t, int64(2), records[0].ID)
	assert.Equal(t, "SMITH", records[0].Patient.FamilyName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Observations(t *testing.T) {
	store, mock := createMockStore(t)

	mock.ExpectQuery("SELECT 1 FROM hl7_messages").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM observations").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{
			"code", "display", "value_num", "value_raw", "unit",
			"reference_low", "reference_high", "flag", "observation_datetime", "status",
		}).
			AddRow("2345-7", "Glucose", 105.0, nil, "mg/dL", "70", "99", "H", "2024-01-02T11:55:00", "F").
			AddRow("XXX", "Comment", nil, "hemolyzed", "", nil, nil, "", "", "F"))

	// Act
	observations, err := store.Observations(context.Background(), 5)

	// Assert
	require.NoError(t, err)
	require.Len(t, observations, 2)
	assert.Equal(t, domain.NumericValue(105), observations[0].Value)
	assert.Equal(t, domain.TextValue("hemolyzed"), observations[1].Value)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Observations_NotFound(t *testing.T) {
	store, mock := createMockStore(t)

	mock.ExpectQuery("SELECT 1 FROM hl7_messages").
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)

	observations, err := store.Observations(context.Background(), 5)

	assert.Nil(t, observations)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPostgresStore_DeleteAll(t *testing.T) {
	store, mock := createMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM observations").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM hl7_messages").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.DeleteAll(context.Background())

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
