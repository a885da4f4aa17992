package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupGormStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewGormStore(db), mock
}

func TestGormMarkDeliveredInsertsAndCounts(t *testing.T) {
	s, mock := setupGormStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "email_records" .* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "email_configs" .* ON CONFLICT \("campaign_id"\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "campaigns" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := s.MarkDelivered(context.Background(), "c1", "a@example.fr")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormMarkDeliveredExistingOnlyTouchesUpdatedAt(t *testing.T) {
	s, mock := setupGormStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "email_records"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE "email_records" SET "updated_at"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	created, err := s.MarkDelivered(context.Background(), "c1", "a@example.fr")
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormMarkDeliveredRollsBackOnCounterFailure(t *testing.T) {
	s, mock := setupGormStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "email_records"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "email_configs"`).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	created, err := s.MarkDelivered(context.Background(), "c1", "a@example.fr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormGetCampaignNotFound(t *testing.T) {
	s, mock := setupGormStore(t)

	mock.ExpectQuery(`SELECT \* FROM "campaigns"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}))

	_, err := s.GetCampaign(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrCampaignNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormUnsubscribeReportsDuplicates(t *testing.T) {
	s, mock := setupGormStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "unsubscribed_records" .* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	created, err := s.Unsubscribe(context.Background(), "a@example.fr")
	require.NoError(t, err)
	assert.False(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormIsUnsubscribedUsesDocID(t *testing.T) {
	s, mock := setupGormStore(t)

	mock.ExpectQuery(`SELECT count\(\*\) FROM "unsubscribed_records" WHERE id = \$1`).
		WithArgs(DocID("a@example.fr")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	ok, err := s.IsUnsubscribed(context.Background(), "A@example.fr")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
