package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShowSeatRepo_MarkReserved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM show_seats`).
		WithArgs(uint64(5), uint64(11), uint64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO show_seats .* ON DUPLICATE KEY UPDATE status = 'RESERVED'`).
		WithArgs(uint64(5), uint64(11), uint64(5), uint64(12)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err = NewShowSeatRepo(db).MarkReserved(context.Background(), "5", []string{"11", "12"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShowSeatRepo_MarkReservedConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM show_seats`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err = NewShowSeatRepo(db).MarkReserved(context.Background(), "5", []string{"11"})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestShowSeatRepo_MarkReservedRejectsBadIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewShowSeatRepo(db)
	assert.Error(t, repo.MarkReserved(context.Background(), "x", []string{"1"}))
	assert.Error(t, repo.MarkReserved(context.Background(), "1", []string{"A5"}))
	assert.NoError(t, repo.MarkReserved(context.Background(), "1", nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
