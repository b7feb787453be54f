package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/reimburse-api/internal/models"
)

func newReimbursementRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestReimbursementRepositoryCreateCommitsRequestAndItems(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reimbursement_requests")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reimbursement_items")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reimbursement_items")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	request := &models.ReimbursementRequest{
		UserID:      "emp-1",
		Title:       "Client visit",
		TotalAmount: 125000,
		Items: []models.ReimbursementItem{
			{Description: "Taxi", Category: "transport", Amount: 50000, ExpenseDate: time.Now()},
			{Description: "Lunch", Category: "meals", Amount: 75000, ExpenseDate: time.Now()},
		},
	}
	require.NoError(t, repo.Create(context.Background(), request))
	require.NotEmpty(t, request.ID)
	require.Equal(t, models.StatusPending, request.Status)
	require.Equal(t, request.ID, request.Items[0].RequestID)
	require.Equal(t, 0, request.Items[0].Position)
	require.Equal(t, 1, request.Items[1].Position)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryCreateRollsBackOnItemFailure(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reimbursement_requests")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO reimbursement_items")).
		WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	request := &models.ReimbursementRequest{
		UserID:      "emp-1",
		Title:       "Client visit",
		TotalAmount: 50000,
		Items: []models.ReimbursementItem{
			{Description: "Taxi", Category: "transport", Amount: 50000, ExpenseDate: time.Now()},
		},
	}
	err := repo.Create(context.Background(), request)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryGetByIDLoadsItemsInOrder(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)
	submitted := time.Now().UTC()

	requestRows := sqlmock.NewRows([]string{"id", "user_id", "title", "description", "total_amount", "status", "submitted_at", "processed_at", "processed_by", "notes"}).
		AddRow("req-1", "emp-1", "Client visit", "", int64(125000), "pending", submitted, nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, title, description, total_amount, status")).
		WithArgs("req-1").
		WillReturnRows(requestRows)

	itemRows := sqlmock.NewRows([]string{"id", "request_id", "description", "category", "amount", "expense_date", "receipt_reference", "position"}).
		AddRow("item-1", "req-1", "Taxi", "transport", int64(50000), submitted, nil, 0).
		AddRow("item-2", "req-1", "Lunch", "meals", int64(75000), submitted, nil, 1)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, request_id, description, category, amount, expense_date")).
		WithArgs("req-1").
		WillReturnRows(itemRows)

	found, err := repo.GetByID(context.Background(), "req-1")
	require.NoError(t, err)
	require.Equal(t, "req-1", found.ID)
	require.Len(t, found.Items, 2)
	require.Equal(t, "Taxi", found.Items[0].Description)
	require.Equal(t, "Lunch", found.Items[1].Description)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryGetByIDMissing(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, user_id, title, description, total_amount, status")).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByID(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)
	submitted := time.Now().UTC()

	requestRows := sqlmock.NewRows([]string{"id", "user_id", "title", "description", "total_amount", "status", "submitted_at", "processed_at", "processed_by", "notes"}).
		AddRow("req-1", "emp-1", "Client visit", "", int64(125000), "pending", submitted, nil, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 AND status IN ($2)")).
		WithArgs("emp-1", models.StatusPending).
		WillReturnRows(requestRows)

	itemRows := sqlmock.NewRows([]string{"id", "request_id", "description", "category", "amount", "expense_date", "receipt_reference", "position"}).
		AddRow("item-1", "req-1", "Taxi", "transport", int64(125000), submitted, nil, 0)
	mock.ExpectQuery(regexp.QuoteMeta("FROM reimbursement_items WHERE request_id IN ($1)")).
		WithArgs("req-1").
		WillReturnRows(itemRows)

	requests, err := repo.List(context.Background(), models.ReimbursementFilter{
		OwnerID: "emp-1",
		Status:  []models.ReimbursementStatus{models.StatusPending},
	})
	require.NoError(t, err)
	require.Len(t, requests, 1)
	require.Len(t, requests[0].Items, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryListEmpty(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM reimbursement_requests")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "title", "description", "total_amount", "status", "submitted_at", "processed_at", "processed_by", "notes"}))

	requests, err := repo.List(context.Background(), models.ReimbursementFilter{})
	require.NoError(t, err)
	require.Empty(t, requests)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryDeleteCascades(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reimbursement_items WHERE request_id = $1")).
		WithArgs("req-1").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reimbursement_requests WHERE id = $1")).
		WithArgs("req-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Delete(context.Background(), "req-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryDeleteMissingRollsBack(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reimbursement_items WHERE request_id = $1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM reimbursement_requests WHERE id = $1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Delete(context.Background(), "missing")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryUpdateStatusGuarded(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reimbursement_requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateStatus(context.Background(), UpdateStatusParams{
		ID:          "req-1",
		Expected:    models.StatusPending,
		Next:        models.StatusApproved,
		ProcessedBy: "admin-1",
		ProcessedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryUpdateStatusLostRace(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reimbursement_requests")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), UpdateStatusParams{
		ID:          "req-1",
		Expected:    models.StatusPending,
		Next:        models.StatusRejected,
		ProcessedBy: "admin-1",
		ProcessedAt: time.Now().UTC(),
	})
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryOverrideStatusUnguarded(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reimbursement_requests")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.OverrideStatus(context.Background(), OverrideStatusParams{
		ID:          "req-1",
		Status:      models.StatusPending,
		ProcessedBy: "admin-1",
		ProcessedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReimbursementRepositoryAttachReceiptOnlyWhilePending(t *testing.T) {
	db, mock, cleanup := newReimbursementRepoMock(t)
	defer cleanup()

	repo := NewReimbursementRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE reimbursement_items i SET receipt_reference = $3")).
		WithArgs("req-1", "item-1", "receipts/req-1/item-1.pdf").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.AttachReceipt(context.Background(), "req-1", "item-1", "receipts/req-1/item-1.pdf"))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE reimbursement_items i SET receipt_reference = $3")).
		WithArgs("req-1", "item-1", "receipts/req-1/item-1.pdf").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.AttachReceipt(context.Background(), "req-1", "item-1", "receipts/req-1/item-1.pdf")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
