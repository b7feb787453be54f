package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/reimburse-api/internal/models"
)

const requestColumns = `id, user_id, title, description, total_amount, status, submitted_at, processed_at, processed_by, notes`

const itemColumns = `id, request_id, description, category, amount, expense_date, receipt_reference, position`

// ReimbursementRepository persists reimbursement requests and their items.
type ReimbursementRepository struct {
	db *sqlx.DB
}

// NewReimbursementRepository constructs the repository.
func NewReimbursementRepository(db *sqlx.DB) *ReimbursementRepository {
	return &ReimbursementRepository{db: db}
}

// Create inserts a request together with all its items in one transaction.
// Either everything is stored or nothing is.
func (r *ReimbursementRepository) Create(ctx context.Context, request *models.ReimbursementRequest) error {
	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if request.Status == "" {
		request.Status = models.StatusPending
	}
	if request.SubmittedAt.IsZero() {
		request.SubmittedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create request: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertRequest = `INSERT INTO reimbursement_requests
	(id, user_id, title, description, total_amount, status, submitted_at, processed_at, processed_by, notes)
	VALUES (:id, :user_id, :title, :description, :total_amount, :status, :submitted_at, :processed_at, :processed_by, :notes)`
	if _, err = tx.NamedExecContext(ctx, insertRequest, request); err != nil {
		return fmt.Errorf("insert request: %w", err)
	}

	const insertItem = `INSERT INTO reimbursement_items
	(id, request_id, description, category, amount, expense_date, receipt_reference, position)
	VALUES (:id, :request_id, :description, :category, :amount, :expense_date, :receipt_reference, :position)`
	for i := range request.Items {
		item := &request.Items[i]
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.RequestID = request.ID
		item.Position = i
		if _, err = tx.NamedExecContext(ctx, insertItem, item); err != nil {
			return fmt.Errorf("insert item %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit create request: %w", err)
	}
	return nil
}

// GetByID fetches a request and its items.
func (r *ReimbursementRepository) GetByID(ctx context.Context, id string) (*models.ReimbursementRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM reimbursement_requests WHERE id = $1`, requestColumns)
	var request models.ReimbursementRequest
	if err := r.db.GetContext(ctx, &request, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get request: %w", err)
	}

	items, err := r.itemsForRequests(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	request.Items = items[id]
	if request.Items == nil {
		request.Items = []models.ReimbursementItem{}
	}
	return &request, nil
}

// List returns requests matching the filter with their items, newest
// submission first.
func (r *ReimbursementRepository) List(ctx context.Context, filter models.ReimbursementFilter) ([]models.ReimbursementRequest, error) {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf(`SELECT %s FROM reimbursement_requests`, requestColumns))

	args := make([]interface{}, 0, 4)
	conditions := make([]string, 0, 2)
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY submitted_at DESC")

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	builder.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	var requests []models.ReimbursementRequest
	if err := r.db.SelectContext(ctx, &requests, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	if len(requests) == 0 {
		return requests, nil
	}

	ids := make([]string, len(requests))
	for i, request := range requests {
		ids[i] = request.ID
	}
	itemsByRequest, err := r.itemsForRequests(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range requests {
		requests[i].Items = itemsByRequest[requests[i].ID]
		if requests[i].Items == nil {
			requests[i].Items = []models.ReimbursementItem{}
		}
	}
	return requests, nil
}

// Delete removes a request and cascades to its items. Returns sql.ErrNoRows
// when the request is already gone so concurrent deletes stay safe.
func (r *ReimbursementRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete request: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM reimbursement_items WHERE request_id = $1`, id); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM reimbursement_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check delete rows: %w", err)
	}
	if rows == 0 {
		err = sql.ErrNoRows
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete request: %w", err)
	}
	return nil
}

// UpdateStatusParams groups the columns stamped by a normal transition.
type UpdateStatusParams struct {
	ID          string
	Expected    models.ReimbursementStatus
	Next        models.ReimbursementStatus
	ProcessedBy string
	ProcessedAt time.Time
	Notes       *string
}

// UpdateStatus applies a transition guarded on the expected source status.
// Zero rows affected means the request moved concurrently (or is missing)
// and surfaces as sql.ErrNoRows.
func (r *ReimbursementRepository) UpdateStatus(ctx context.Context, params UpdateStatusParams) error {
	const query = `UPDATE reimbursement_requests
	SET status = :status, processed_at = :processed_at, processed_by = :processed_by, notes = :notes
	WHERE id = :id AND status = :expected`
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":           params.ID,
		"status":       params.Next,
		"expected":     params.Expected,
		"processed_at": params.ProcessedAt,
		"processed_by": params.ProcessedBy,
		"notes":        params.Notes,
	})
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check status update rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// OverrideStatusParams groups the columns stamped by an administrative override.
type OverrideStatusParams struct {
	ID          string
	Status      models.ReimbursementStatus
	ProcessedBy string
	ProcessedAt time.Time
	Notes       *string
}

// OverrideStatus sets the status without a source-state guard. Error
// correction only; callers are expected to audit the change distinctly.
func (r *ReimbursementRepository) OverrideStatus(ctx context.Context, params OverrideStatusParams) error {
	const query = `UPDATE reimbursement_requests
	SET status = :status, processed_at = :processed_at, processed_by = :processed_by, notes = :notes
	WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":           params.ID,
		"status":       params.Status,
		"processed_at": params.ProcessedAt,
		"processed_by": params.ProcessedBy,
		"notes":        params.Notes,
	})
	if err != nil {
		return fmt.Errorf("override request status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check override rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AttachReceipt stores a receipt reference on an item while its request is
// still pending. Items are immutable once the request leaves pending.
func (r *ReimbursementRepository) AttachReceipt(ctx context.Context, requestID, itemID, reference string) error {
	const query = `UPDATE reimbursement_items i SET receipt_reference = $3
	FROM reimbursement_requests req
	WHERE i.id = $2 AND i.request_id = $1 AND req.id = i.request_id AND req.status = 'pending'`
	result, err := r.db.ExecContext(ctx, query, requestID, itemID, reference)
	if err != nil {
		return fmt.Errorf("attach receipt: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check receipt rows: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (r *ReimbursementRepository) itemsForRequests(ctx context.Context, requestIDs []string) (map[string][]models.ReimbursementItem, error) {
	placeholders := make([]string, len(requestIDs))
	args := make([]interface{}, len(requestIDs))
	for i, id := range requestIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT %s FROM reimbursement_items WHERE request_id IN (%s) ORDER BY position ASC`,
		itemColumns, strings.Join(placeholders, ","))

	var items []models.ReimbursementItem
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	grouped := make(map[string][]models.ReimbursementItem, len(requestIDs))
	for _, item := range items {
		grouped[item.RequestID] = append(grouped[item.RequestID], item)
	}
	return grouped, nil
}
