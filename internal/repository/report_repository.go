package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/reimburse-api/internal/models"
)

// ReportRepository exposes read-only aggregation queries over request totals.
type ReportRepository struct {
	db *sqlx.DB
}

// NewReportRepository instantiates the repository.
func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// SumBetween sums total_amount over requests submitted in [from, to),
// optionally restricted to the given statuses.
func (r *ReportRepository) SumBetween(ctx context.Context, from, to time.Time, statuses []models.ReimbursementStatus) (int64, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT COALESCE(SUM(total_amount), 0) FROM reimbursement_requests WHERE submitted_at >= $1 AND submitted_at < $2`)
	args := []interface{}{from, to}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		builder.WriteString(fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ",")))
	}

	var total int64
	if err := r.db.GetContext(ctx, &total, builder.String(), args...); err != nil {
		return 0, fmt.Errorf("sum requests: %w", err)
	}
	return total, nil
}

type monthTotalRow struct {
	Month int   `db:"month"`
	Total int64 `db:"total"`
}

// MonthTotals returns per-month sums for requests submitted in [from, to).
// Months without submissions are absent from the result.
func (r *ReportRepository) MonthTotals(ctx context.Context, from, to time.Time, statuses []models.ReimbursementStatus) (map[int]int64, error) {
	builder := strings.Builder{}
	builder.WriteString(`SELECT EXTRACT(MONTH FROM submitted_at)::INT AS month, COALESCE(SUM(total_amount), 0) AS total
	FROM reimbursement_requests WHERE submitted_at >= $1 AND submitted_at < $2`)
	args := []interface{}{from, to}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		builder.WriteString(fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ",")))
	}
	builder.WriteString(" GROUP BY month ORDER BY month")

	var rows []monthTotalRow
	if err := r.db.SelectContext(ctx, &rows, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("month totals: %w", err)
	}

	totals := make(map[int]int64, len(rows))
	for _, row := range rows {
		totals[row.Month] = row.Total
	}
	return totals, nil
}

// MonthRows returns the requests submitted in [from, to) for export, newest
// first, without item expansion.
func (r *ReportRepository) MonthRows(ctx context.Context, from, to time.Time) ([]models.ReimbursementRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM reimbursement_requests WHERE submitted_at >= $1 AND submitted_at < $2 ORDER BY submitted_at DESC`, requestColumns)
	var requests []models.ReimbursementRequest
	if err := r.db.SelectContext(ctx, &requests, query, from, to); err != nil {
		return nil, fmt.Errorf("month rows: %w", err)
	}
	return requests, nil
}
