package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/event"
	"github.com/noah-isme/reimburse-api/internal/models"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
	"github.com/noah-isme/reimburse-api/pkg/export"
)

type reportAggregator interface {
	SumBetween(ctx context.Context, from, to time.Time, statuses []models.ReimbursementStatus) (int64, error)
	MonthTotals(ctx context.Context, from, to time.Time, statuses []models.ReimbursementStatus) (map[int]int64, error)
	MonthRows(ctx context.Context, from, to time.Time) ([]models.ReimbursementRequest, error)
}

type reportCache interface {
	Get(ctx context.Context, key string, dest interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) error
}

// ReportService computes month and year aggregations over request totals.
// Sums cover every status unless the caller narrows them explicitly.
type ReportService struct {
	repo     reportAggregator
	cache    reportCache
	cacheTTL time.Duration
	logger   *zap.Logger
	metrics  *MetricsService
}

// ReportServiceOption configures the service.
type ReportServiceOption func(*ReportService)

// WithReportMetrics wires aggregation query timing into the metrics registry.
func WithReportMetrics(metrics *MetricsService) ReportServiceOption {
	return func(s *ReportService) { s.metrics = metrics }
}

// NewReportService constructs the service. Cache is optional.
func NewReportService(repo reportAggregator, cache reportCache, cacheTTL time.Duration, logger *zap.Logger, opts ...ReportServiceOption) *ReportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	svc := &ReportService{repo: repo, cache: cache, cacheTTL: cacheTTL, logger: logger}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

func (s *ReportService) observeQuery(label string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveDBQuery(label, time.Since(start))
	}
}

// MonthlySummary sums request totals submitted in the given calendar month.
func (s *ReportService) MonthlySummary(ctx context.Context, month, year int, statuses []models.ReimbursementStatus, actor *models.JWTClaims) (*dto.MonthlySummaryResponse, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if month < 1 || month > 12 {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("month must be 1-12, got %d", month))
	}
	if err := validateStatuses(statuses); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("reports:month:%04d-%02d:%s", year, month, statusKey(statuses))
	var cached dto.MonthlySummaryResponse
	if hit, _ := s.cacheGet(ctx, key, &cached); hit {
		return &cached, nil
	}

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	start := time.Now()
	total, err := s.repo.SumBetween(ctx, from, to, statuses)
	s.observeQuery("reimbursements_sum_month", start)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to aggregate month")
	}

	summary := &dto.MonthlySummaryResponse{
		Month:       month,
		Year:        year,
		Total:       total,
		Statuses:    statuses,
		GeneratedAt: time.Now().UTC(),
	}
	s.cacheSet(ctx, key, summary)
	return summary, nil
}

// YearlySummary sums request totals submitted in the given calendar year.
func (s *ReportService) YearlySummary(ctx context.Context, year int, statuses []models.ReimbursementStatus, actor *models.JWTClaims) (*dto.YearlySummaryResponse, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validateStatuses(statuses); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("reports:year:%04d:%s", year, statusKey(statuses))
	var cached dto.YearlySummaryResponse
	if hit, _ := s.cacheGet(ctx, key, &cached); hit {
		return &cached, nil
	}

	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)
	start := time.Now()
	total, err := s.repo.SumBetween(ctx, from, to, statuses)
	s.observeQuery("reimbursements_sum_year", start)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to aggregate year")
	}

	summary := &dto.YearlySummaryResponse{
		Year:        year,
		Total:       total,
		Statuses:    statuses,
		GeneratedAt: time.Now().UTC(),
	}
	s.cacheSet(ctx, key, summary)
	return summary, nil
}

// YearlyBreakdown returns per-month totals for a calendar year. Months with
// no submissions report zero.
func (s *ReportService) YearlyBreakdown(ctx context.Context, year int, statuses []models.ReimbursementStatus, actor *models.JWTClaims) (*dto.YearlyBreakdownResponse, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := validateStatuses(statuses); err != nil {
		return nil, err
	}

	key := fmt.Sprintf("reports:breakdown:%04d:%s", year, statusKey(statuses))
	var cached dto.YearlyBreakdownResponse
	if hit, _ := s.cacheGet(ctx, key, &cached); hit {
		return &cached, nil
	}

	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)
	start := time.Now()
	totals, err := s.repo.MonthTotals(ctx, from, to, statuses)
	s.observeQuery("reimbursements_month_totals", start)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to break down year")
	}

	breakdown := &dto.YearlyBreakdownResponse{
		Year:        year,
		Months:      make([]dto.MonthTotal, 12),
		GeneratedAt: time.Now().UTC(),
	}
	for month := 1; month <= 12; month++ {
		total := totals[month]
		breakdown.Months[month-1] = dto.MonthTotal{Month: month, Total: total}
		breakdown.Total += total
	}
	s.cacheSet(ctx, key, breakdown)
	return breakdown, nil
}

// MonthDataset builds the tabular export for a calendar month.
func (s *ReportService) MonthDataset(ctx context.Context, month, year int, actor *models.JWTClaims) (export.Dataset, string, error) {
	if err := requireAdmin(actor); err != nil {
		return export.Dataset{}, "", err
	}
	if month < 1 || month > 12 {
		return export.Dataset{}, "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("month must be 1-12, got %d", month))
	}

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	start := time.Now()
	requests, err := s.repo.MonthRows(ctx, from, to)
	s.observeQuery("reimbursements_month_rows", start)
	if err != nil {
		return export.Dataset{}, "", appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to load month rows")
	}

	dataset := export.Dataset{
		Headers: []string{"ID", "Employee", "Title", "Status", "Total", "Submitted"},
		Rows:    make([]map[string]string, 0, len(requests)),
	}
	for _, request := range requests {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"ID":        request.ID,
			"Employee":  request.UserID,
			"Title":     request.Title,
			"Status":    string(request.Status),
			"Total":     strconv.FormatInt(request.TotalAmount, 10),
			"Submitted": request.SubmittedAt.Format("2006-01-02"),
		})
	}
	title := fmt.Sprintf("Reimbursements %04d-%02d", year, month)
	return dataset, title, nil
}

// Deliver invalidates cached reports whenever a request changes. It lets the
// service act as a notification sink behind the dispatcher.
func (s *ReportService) Deliver(ctx context.Context, evt event.Event) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Invalidate(ctx, "reports:*"); err != nil {
		s.logger.Warn("failed to invalidate report cache", zap.String("event", string(evt.Type)), zap.Error(err))
		return err
	}
	return nil
}

func (s *ReportService) cacheGet(ctx context.Context, key string, dest interface{}) (bool, error) {
	if s.cache == nil {
		return false, nil
	}
	return s.cache.Get(ctx, key, dest)
}

func (s *ReportService) cacheSet(ctx context.Context, key string, value interface{}) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, key, value, s.cacheTTL); err != nil {
		s.logger.Warn("failed to cache report", zap.String("key", key), zap.Error(err))
	}
}

func requireAdmin(actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if !actor.IsAdmin() {
		return appErrors.ErrForbidden
	}
	return nil
}

func validateStatuses(statuses []models.ReimbursementStatus) error {
	for _, status := range statuses {
		if !status.Valid() {
			return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status: %s", status))
		}
	}
	return nil
}

func statusKey(statuses []models.ReimbursementStatus) string {
	if len(statuses) == 0 {
		return "all"
	}
	parts := make([]string, len(statuses))
	for i, status := range statuses {
		parts[i] = string(status)
	}
	return strings.Join(parts, "+")
}
