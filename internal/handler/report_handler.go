package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/middleware"
	"github.com/noah-isme/reimburse-api/internal/models"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
	"github.com/noah-isme/reimburse-api/pkg/export"
	"github.com/noah-isme/reimburse-api/pkg/response"
)

type reportService interface {
	MonthlySummary(ctx context.Context, month, year int, statuses []models.ReimbursementStatus, actor *models.JWTClaims) (*dto.MonthlySummaryResponse, error)
	YearlySummary(ctx context.Context, year int, statuses []models.ReimbursementStatus, actor *models.JWTClaims) (*dto.YearlySummaryResponse, error)
	YearlyBreakdown(ctx context.Context, year int, statuses []models.ReimbursementStatus, actor *models.JWTClaims) (*dto.YearlyBreakdownResponse, error)
	MonthDataset(ctx context.Context, month, year int, actor *models.JWTClaims) (export.Dataset, string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, title string) ([]byte, error)
}

// ReportHandler exposes aggregation and export endpoints.
type ReportHandler struct {
	service reportService
	csv     csvRenderer
	pdf     pdfRenderer
}

// NewReportHandler constructs the handler.
func NewReportHandler(service reportService, csv csvRenderer, pdf pdfRenderer) *ReportHandler {
	return &ReportHandler{service: service, csv: csv, pdf: pdf}
}

// MonthlySummary godoc
// @Summary Total reimbursements submitted in a calendar month
// @Tags Reports
// @Produce json
// @Param month query int true "Month (1-12)"
// @Param year query int true "Year"
// @Param status query string false "Comma separated statuses"
// @Success 200 {object} response.Envelope
// @Router /reports/month [get]
func (h *ReportHandler) MonthlySummary(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	month, year, err := monthYearParams(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	statuses, err := statusParams(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	summary, err := h.service.MonthlySummary(c.Request.Context(), month, year, statuses, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil, middleware.ExtractMeta(c))
}

// YearlySummary godoc
// @Summary Total reimbursements submitted in a calendar year
// @Tags Reports
// @Produce json
// @Param year query int true "Year"
// @Param status query string false "Comma separated statuses"
// @Success 200 {object} response.Envelope
// @Router /reports/year [get]
func (h *ReportHandler) YearlySummary(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	year, err := yearParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	statuses, err := statusParams(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	summary, err := h.service.YearlySummary(c.Request.Context(), year, statuses, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil, middleware.ExtractMeta(c))
}

// YearlyBreakdown godoc
// @Summary Per-month totals for a calendar year
// @Tags Reports
// @Produce json
// @Param year query int true "Year"
// @Param status query string false "Comma separated statuses"
// @Success 200 {object} response.Envelope
// @Router /reports/year/breakdown [get]
func (h *ReportHandler) YearlyBreakdown(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	year, err := yearParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	statuses, err := statusParams(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	breakdown, err := h.service.YearlyBreakdown(c.Request.Context(), year, statuses, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, breakdown, nil, middleware.ExtractMeta(c))
}

// ExportMonth godoc
// @Summary Export one month of requests as CSV or PDF
// @Tags Reports
// @Produce application/octet-stream
// @Param month query int true "Month (1-12)"
// @Param year query int true "Year"
// @Param format query string false "csv or pdf (default csv)"
// @Success 200
// @Router /reports/month/export [get]
func (h *ReportHandler) ExportMonth(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	month, year, err := monthYearParams(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	dataset, title, err := h.service.MonthDataset(c.Request.Context(), month, year, claims)
	if err != nil {
		response.Error(c, err)
		return
	}

	format := strings.ToLower(strings.TrimSpace(c.DefaultQuery("format", "csv")))
	filename := fmt.Sprintf("reimbursements-%04d-%02d", year, month)
	switch format {
	case "csv":
		if h.csv == nil {
			response.Error(c, appErrors.Clone(appErrors.ErrInternal, "csv renderer not configured"))
			return
		}
		payload, err := h.csv.Render(dataset)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render csv"))
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+filename+`.csv"`)
		c.Data(http.StatusOK, "text/csv", payload)
	case "pdf":
		if h.pdf == nil {
			response.Error(c, appErrors.Clone(appErrors.ErrInternal, "pdf renderer not configured"))
			return
		}
		payload, err := h.pdf.Render(dataset, title)
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render pdf"))
			return
		}
		c.Header("Content-Disposition", `attachment; filename="`+filename+`.pdf"`)
		c.Data(http.StatusOK, "application/pdf", payload)
	default:
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf"))
	}
}

func monthYearParams(c *gin.Context) (int, int, error) {
	month, err := strconv.Atoi(c.Query("month"))
	if err != nil {
		return 0, 0, appErrors.Clone(appErrors.ErrValidation, "month query parameter is required")
	}
	year, err := yearParam(c)
	if err != nil {
		return 0, 0, err
	}
	return month, year, nil
}

func yearParam(c *gin.Context) (int, error) {
	raw := c.Query("year")
	if raw == "" {
		return time.Now().UTC().Year(), nil
	}
	year, err := strconv.Atoi(raw)
	if err != nil || year < 1 {
		return 0, appErrors.Clone(appErrors.ErrValidation, "year must be a positive number")
	}
	return year, nil
}

func statusParams(c *gin.Context) ([]models.ReimbursementStatus, error) {
	raw := c.Query("status")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	statuses := make([]models.ReimbursementStatus, 0, len(parts))
	for _, part := range parts {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		status := models.ReimbursementStatus(part)
		if !status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown status filter: "+part)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
