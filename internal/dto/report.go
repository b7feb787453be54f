package dto

import (
	"time"

	"github.com/noah-isme/reimburse-api/internal/models"
)

// MonthlySummaryResponse is the month-window aggregation payload.
type MonthlySummaryResponse struct {
	Month       int                          `json:"month"`
	Year        int                          `json:"year"`
	Total       int64                        `json:"total"`
	Statuses    []models.ReimbursementStatus `json:"statuses,omitempty"`
	GeneratedAt time.Time                    `json:"generatedAt"`
}

// YearlySummaryResponse is the year-window aggregation payload.
type YearlySummaryResponse struct {
	Year        int                          `json:"year"`
	Total       int64                        `json:"total"`
	Statuses    []models.ReimbursementStatus `json:"statuses,omitempty"`
	GeneratedAt time.Time                    `json:"generatedAt"`
}

// MonthTotal is one month's slice of a yearly breakdown.
type MonthTotal struct {
	Month int   `json:"month"`
	Total int64 `json:"total"`
}

// YearlyBreakdownResponse lists per-month totals for a calendar year.
type YearlyBreakdownResponse struct {
	Year        int          `json:"year"`
	Months      []MonthTotal `json:"months"`
	Total       int64        `json:"total"`
	GeneratedAt time.Time    `json:"generatedAt"`
}
