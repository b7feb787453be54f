package models

import "time"

// ReimbursementStatus captures workflow states for expense claims.
type ReimbursementStatus string

const (
	StatusPending  ReimbursementStatus = "pending"
	StatusApproved ReimbursementStatus = "approved"
	StatusRejected ReimbursementStatus = "rejected"
	StatusPaid     ReimbursementStatus = "paid"
)

// Valid reports whether the status is one of the defined workflow states.
func (s ReimbursementStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusPaid:
		return true
	}
	return false
}

// ReimbursementAction enumerates the normal administrator transitions.
type ReimbursementAction string

const (
	ActionApprove  ReimbursementAction = "approve"
	ActionReject   ReimbursementAction = "reject"
	ActionMarkPaid ReimbursementAction = "pay"
)

// ReimbursementRequest is a single employee expense claim with its items.
// TotalAmount is always recomputed from the items, never edited directly.
type ReimbursementRequest struct {
	ID          string              `db:"id" json:"id"`
	UserID      string              `db:"user_id" json:"userId"`
	Title       string              `db:"title" json:"title"`
	Description string              `db:"description" json:"description"`
	TotalAmount int64               `db:"total_amount" json:"totalAmount"`
	Status      ReimbursementStatus `db:"status" json:"status"`
	SubmittedAt time.Time           `db:"submitted_at" json:"submittedAt"`
	ProcessedAt *time.Time          `db:"processed_at" json:"processedAt,omitempty"`
	ProcessedBy *string             `db:"processed_by" json:"processedBy,omitempty"`
	Notes       *string             `db:"notes" json:"notes,omitempty"`

	Items []ReimbursementItem `db:"-" json:"items"`
}

// ReimbursementItem is one line-item expense belonging to a request.
// Amounts are whole currency units in a single-currency system.
type ReimbursementItem struct {
	ID               string    `db:"id" json:"id"`
	RequestID        string    `db:"request_id" json:"requestId"`
	Description      string    `db:"description" json:"description"`
	Category         string    `db:"category" json:"category"`
	Amount           int64     `db:"amount" json:"amount"`
	ExpenseDate      time.Time `db:"expense_date" json:"expenseDate"`
	ReceiptReference *string   `db:"receipt_reference" json:"receiptReference,omitempty"`
	Position         int       `db:"position" json:"position"`
}

// ReimbursementFilter constrains listing queries.
type ReimbursementFilter struct {
	Status  []ReimbursementStatus
	OwnerID string
	Limit   int
	Offset  int
}
