package dto

import (
	"github.com/noah-isme/reimburse-api/internal/models"
)

// ItemDraft is one line item in a submission payload. ExpenseDate uses the
// YYYY-MM-DD wire format and is parsed at the HTTP boundary. Receipts are
// attached through the upload endpoint, not at submission.
type ItemDraft struct {
	Description string `json:"description" binding:"required"`
	Category    string `json:"category" binding:"required"`
	Amount      int64  `json:"amount" binding:"required"`
	ExpenseDate string `json:"expenseDate" binding:"required"`
}

// CreateReimbursementRequest is the submission payload for a new claim.
type CreateReimbursementRequest struct {
	Title       string      `json:"title" binding:"required"`
	Description string      `json:"description"`
	Items       []ItemDraft `json:"items" binding:"required"`
}

// TransitionRequest carries the optional note for approve/reject/pay calls.
type TransitionRequest struct {
	Notes string `json:"notes"`
}

// OverrideStatusRequest sets a request to an arbitrary status, bypassing the
// normal adjacency rules. Administrator error-correction only.
type OverrideStatusRequest struct {
	Status models.ReimbursementStatus `json:"status" binding:"required"`
	Notes  string                     `json:"notes"`
}

// ReimbursementQuery mirrors supported listing filters.
type ReimbursementQuery struct {
	Status  []models.ReimbursementStatus
	OwnerID string
	Limit   int
	Offset  int
}

// ReceiptAttachment describes a stored receipt reference.
type ReceiptAttachment struct {
	ItemID           string `json:"itemId"`
	ReceiptReference string `json:"receiptReference"`
}
