package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/reimburse-api/internal/models"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
)

// ItemDraft is an unvalidated line item supplied at submission time. Receipt
// references are never accepted from clients; they are written only by the
// receipt upload flow after the item exists.
type ItemDraft struct {
	Description string
	Category    string
	Amount      int64
	ExpenseDate time.Time
}

// ValidateDraft checks a single draft against the line-item rules.
func ValidateDraft(draft ItemDraft) error {
	if strings.TrimSpace(draft.Description) == "" {
		return appErrors.Clone(appErrors.ErrValidation, "item description is required")
	}
	if strings.TrimSpace(draft.Category) == "" {
		return appErrors.Clone(appErrors.ErrValidation, "item category is required")
	}
	if draft.Amount <= 0 {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("item amount must be positive, got %d", draft.Amount))
	}
	if draft.ExpenseDate.IsZero() {
		return appErrors.Clone(appErrors.ErrValidation, "item expense date is required")
	}
	return nil
}

// ValidateDrafts checks the full draft list. A request needs at least one item.
func ValidateDrafts(drafts []ItemDraft) error {
	if len(drafts) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "a request requires at least one item")
	}
	for i, draft := range drafts {
		if err := ValidateDraft(draft); err != nil {
			return appErrors.Clone(appErrors.FromError(err), fmt.Sprintf("item %d: %s", i+1, appErrors.FromError(err).Message))
		}
	}
	return nil
}

// TotalDrafts sums draft amounts.
func TotalDrafts(drafts []ItemDraft) int64 {
	var total int64
	for _, draft := range drafts {
		total += draft.Amount
	}
	return total
}

// Total sums persisted item amounts. Every place a request total is shown or
// stored must go through this sum so stored totals cannot drift.
func Total(items []models.ReimbursementItem) int64 {
	var total int64
	for _, item := range items {
		total += item.Amount
	}
	return total
}
