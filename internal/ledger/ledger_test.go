package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/reimburse-api/internal/models"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
)

func validDraft() ItemDraft {
	return ItemDraft{
		Description: "train ticket",
		Category:    "transport",
		Amount:      50000,
		ExpenseDate: time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC),
	}
}

func TestValidateDraft(t *testing.T) {
	require.NoError(t, ValidateDraft(validDraft()))

	cases := map[string]func(*ItemDraft){
		"empty description":  func(d *ItemDraft) { d.Description = "  " },
		"empty category":     func(d *ItemDraft) { d.Category = "" },
		"zero amount":        func(d *ItemDraft) { d.Amount = 0 },
		"negative amount":    func(d *ItemDraft) { d.Amount = -100 },
		"missing expense on": func(d *ItemDraft) { d.ExpenseDate = time.Time{} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			draft := validDraft()
			mutate(&draft)
			err := ValidateDraft(draft)
			require.Error(t, err)
			require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
		})
	}
}

func TestValidateDraftsRequiresItems(t *testing.T) {
	err := ValidateDrafts(nil)
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestValidateDraftsReportsFailingIndex(t *testing.T) {
	bad := validDraft()
	bad.Amount = 0
	err := ValidateDrafts([]ItemDraft{validDraft(), bad, validDraft()})
	require.Error(t, err)
	require.Contains(t, appErrors.FromError(err).Message, "item 2")
}

func TestTotalDrafts(t *testing.T) {
	first := validDraft()
	second := validDraft()
	second.Amount = 75000
	require.Equal(t, int64(125000), TotalDrafts([]ItemDraft{first, second}))
	require.Equal(t, int64(0), TotalDrafts(nil))
}

func TestTotalMatchesItemSum(t *testing.T) {
	items := []models.ReimbursementItem{
		{Amount: 50000},
		{Amount: 75000},
	}
	require.Equal(t, int64(125000), Total(items))
}
