package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/event"
	"github.com/noah-isme/reimburse-api/internal/ledger"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/repository"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
	"github.com/noah-isme/reimburse-api/pkg/storage"
)

type reimbursementRepoStub struct {
	requests map[string]*models.ReimbursementRequest
	filter   models.ReimbursementFilter
	seq      int
}

func newReimbursementRepoStub() *reimbursementRepoStub {
	return &reimbursementRepoStub{requests: make(map[string]*models.ReimbursementRequest)}
}

func (r *reimbursementRepoStub) Create(ctx context.Context, request *models.ReimbursementRequest) error {
	r.seq++
	if request.ID == "" {
		request.ID = fmt.Sprintf("req-%d", r.seq)
	}
	for i := range request.Items {
		request.Items[i].ID = fmt.Sprintf("item-%d-%d", r.seq, i)
		request.Items[i].RequestID = request.ID
	}
	stored := *request
	storedItems := make([]models.ReimbursementItem, len(request.Items))
	copy(storedItems, request.Items)
	stored.Items = storedItems
	r.requests[request.ID] = &stored
	return nil
}

func (r *reimbursementRepoStub) GetByID(ctx context.Context, id string) (*models.ReimbursementRequest, error) {
	request, ok := r.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *request
	return &clone, nil
}

func (r *reimbursementRepoStub) List(ctx context.Context, filter models.ReimbursementFilter) ([]models.ReimbursementRequest, error) {
	r.filter = filter
	result := make([]models.ReimbursementRequest, 0, len(r.requests))
	for _, request := range r.requests {
		if filter.OwnerID != "" && request.UserID != filter.OwnerID {
			continue
		}
		result = append(result, *request)
	}
	return result, nil
}

func (r *reimbursementRepoStub) Delete(ctx context.Context, id string) error {
	if _, ok := r.requests[id]; !ok {
		return sql.ErrNoRows
	}
	delete(r.requests, id)
	return nil
}

func (r *reimbursementRepoStub) UpdateStatus(ctx context.Context, params repository.UpdateStatusParams) error {
	request, ok := r.requests[params.ID]
	if !ok || request.Status != params.Expected {
		return sql.ErrNoRows
	}
	request.Status = params.Next
	request.ProcessedBy = &params.ProcessedBy
	request.ProcessedAt = &params.ProcessedAt
	request.Notes = params.Notes
	return nil
}

func (r *reimbursementRepoStub) OverrideStatus(ctx context.Context, params repository.OverrideStatusParams) error {
	request, ok := r.requests[params.ID]
	if !ok {
		return sql.ErrNoRows
	}
	request.Status = params.Status
	request.ProcessedBy = &params.ProcessedBy
	request.ProcessedAt = &params.ProcessedAt
	request.Notes = params.Notes
	return nil
}

func (r *reimbursementRepoStub) AttachReceipt(ctx context.Context, requestID, itemID, reference string) error {
	request, ok := r.requests[requestID]
	if !ok || request.Status != models.StatusPending {
		return sql.ErrNoRows
	}
	for i := range request.Items {
		if request.Items[i].ID == itemID {
			request.Items[i].ReceiptReference = &reference
			return nil
		}
	}
	return sql.ErrNoRows
}

type auditTrailStub struct {
	logs []*models.AuditLog
}

func (a *auditTrailStub) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditTrailStub) actions() []string {
	actions := make([]string, len(a.logs))
	for i, log := range a.logs {
		actions[i] = log.Action
	}
	return actions
}

type eventRecorderStub struct {
	events []event.Event
}

func (e *eventRecorderStub) Publish(evt event.Event) {
	e.events = append(e.events, evt)
}

type receiptStoreStub struct {
	saved map[string][]byte
	fail  bool
}

func newReceiptStoreStub() *receiptStoreStub {
	return &receiptStoreStub{saved: make(map[string][]byte)}
}

func (s *receiptStoreStub) SaveStream(filename string, r io.Reader) (string, error) {
	if s.fail {
		return "", errors.New("disk full")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.saved[filename] = data
	return filename, nil
}

func (s *receiptStoreStub) Delete(filename string) error {
	delete(s.saved, filename)
	return nil
}

func (s *receiptStoreStub) Open(filename string) (*os.File, error) {
	if _, ok := s.saved[filename]; !ok {
		return nil, os.ErrNotExist
	}
	file, err := os.CreateTemp("", "receipt")
	if err != nil {
		return nil, err
	}
	if _, err := file.Write(s.saved[filename]); err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return file, nil
}

func adminClaims() *models.JWTClaims {
	return &models.JWTClaims{UserID: "admin-1", Role: models.RoleAdmin}
}

func employeeClaims(id string) *models.JWTClaims {
	return &models.JWTClaims{UserID: id, Role: models.RoleEmployee}
}

func sampleDrafts() []ledger.ItemDraft {
	date := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	return []ledger.ItemDraft{
		{Description: "Taxi to client", Category: "transport", Amount: 50000, ExpenseDate: date},
		{Description: "Team lunch", Category: "meals", Amount: 75000, ExpenseDate: date},
	}
}

func TestReimbursementServiceSubmit(t *testing.T) {
	repo := newReimbursementRepoStub()
	audit := &auditTrailStub{}
	events := &eventRecorderStub{}
	svc := NewReimbursementService(repo, audit, nil, WithEventPublisher(events))

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Client visit", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, request.Status)
	require.Equal(t, int64(125000), request.TotalAmount)
	require.Equal(t, "emp-1", request.UserID)
	require.Len(t, request.Items, 2)
	for _, item := range request.Items {
		// References are written only by the receipt upload flow.
		require.Nil(t, item.ReceiptReference)
	}

	require.Equal(t, []string{models.AuditActionReimbursementCreate}, audit.actions())
	require.Len(t, events.events, 1)
	require.Equal(t, event.TypeCreated, events.events[0].Type)
	require.Equal(t, request.ID, events.events[0].RequestID)
}

func TestReimbursementServiceSubmitRequiresItems(t *testing.T) {
	svc := NewReimbursementService(newReimbursementRepoStub(), nil, nil)

	_, err := svc.Submit(context.Background(), SubmitInput{Title: "Empty"}, employeeClaims("emp-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestReimbursementServiceSubmitRejectsBadItem(t *testing.T) {
	svc := NewReimbursementService(newReimbursementRepoStub(), nil, nil)

	drafts := sampleDrafts()
	drafts[1].Amount = -500
	_, err := svc.Submit(context.Background(), SubmitInput{Title: "Bad", Items: drafts}, employeeClaims("emp-1"))
	require.Error(t, err)
	require.Contains(t, appErrors.FromError(err).Message, "item 2")
}

func TestReimbursementServiceGetScoping(t *testing.T) {
	repo := newReimbursementRepoStub()
	svc := NewReimbursementService(repo, nil, nil)

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Mine", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)

	_, err = svc.Get(context.Background(), request.ID, employeeClaims("emp-2"))
	require.ErrorIs(t, err, appErrors.ErrForbidden)

	got, err := svc.Get(context.Background(), request.ID, adminClaims())
	require.NoError(t, err)
	require.Equal(t, request.ID, got.ID)
	require.Equal(t, int64(125000), got.TotalAmount)

	// A drifted stored total is corrected from the item sum on read.
	repo.requests[request.ID].TotalAmount = 1
	got, err = svc.Get(context.Background(), request.ID, adminClaims())
	require.NoError(t, err)
	require.Equal(t, int64(125000), got.TotalAmount)

	_, err = svc.Get(context.Background(), "missing", adminClaims())
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestReimbursementServiceListForcesOwnerScope(t *testing.T) {
	repo := newReimbursementRepoStub()
	svc := NewReimbursementService(repo, nil, nil)

	_, err := svc.List(context.Background(), dto.ReimbursementQuery{OwnerID: "emp-9"}, employeeClaims("emp-1"))
	require.NoError(t, err)
	require.Equal(t, "emp-1", repo.filter.OwnerID)

	_, err = svc.List(context.Background(), dto.ReimbursementQuery{OwnerID: "emp-9"}, adminClaims())
	require.NoError(t, err)
	require.Equal(t, "emp-9", repo.filter.OwnerID)
}

func TestReimbursementServiceListCorrectsDriftedTotals(t *testing.T) {
	repo := newReimbursementRepoStub()
	svc := NewReimbursementService(repo, nil, nil)

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)
	repo.requests[request.ID].TotalAmount = 1

	listed, err := svc.List(context.Background(), dto.ReimbursementQuery{}, employeeClaims("emp-1"))
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, int64(125000), listed[0].TotalAmount)
}

func TestReimbursementServiceApproveFlow(t *testing.T) {
	repo := newReimbursementRepoStub()
	audit := &auditTrailStub{}
	events := &eventRecorderStub{}
	svc := NewReimbursementService(repo, audit, nil, WithEventPublisher(events))

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)

	approved, err := svc.Transition(context.Background(), request.ID, models.ActionApprove, "looks good", adminClaims())
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, approved.Status)
	require.NotNil(t, approved.ProcessedBy)
	require.Equal(t, "admin-1", *approved.ProcessedBy)
	require.NotNil(t, approved.Notes)
	require.Equal(t, "looks good", *approved.Notes)

	paid, err := svc.Transition(context.Background(), request.ID, models.ActionMarkPaid, "", adminClaims())
	require.NoError(t, err)
	require.Equal(t, models.StatusPaid, paid.Status)

	require.Contains(t, audit.actions(), models.AuditActionReimbursementTransition)
	require.Equal(t, event.TypeChanged, events.events[len(events.events)-1].Type)
}

func TestReimbursementServiceRepeatedApproveConflicts(t *testing.T) {
	repo := newReimbursementRepoStub()
	svc := NewReimbursementService(repo, nil, nil)

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), request.ID, models.ActionApprove, "", adminClaims())
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), request.ID, models.ActionApprove, "", adminClaims())
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErr.Code)
	require.Contains(t, appErr.Message, string(models.StatusApproved))
}

func TestReimbursementServiceCompetingDecisionsElectOneWinner(t *testing.T) {
	repo := newReimbursementRepoStub()
	svc := NewReimbursementService(repo, nil, nil)

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)

	_, approveErr := svc.Transition(context.Background(), request.ID, models.ActionApprove, "", adminClaims())
	_, rejectErr := svc.Transition(context.Background(), request.ID, models.ActionReject, "", adminClaims())

	require.NoError(t, approveErr)
	require.Error(t, rejectErr)
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(rejectErr).Code)

	final, err := svc.Get(context.Background(), request.ID, adminClaims())
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, final.Status)
}

func TestReimbursementServicePayRequiresApproval(t *testing.T) {
	repo := newReimbursementRepoStub()
	svc := NewReimbursementService(repo, nil, nil)

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), request.ID, models.ActionMarkPaid, "", adminClaims())
	require.Error(t, err)
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestReimbursementServiceTransitionRequiresAdmin(t *testing.T) {
	repo := newReimbursementRepoStub()
	svc := NewReimbursementService(repo, nil, nil)

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)

	_, err = svc.Transition(context.Background(), request.ID, models.ActionApprove, "", employeeClaims("emp-1"))
	require.ErrorIs(t, err, appErrors.ErrForbidden)
}

func TestReimbursementServiceTransitionMissingRequest(t *testing.T) {
	svc := NewReimbursementService(newReimbursementRepoStub(), nil, nil)

	_, err := svc.Transition(context.Background(), "missing", models.ActionApprove, "", adminClaims())
	require.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestReimbursementServiceDeleteAdminOnly(t *testing.T) {
	repo := newReimbursementRepoStub()
	audit := &auditTrailStub{}
	events := &eventRecorderStub{}
	svc := NewReimbursementService(repo, audit, nil, WithEventPublisher(events))

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)

	require.ErrorIs(t, svc.Delete(context.Background(), request.ID, employeeClaims("emp-1")), appErrors.ErrForbidden)
	require.NoError(t, svc.Delete(context.Background(), request.ID, adminClaims()))
	require.ErrorIs(t, svc.Delete(context.Background(), request.ID, adminClaims()), appErrors.ErrNotFound)

	require.Contains(t, audit.actions(), models.AuditActionReimbursementDelete)
	require.Equal(t, event.TypeDeleted, events.events[len(events.events)-1].Type)
}

func TestReimbursementServiceOverride(t *testing.T) {
	repo := newReimbursementRepoStub()
	audit := &auditTrailStub{}
	svc := NewReimbursementService(repo, audit, nil, WithStatusOverride(true))

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)
	_, err = svc.Transition(context.Background(), request.ID, models.ActionApprove, "", adminClaims())
	require.NoError(t, err)

	// Back to pending, skipping the normal adjacency rules.
	fixed, err := svc.Override(context.Background(), request.ID, dto.OverrideStatusRequest{Status: models.StatusPending, Notes: "entry error"}, adminClaims())
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, fixed.Status)
	require.NotNil(t, fixed.Notes)
	require.Equal(t, "entry error", *fixed.Notes)
	require.Contains(t, audit.actions(), models.AuditActionReimbursementOverride)

	// A note-less override clears the stored note and the response agrees.
	cleared, err := svc.Override(context.Background(), request.ID, dto.OverrideStatusRequest{Status: models.StatusApproved}, adminClaims())
	require.NoError(t, err)
	require.Nil(t, cleared.Notes)
}

func TestReimbursementServiceOverrideDisabled(t *testing.T) {
	svc := NewReimbursementService(newReimbursementRepoStub(), nil, nil)

	_, err := svc.Override(context.Background(), "req-1", dto.OverrideStatusRequest{Status: models.StatusPaid}, adminClaims())
	require.Error(t, err)
	require.Equal(t, appErrors.ErrForbidden.Code, appErrors.FromError(err).Code)
}

func TestReimbursementServiceOverrideRejectsUnknownStatus(t *testing.T) {
	svc := NewReimbursementService(newReimbursementRepoStub(), nil, nil, WithStatusOverride(true))

	_, err := svc.Override(context.Background(), "req-1", dto.OverrideStatusRequest{Status: "archived"}, adminClaims())
	require.Error(t, err)
	require.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestReimbursementServiceAttachReceipt(t *testing.T) {
	repo := newReimbursementRepoStub()
	receipts := newReceiptStoreStub()
	audit := &auditTrailStub{}
	svc := NewReimbursementService(repo, audit, nil, WithReceiptStore(receipts))

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)
	itemID := request.Items[0].ID

	attachment, err := svc.AttachReceipt(context.Background(), request.ID, itemID, "taxi.pdf", bytes.NewReader([]byte("receipt")), employeeClaims("emp-1"))
	require.NoError(t, err)
	require.Equal(t, itemID, attachment.ItemID)
	require.NotEmpty(t, attachment.ReceiptReference)
	require.Contains(t, receipts.saved, attachment.ReceiptReference)
	require.Contains(t, audit.actions(), models.AuditActionReceiptAttach)
}

func TestReimbursementServiceAttachReceiptRejectsNonPending(t *testing.T) {
	repo := newReimbursementRepoStub()
	svc := NewReimbursementService(repo, nil, nil, WithReceiptStore(newReceiptStoreStub()))

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)
	_, err = svc.Transition(context.Background(), request.ID, models.ActionApprove, "", adminClaims())
	require.NoError(t, err)

	_, err = svc.AttachReceipt(context.Background(), request.ID, request.Items[0].ID, "taxi.pdf", bytes.NewReader(nil), employeeClaims("emp-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrInvalidTransition.Code, appErrors.FromError(err).Code)
}

func TestReimbursementServiceReceiptDownloadRoundtrip(t *testing.T) {
	repo := newReimbursementRepoStub()
	receipts := newReceiptStoreStub()
	signer := storage.NewSignedURLSigner("test-secret", time.Minute)
	svc := NewReimbursementService(repo, nil, nil,
		WithReceiptStore(receipts),
		WithReceiptSigner(signer, "/api/v1"))

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)
	itemID := request.Items[0].ID

	attachment, err := svc.AttachReceipt(context.Background(), request.ID, itemID, "taxi.pdf", bytes.NewReader([]byte("receipt")), employeeClaims("emp-1"))
	require.NoError(t, err)

	url, err := svc.ReceiptDownloadURL(context.Background(), request.ID, itemID, employeeClaims("emp-1"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(url, "/api/v1/receipts/"))

	token := strings.TrimPrefix(url, "/api/v1/receipts/")
	download, err := svc.OpenReceipt(context.Background(), token)
	require.NoError(t, err)
	defer download.File.Close()
	data, err := io.ReadAll(download.File)
	require.NoError(t, err)
	require.Equal(t, []byte("receipt"), data)
	require.Equal(t, filepath.Base(attachment.ReceiptReference), download.Filename)
}

func TestReimbursementServiceReceiptDownloadURLRequiresAttachment(t *testing.T) {
	repo := newReimbursementRepoStub()
	signer := storage.NewSignedURLSigner("test-secret", time.Minute)
	svc := NewReimbursementService(repo, nil, nil,
		WithReceiptStore(newReceiptStoreStub()),
		WithReceiptSigner(signer, "/api/v1"))

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)

	_, err = svc.ReceiptDownloadURL(context.Background(), request.ID, request.Items[0].ID, employeeClaims("emp-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestReimbursementServiceAttachReceiptStorageFailure(t *testing.T) {
	repo := newReimbursementRepoStub()
	receipts := newReceiptStoreStub()
	receipts.fail = true
	svc := NewReimbursementService(repo, nil, nil, WithReceiptStore(receipts))

	request, err := svc.Submit(context.Background(), SubmitInput{Title: "Trip", Items: sampleDrafts()}, employeeClaims("emp-1"))
	require.NoError(t, err)

	_, err = svc.AttachReceipt(context.Background(), request.ID, request.Items[0].ID, "taxi.pdf", bytes.NewReader([]byte("receipt")), employeeClaims("emp-1"))
	require.Error(t, err)
	require.Equal(t, appErrors.ErrStorageUnavailable.Code, appErrors.FromError(err).Code)

	// The request itself stays valid and pending.
	unchanged, err := svc.Get(context.Background(), request.ID, employeeClaims("emp-1"))
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, unchanged.Status)
	require.Nil(t, unchanged.Items[0].ReceiptReference)
}
