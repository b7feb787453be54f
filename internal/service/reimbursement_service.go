package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/event"
	"github.com/noah-isme/reimburse-api/internal/ledger"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/repository"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
	"github.com/noah-isme/reimburse-api/pkg/storage"
)

type reimbursementStore interface {
	Create(ctx context.Context, request *models.ReimbursementRequest) error
	GetByID(ctx context.Context, id string) (*models.ReimbursementRequest, error)
	List(ctx context.Context, filter models.ReimbursementFilter) ([]models.ReimbursementRequest, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, params repository.UpdateStatusParams) error
	OverrideStatus(ctx context.Context, params repository.OverrideStatusParams) error
	AttachReceipt(ctx context.Context, requestID, itemID, reference string) error
}

type auditLogger interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type receiptStore interface {
	SaveStream(filename string, r io.Reader) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
}

type eventPublisher interface {
	Publish(evt event.Event)
}

type transition struct {
	from models.ReimbursementStatus
	to   models.ReimbursementStatus
}

// transitions is the full adjacency of the workflow. Anything absent here is
// rejected without touching the store.
var transitions = map[models.ReimbursementAction]transition{
	models.ActionApprove:  {from: models.StatusPending, to: models.StatusApproved},
	models.ActionReject:   {from: models.StatusPending, to: models.StatusRejected},
	models.ActionMarkPaid: {from: models.StatusApproved, to: models.StatusPaid},
}

// SubmitInput is a validated-at-the-boundary submission. Item dates are
// already parsed; the service owns the business rules.
type SubmitInput struct {
	Title       string
	Description string
	Items       []ledger.ItemDraft
}

// ReimbursementService orchestrates the expense claim workflow.
type ReimbursementService struct {
	repo           reimbursementStore
	audit          auditLogger
	receipts       receiptStore
	signer         *storage.SignedURLSigner
	apiPrefix      string
	events         eventPublisher
	logger         *zap.Logger
	enableOverride bool
}

// ReimbursementServiceOption configures the service.
type ReimbursementServiceOption func(*ReimbursementService)

// WithReceiptStore wires the receipt file store.
func WithReceiptStore(store receiptStore) ReimbursementServiceOption {
	return func(s *ReimbursementService) { s.receipts = store }
}

// WithEventPublisher wires the change notification bus.
func WithEventPublisher(publisher eventPublisher) ReimbursementServiceOption {
	return func(s *ReimbursementService) { s.events = publisher }
}

// WithReceiptSigner wires the signed download link generator. The prefix is
// prepended to generated download paths.
func WithReceiptSigner(signer *storage.SignedURLSigner, apiPrefix string) ReimbursementServiceOption {
	return func(s *ReimbursementService) {
		s.signer = signer
		s.apiPrefix = apiPrefix
	}
}

// WithStatusOverride toggles the administrative override endpoint.
func WithStatusOverride(enabled bool) ReimbursementServiceOption {
	return func(s *ReimbursementService) { s.enableOverride = enabled }
}

// NewReimbursementService constructs the service with defaults.
func NewReimbursementService(repo reimbursementStore, audit auditLogger, logger *zap.Logger, opts ...ReimbursementServiceOption) *ReimbursementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ReimbursementService{
		repo:   repo,
		audit:  audit,
		logger: logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Submit validates the line items, derives the total and stores the request
// as pending on behalf of the actor.
func (s *ReimbursementService) Submit(ctx context.Context, input SubmitInput, actor *models.JWTClaims) (*models.ReimbursementRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if input.Title == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "title is required")
	}
	if err := ledger.ValidateDrafts(input.Items); err != nil {
		return nil, err
	}

	request := &models.ReimbursementRequest{
		UserID:      actor.UserID,
		Title:       input.Title,
		Description: input.Description,
		TotalAmount: ledger.TotalDrafts(input.Items),
		Status:      models.StatusPending,
		SubmittedAt: time.Now().UTC(),
		Items:       make([]models.ReimbursementItem, len(input.Items)),
	}
	for i, draft := range input.Items {
		request.Items[i] = models.ReimbursementItem{
			Description: draft.Description,
			Category:    draft.Category,
			Amount:      draft.Amount,
			ExpenseDate: draft.ExpenseDate,
			Position:    i,
		}
	}

	if err := s.repo.Create(ctx, request); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to store reimbursement request")
	}

	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionReimbursementCreate,
		Resource:   "reimbursement",
		ResourceID: &request.ID,
		NewValues:  marshalValues(map[string]interface{}{"status": request.Status, "total_amount": request.TotalAmount}),
	})
	s.publish(event.Event{Type: event.TypeCreated, RequestID: request.ID, OwnerID: request.UserID, Status: request.Status, At: request.SubmittedAt})
	return request, nil
}

// Get returns a request enforcing ownership scope.
func (s *ReimbursementService) Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.ReimbursementRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to load reimbursement request")
	}
	if !actor.IsAdmin() && request.UserID != actor.UserID {
		return nil, appErrors.ErrForbidden
	}
	// Serve the sum of the loaded items rather than the stored column so a
	// drifted total never reaches a client.
	request.TotalAmount = ledger.Total(request.Items)
	return request, nil
}

// List returns requests visible to the actor. Employees only see their own
// submissions regardless of the requested owner filter.
func (s *ReimbursementService) List(ctx context.Context, query dto.ReimbursementQuery, actor *models.JWTClaims) ([]models.ReimbursementRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	filter := models.ReimbursementFilter{
		Status:  query.Status,
		OwnerID: query.OwnerID,
		Limit:   query.Limit,
		Offset:  query.Offset,
	}
	if !actor.IsAdmin() {
		filter.OwnerID = actor.UserID
	}
	requests, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to list reimbursement requests")
	}
	for i := range requests {
		// Same drift guard as Get: totals are served from the item sum.
		requests[i].TotalAmount = ledger.Total(requests[i].Items)
	}
	return requests, nil
}

// Delete removes a request and its items. Administrators only.
func (s *ReimbursementService) Delete(ctx context.Context, id string, actor *models.JWTClaims) error {
	if actor == nil {
		return appErrors.ErrUnauthorized
	}
	if !actor.IsAdmin() {
		return appErrors.ErrForbidden
	}
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to load reimbursement request")
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to delete reimbursement request")
	}

	// Receipt files are orphaned once the rows are gone; removal is best effort.
	if s.receipts != nil {
		for _, item := range request.Items {
			if item.ReceiptReference == nil {
				continue
			}
			if err := s.receipts.Delete(*item.ReceiptReference); err != nil {
				s.logger.Warn("failed to remove receipt file", zap.String("reference", *item.ReceiptReference), zap.Error(err))
			}
		}
	}

	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionReimbursementDelete,
		Resource:   "reimbursement",
		ResourceID: &id,
		OldValues:  marshalValues(map[string]interface{}{"status": request.Status, "total_amount": request.TotalAmount}),
	})
	s.publish(event.Event{Type: event.TypeDeleted, RequestID: id, OwnerID: request.UserID, Status: request.Status, At: time.Now().UTC()})
	return nil
}

// Transition applies approve, reject or pay. The source state is guarded at
// the store so concurrent decisions elect exactly one winner; the loser gets
// a conflict naming the state the request actually holds.
func (s *ReimbursementService) Transition(ctx context.Context, id string, action models.ReimbursementAction, notes string, actor *models.JWTClaims) (*models.ReimbursementRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.IsAdmin() {
		return nil, appErrors.ErrForbidden
	}
	step, ok := transitions[action]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown action: %s", action))
	}

	now := time.Now().UTC()
	params := repository.UpdateStatusParams{
		ID:          id,
		Expected:    step.from,
		Next:        step.to,
		ProcessedBy: actor.UserID,
		ProcessedAt: now,
		Notes:       optionalNote(notes),
	}
	if err := s.repo.UpdateStatus(ctx, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.explainLostTransition(ctx, id, action, step)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to update request status")
	}

	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to reload reimbursement request")
	}

	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionReimbursementTransition,
		Resource:   "reimbursement",
		ResourceID: &id,
		OldValues:  marshalValues(map[string]interface{}{"status": step.from}),
		NewValues:  marshalValues(map[string]interface{}{"status": step.to, "action": action}),
	})
	s.publish(event.Event{Type: event.TypeChanged, RequestID: id, OwnerID: request.UserID, Status: request.Status, At: now})
	return request, nil
}

// explainLostTransition distinguishes a missing request from a guard failure
// after a zero-row status update.
func (s *ReimbursementService) explainLostTransition(ctx context.Context, id string, action models.ReimbursementAction, step transition) error {
	request, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to load reimbursement request")
	}
	return appErrors.Clone(appErrors.ErrInvalidTransition,
		fmt.Sprintf("cannot %s a request in status %q, expected %q", action, request.Status, step.from))
}

// Override sets an arbitrary status without adjacency checks. Gated by
// configuration and audited separately from normal transitions.
func (s *ReimbursementService) Override(ctx context.Context, id string, req dto.OverrideStatusRequest, actor *models.JWTClaims) (*models.ReimbursementRequest, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	if !actor.IsAdmin() {
		return nil, appErrors.ErrForbidden
	}
	if !s.enableOverride {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "status override is disabled")
	}
	if !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status: %s", req.Status))
	}

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to load reimbursement request")
	}

	now := time.Now().UTC()
	params := repository.OverrideStatusParams{
		ID:          id,
		Status:      req.Status,
		ProcessedBy: actor.UserID,
		ProcessedAt: now,
		Notes:       optionalNote(req.Notes),
	}
	if err := s.repo.OverrideStatus(ctx, params); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to override request status")
	}

	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionReimbursementOverride,
		Resource:   "reimbursement",
		ResourceID: &id,
		OldValues:  marshalValues(map[string]interface{}{"status": current.Status}),
		NewValues:  marshalValues(map[string]interface{}{"status": req.Status}),
	})
	s.publish(event.Event{Type: event.TypeChanged, RequestID: id, OwnerID: current.UserID, Status: req.Status, At: now})

	current.Status = req.Status
	current.ProcessedAt = &now
	current.ProcessedBy = &actor.UserID
	// Mirror what the repository wrote: an empty note clears the column.
	current.Notes = optionalNote(req.Notes)
	return current, nil
}

// AttachReceipt stores the uploaded file and records its reference on the
// item. The request must still be pending; a storage failure leaves the
// request untouched.
func (s *ReimbursementService) AttachReceipt(ctx context.Context, requestID, itemID, filename string, file io.Reader, actor *models.JWTClaims) (*dto.ReceiptAttachment, error) {
	if actor == nil {
		return nil, appErrors.ErrUnauthorized
	}
	request, err := s.Get(ctx, requestID, actor)
	if err != nil {
		return nil, err
	}
	if request.Status != models.StatusPending {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("receipts can only be attached while pending, request is %q", request.Status))
	}
	if s.receipts == nil {
		return nil, appErrors.Clone(appErrors.ErrStorageUnavailable, "receipt storage is not configured")
	}

	reference := filepath.Join(requestID, itemID+filepath.Ext(filename))
	if _, err := s.receipts.SaveStream(reference, file); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to store receipt file")
	}

	if err := s.repo.AttachReceipt(ctx, requestID, itemID, reference); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Either the item is unknown or the request left pending while
			// the file was being written.
			return nil, appErrors.Clone(appErrors.ErrConflict, "item not found or request no longer pending")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrStorageUnavailable.Code, appErrors.ErrStorageUnavailable.Status, "failed to record receipt reference")
	}

	s.emitAudit(ctx, &models.AuditLog{
		UserID:     &actor.UserID,
		Action:     models.AuditActionReceiptAttach,
		Resource:   "reimbursement_item",
		ResourceID: &itemID,
		NewValues:  marshalValues(map[string]interface{}{"receipt_reference": reference}),
	})
	return &dto.ReceiptAttachment{ItemID: itemID, ReceiptReference: reference}, nil
}

// ReceiptDownload is an open receipt file ready for streaming.
type ReceiptDownload struct {
	File     *os.File
	Filename string
}

// ReceiptDownloadURL issues a short-lived signed link for an item's receipt.
func (s *ReimbursementService) ReceiptDownloadURL(ctx context.Context, requestID, itemID string, actor *models.JWTClaims) (string, error) {
	if s.signer == nil {
		return "", appErrors.Clone(appErrors.ErrStorageUnavailable, "receipt downloads are not configured")
	}
	request, err := s.Get(ctx, requestID, actor)
	if err != nil {
		return "", err
	}
	var reference string
	for _, item := range request.Items {
		if item.ID == itemID {
			if item.ReceiptReference == nil {
				return "", appErrors.Clone(appErrors.ErrNotFound, "item has no receipt attached")
			}
			reference = *item.ReceiptReference
			break
		}
	}
	if reference == "" {
		return "", appErrors.Clone(appErrors.ErrNotFound, "item not found")
	}

	token, _, err := s.signer.Generate(itemID, reference)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign receipt link")
	}
	prefix := strings.TrimRight(s.apiPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}
	return fmt.Sprintf("%s/receipts/%s", prefix, token), nil
}

// OpenReceipt validates a signed token and opens the referenced file.
func (s *ReimbursementService) OpenReceipt(ctx context.Context, token string) (*ReceiptDownload, error) {
	if s.signer == nil || s.receipts == nil {
		return nil, appErrors.Clone(appErrors.ErrStorageUnavailable, "receipt downloads are not configured")
	}
	_, reference, _, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid or expired receipt link")
	}
	file, err := s.receipts.Open(reference)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "receipt file not found")
	}
	return &ReceiptDownload{File: file, Filename: filepath.Base(reference)}, nil
}

func (s *ReimbursementService) emitAudit(ctx context.Context, log *models.AuditLog) {
	if s.audit == nil || log == nil {
		return
	}
	if err := s.audit.CreateAuditLog(ctx, log); err != nil {
		s.logger.Warn("failed to write audit log", zap.String("action", log.Action), zap.Error(err))
	}
}

func (s *ReimbursementService) publish(evt event.Event) {
	if s.events == nil {
		return
	}
	s.events.Publish(evt)
}

func optionalNote(notes string) *string {
	if notes == "" {
		return nil
	}
	return &notes
}

func marshalValues(values map[string]interface{}) []byte {
	raw, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return raw
}
