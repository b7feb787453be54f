package handler

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/reimburse-api/internal/dto"
	"github.com/noah-isme/reimburse-api/internal/ledger"
	"github.com/noah-isme/reimburse-api/internal/models"
	"github.com/noah-isme/reimburse-api/internal/service"
	appErrors "github.com/noah-isme/reimburse-api/pkg/errors"
	"github.com/noah-isme/reimburse-api/pkg/response"
)

const expenseDateLayout = "2006-01-02"

type reimbursementService interface {
	Submit(ctx context.Context, input service.SubmitInput, actor *models.JWTClaims) (*models.ReimbursementRequest, error)
	Get(ctx context.Context, id string, actor *models.JWTClaims) (*models.ReimbursementRequest, error)
	List(ctx context.Context, query dto.ReimbursementQuery, actor *models.JWTClaims) ([]models.ReimbursementRequest, error)
	Delete(ctx context.Context, id string, actor *models.JWTClaims) error
	Transition(ctx context.Context, id string, action models.ReimbursementAction, notes string, actor *models.JWTClaims) (*models.ReimbursementRequest, error)
	Override(ctx context.Context, id string, req dto.OverrideStatusRequest, actor *models.JWTClaims) (*models.ReimbursementRequest, error)
	AttachReceipt(ctx context.Context, requestID, itemID, filename string, file io.Reader, actor *models.JWTClaims) (*dto.ReceiptAttachment, error)
	ReceiptDownloadURL(ctx context.Context, requestID, itemID string, actor *models.JWTClaims) (string, error)
	OpenReceipt(ctx context.Context, token string) (*service.ReceiptDownload, error)
}

// ReceiptPolicy restricts uploaded receipt files.
type ReceiptPolicy struct {
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
}

// ReimbursementHandler exposes REST endpoints for the expense claim workflow.
type ReimbursementHandler struct {
	service  reimbursementService
	receipts ReceiptPolicy
}

// NewReimbursementHandler constructs the handler.
func NewReimbursementHandler(service reimbursementService, receipts ReceiptPolicy) *ReimbursementHandler {
	return &ReimbursementHandler{service: service, receipts: receipts}
}

// Create godoc
// @Summary Submit a reimbursement request
// @Tags Reimbursements
// @Accept json
// @Produce json
// @Param payload body dto.CreateReimbursementRequest true "Request payload"
// @Success 201 {object} response.Envelope
// @Router /reimbursements [post]
func (h *ReimbursementHandler) Create(c *gin.Context) {
	var req dto.CreateReimbursementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid reimbursement payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	drafts := make([]ledger.ItemDraft, len(req.Items))
	for i, item := range req.Items {
		expenseDate, err := time.Parse(expenseDateLayout, item.ExpenseDate)
		if err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "expense dates must use the YYYY-MM-DD format"))
			return
		}
		drafts[i] = ledger.ItemDraft{
			Description: item.Description,
			Category:    item.Category,
			Amount:      item.Amount,
			ExpenseDate: expenseDate,
		}
	}

	request, err := h.service.Submit(c.Request.Context(), service.SubmitInput{
		Title:       req.Title,
		Description: req.Description,
		Items:       drafts,
	}, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, request)
}

// Get godoc
// @Summary Fetch one reimbursement request with its items
// @Tags Reimbursements
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /reimbursements/{id} [get]
func (h *ReimbursementHandler) Get(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	request, err := h.service.Get(c.Request.Context(), c.Param("id"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// List godoc
// @Summary List reimbursement requests
// @Tags Reimbursements
// @Produce json
// @Param status query string false "Comma separated statuses"
// @Param owner query string false "Owner user ID (admins only)"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {object} response.Envelope
// @Router /reimbursements [get]
func (h *ReimbursementHandler) List(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	query := dto.ReimbursementQuery{
		OwnerID: strings.TrimSpace(c.Query("owner")),
	}
	if rawStatus := c.Query("status"); rawStatus != "" {
		parts := strings.Split(rawStatus, ",")
		statuses := make([]models.ReimbursementStatus, 0, len(parts))
		for _, part := range parts {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			status := models.ReimbursementStatus(part)
			if !status.Valid() {
				response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown status filter: "+part))
				return
			}
			statuses = append(statuses, status)
		}
		query.Status = statuses
	}
	if raw := c.Query("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			query.Limit = limit
		}
	}
	if raw := c.Query("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			query.Offset = offset
		}
	}

	requests, err := h.service.List(c.Request.Context(), query, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, requests, nil)
}

// Delete godoc
// @Summary Delete a reimbursement request and its items
// @Tags Reimbursements
// @Param id path string true "Request ID"
// @Success 204
// @Router /reimbursements/{id} [delete]
func (h *ReimbursementHandler) Delete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), claims); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Approve godoc
// @Summary Approve a pending request
// @Tags Reimbursements
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.TransitionRequest false "Optional note"
// @Success 200 {object} response.Envelope
// @Router /reimbursements/{id}/approve [post]
func (h *ReimbursementHandler) Approve(c *gin.Context) {
	h.transition(c, models.ActionApprove)
}

// Reject godoc
// @Summary Reject a pending request
// @Tags Reimbursements
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.TransitionRequest false "Optional note"
// @Success 200 {object} response.Envelope
// @Router /reimbursements/{id}/reject [post]
func (h *ReimbursementHandler) Reject(c *gin.Context) {
	h.transition(c, models.ActionReject)
}

// Pay godoc
// @Summary Mark an approved request as paid
// @Tags Reimbursements
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.TransitionRequest false "Optional note"
// @Success 200 {object} response.Envelope
// @Router /reimbursements/{id}/pay [post]
func (h *ReimbursementHandler) Pay(c *gin.Context) {
	h.transition(c, models.ActionMarkPaid)
}

func (h *ReimbursementHandler) transition(c *gin.Context, action models.ReimbursementAction) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.TransitionRequest
	if c.Request.Body != nil && c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid transition payload"))
			return
		}
	}
	request, err := h.service.Transition(c.Request.Context(), c.Param("id"), action, req.Notes, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// Override godoc
// @Summary Set a request to an arbitrary status
// @Tags Reimbursements
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.OverrideStatusRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Router /reimbursements/{id}/status [post]
func (h *ReimbursementHandler) Override(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	var req dto.OverrideStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid override payload"))
		return
	}
	request, err := h.service.Override(c.Request.Context(), c.Param("id"), req, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, request, nil)
}

// UploadReceipt godoc
// @Summary Attach a receipt file to a line item
// @Tags Reimbursements
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "Request ID"
// @Param itemId path string true "Item ID"
// @Param file formData file true "Receipt file"
// @Success 200 {object} response.Envelope
// @Router /reimbursements/{id}/items/{itemId}/receipt [post]
func (h *ReimbursementHandler) UploadReceipt(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "receipt file is required"))
		return
	}
	if h.receipts.MaxFileSizeBytes > 0 && fileHeader.Size > h.receipts.MaxFileSizeBytes {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "receipt file exceeds the size limit"))
		return
	}
	if len(h.receipts.AllowedMIMEs) > 0 {
		contentType := fileHeader.Header.Get("Content-Type")
		allowed := false
		for _, mime := range h.receipts.AllowedMIMEs {
			if strings.EqualFold(mime, contentType) {
				allowed = true
				break
			}
		}
		if !allowed {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unsupported receipt content type: "+contentType))
			return
		}
	}

	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unable to read receipt file"))
		return
	}
	defer src.Close()

	attachment, err := h.service.AttachReceipt(c.Request.Context(), c.Param("id"), c.Param("itemId"), fileHeader.Filename, src, claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, attachment, nil)
}

// ReceiptLink godoc
// @Summary Issue a signed download link for an item's receipt
// @Tags Reimbursements
// @Produce json
// @Param id path string true "Request ID"
// @Param itemId path string true "Item ID"
// @Success 200 {object} response.Envelope
// @Router /reimbursements/{id}/items/{itemId}/receipt [get]
func (h *ReimbursementHandler) ReceiptLink(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	url, err := h.service.ReceiptDownloadURL(c.Request.Context(), c.Param("id"), c.Param("itemId"), claims)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"download_url": url}, nil)
}

// DownloadReceipt godoc
// @Summary Stream a receipt via signed token
// @Tags Reimbursements
// @Produce application/octet-stream
// @Param token path string true "Signed token"
// @Success 200
// @Router /receipts/{token} [get]
func (h *ReimbursementHandler) DownloadReceipt(c *gin.Context) {
	token := c.Param("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	download, err := h.service.OpenReceipt(c.Request.Context(), token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close()

	c.Header("Content-Disposition", `attachment; filename="`+download.Filename+`"`)
	c.Header("Content-Type", "application/octet-stream")
	if _, err := io.Copy(c.Writer, download.File); err != nil {
		_ = c.Error(err)
	}
}
