package approval

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/fjordbank/payguard/internal/validation"
)

// maxBulkItems bounds one bulk request.
const maxBulkItems = 500

// Handler exposes the release workflow endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates the approval handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type actionRequest struct {
	UserID  string `json:"userId"`
	Comment string `json:"comment"`
}

type bulkRequest struct {
	BusinessIDs []string `json:"businessIds"`
	UserID      string   `json:"userId"`
	Comment     string   `json:"comment"`
}

// RequestRelease handles POST /v1/settlements/:businessId/release-requests.
func (h *Handler) RequestRelease(c *gin.Context) {
	h.single(c, h.svc.RequestRelease, http.StatusCreated)
}

// Authorize handles POST /v1/settlements/:businessId/authorizations.
func (h *Handler) Authorize(c *gin.Context) {
	h.single(c, h.svc.Authorize, http.StatusOK)
}

// RequestReleaseBulk handles POST /v1/release-requests.
func (h *Handler) RequestReleaseBulk(c *gin.Context) {
	h.bulk(c, h.svc.RequestReleaseAll, http.StatusCreated)
}

// AuthorizeBulk handles POST /v1/authorizations.
func (h *Handler) AuthorizeBulk(c *gin.Context) {
	h.bulk(c, h.svc.AuthorizeAll, http.StatusOK)
}

func (h *Handler) single(c *gin.Context, op func(context.Context, string, string, string) (*Approval, error), okCode int) {
	businessID := c.Param("businessId")
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.Required("businessId", businessID),
		validation.Identifier("businessId", businessID),
		validation.Required("userId", req.UserID),
		validation.Identifier("userId", req.UserID),
		validation.Required("comment", req.Comment),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	a, err := op(c.Request.Context(), businessID, req.UserID, req.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(okCode, a)
}

// bulk handles the all-or-nothing batch endpoints. A single failing member
// fails the whole call; the error response names it.
func (h *Handler) bulk(c *gin.Context, op func(context.Context, []string, string, string) ([]*Approval, error), okCode int) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.Identifier("userId", req.UserID),
		validation.Required("comment", req.Comment),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	if len(req.BusinessIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed",
			"message": "businessIds must not be empty"})
		return
	}
	if len(req.BusinessIDs) > maxBulkItems {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed",
			"message": "too many businessIds in one request"})
		return
	}

	as, err := op(c.Request.Context(), req.BusinessIDs, req.UserID, req.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(okCode, gin.H{"approvals": as, "count": len(as)})
}

func writeError(c *gin.Context, err error) {
	resp := func(code int, errCode string) {
		body := gin.H{"error": errCode, "message": err.Error()}
		var ie *ItemError
		if errors.As(err, &ie) {
			body["businessId"] = ie.BusinessID
		}
		c.JSON(code, body)
	}

	switch {
	case errors.Is(err, ErrUnknownSettlement):
		resp(http.StatusNotFound, "settlement_not_found")
	case errors.Is(err, ErrNotEligible):
		resp(http.StatusUnprocessableEntity, "not_eligible")
	case errors.Is(err, ErrNotBlocked):
		resp(http.StatusUnprocessableEntity, "not_blocked")
	case errors.Is(err, ErrGroupMismatch):
		resp(http.StatusUnprocessableEntity, "group_mismatch")
	case errors.Is(err, ErrAlreadyRequested):
		resp(http.StatusConflict, "already_requested")
	case errors.Is(err, ErrNoRequest):
		resp(http.StatusConflict, "no_release_request")
	case errors.Is(err, ErrAlreadyAuthorized):
		resp(http.StatusConflict, "already_authorised")
	case errors.Is(err, ErrSelfApproval):
		resp(http.StatusForbidden, "self_approval_forbidden")
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
