package ingest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/fjordbank/payguard/internal/settlement"
	"github.com/fjordbank/payguard/internal/validation"
)

// SettlementRequest is the upstream feed's submission payload.
type SettlementRequest struct {
	BusinessID       string `json:"businessId"`
	Version          int64  `json:"version"`
	PTS              string `json:"pts"`
	ProcessingEntity string `json:"processingEntity"`
	CounterpartyID   string `json:"counterpartyId"`
	ValueDate        string `json:"valueDate"`
	Currency         string `json:"currency"`
	Amount           string `json:"amount"`
	Direction        string `json:"direction"`
	SettlementType   string `json:"settlementType"`
	BusinessStatus   string `json:"businessStatus"`
}

// RecalculationRequest scopes an operator-triggered recalculation.
type RecalculationRequest struct {
	PTS              string `json:"pts"`
	ProcessingEntity string `json:"processingEntity"`
	CounterpartyID   string `json:"counterpartyId"`
	ValueDateFrom    string `json:"valueDateFrom"`
	ValueDateTo      string `json:"valueDateTo"`
	RequestedBy      string `json:"requestedBy"`
	Reason           string `json:"reason"`
}

// Handler exposes the write-path endpoints.
type Handler struct {
	pipeline  *Pipeline
	recalc    *Recalculator
	allowlist map[string]bool
}

// NewHandler creates the ingest handler. allowlist restricts accepted
// currencies; empty means any well-formed code.
func NewHandler(pipeline *Pipeline, recalc *Recalculator, allowlist map[string]bool) *Handler {
	return &Handler{pipeline: pipeline, recalc: recalc, allowlist: allowlist}
}

// Submit handles POST /v1/settlements. Returns 201 for a newly accepted
// version, 200 when the exact (businessId, version) was already ingested.
func (h *Handler) Submit(c *gin.Context) {
	var req SettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.Required("businessId", req.BusinessID),
		validation.Identifier("businessId", req.BusinessID),
		validation.PositiveVersion("version", req.Version),
		validation.Required("pts", req.PTS),
		validation.Identifier("pts", req.PTS),
		validation.Required("processingEntity", req.ProcessingEntity),
		validation.Identifier("processingEntity", req.ProcessingEntity),
		validation.Required("counterpartyId", req.CounterpartyID),
		validation.Identifier("counterpartyId", req.CounterpartyID),
		validation.Required("valueDate", req.ValueDate),
		validation.Date("valueDate", req.ValueDate),
		validation.Required("currency", req.Currency),
		validation.Currency("currency", req.Currency, h.allowlist),
		validation.Required("amount", req.Amount),
		validation.Amount("amount", req.Amount),
		validation.Required("direction", req.Direction),
		validation.OneOf("direction", req.Direction,
			string(settlement.DirectionPay), string(settlement.DirectionReceive)),
		validation.Required("settlementType", req.SettlementType),
		validation.OneOf("settlementType", req.SettlementType,
			string(settlement.TypeGross), string(settlement.TypeNet)),
		validation.Required("businessStatus", req.BusinessStatus),
		validation.OneOf("businessStatus", req.BusinessStatus,
			string(settlement.StatusPending), string(settlement.StatusInvalid),
			string(settlement.StatusVerified), string(settlement.StatusCancelled)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}

	amount, _ := decimal.NewFromString(req.Amount)
	s := &settlement.Settlement{
		BusinessID:       req.BusinessID,
		Version:          req.Version,
		PTS:              req.PTS,
		ProcessingEntity: req.ProcessingEntity,
		CounterpartyID:   req.CounterpartyID,
		ValueDate:        req.ValueDate,
		Currency:         req.Currency,
		Amount:           amount,
		Direction:        settlement.Direction(req.Direction),
		SettlementType:   settlement.SettlementType(req.SettlementType),
		BusinessStatus:   settlement.BusinessStatus(req.BusinessStatus),
	}

	res, err := h.pipeline.Ingest(c.Request.Context(), s)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "ingestion_failed",
			"message": "settlement could not be processed, retry later",
		})
		return
	}

	code := http.StatusCreated
	if res.Duplicate {
		code = http.StatusOK
	}
	c.JSON(code, gin.H{
		"refId":      res.RefID,
		"businessId": s.BusinessID,
		"version":    s.Version,
		"duplicate":  res.Duplicate,
	})
}

// Recalculate handles POST /v1/recalculations (admin). Returns 202 with the
// job id; the rescan runs in the background.
func (h *Handler) Recalculate(c *gin.Context) {
	var req RecalculationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if errs := validation.Validate(
		validation.Required("valueDateFrom", req.ValueDateFrom),
		validation.Date("valueDateFrom", req.ValueDateFrom),
		validation.Required("valueDateTo", req.ValueDateTo),
		validation.Date("valueDateTo", req.ValueDateTo),
		validation.Required("requestedBy", req.RequestedBy),
		validation.Identifier("requestedBy", req.RequestedBy),
		validation.Required("reason", req.Reason),
		validation.Identifier("pts", req.PTS),
		validation.Identifier("processingEntity", req.ProcessingEntity),
		validation.Identifier("counterpartyId", req.CounterpartyID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": errs})
		return
	}
	if req.ValueDateFrom > req.ValueDateTo {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed",
			"message": "valueDateFrom must not be after valueDateTo"})
		return
	}

	scope := settlement.GroupScope{
		PTS:              req.PTS,
		ProcessingEntity: req.ProcessingEntity,
		CounterpartyID:   req.CounterpartyID,
		ValueDateFrom:    req.ValueDateFrom,
		ValueDateTo:      req.ValueDateTo,
	}
	id := h.recalc.Start(c.Request.Context(), scope, req.RequestedBy, req.Reason)
	c.JSON(http.StatusAccepted, gin.H{"jobId": id})
}

// RecalculationStatus handles GET /v1/recalculations/:id (admin).
func (h *Handler) RecalculationStatus(c *gin.Context) {
	job, ok := h.recalc.Job(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job_not_found"})
		return
	}
	c.JSON(http.StatusOK, job)
}
