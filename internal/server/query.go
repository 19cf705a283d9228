package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/fjordbank/payguard/internal/logging"
	"github.com/fjordbank/payguard/internal/settlement"
	"github.com/fjordbank/payguard/internal/validation"
)

// getSettlement returns the latest version of a settlement together with its
// group exposure, the applicable limit, the approval record, and the derived
// release status.
func (s *Server) getSettlement(c *gin.Context) {
	ctx := c.Request.Context()
	businessID := c.Param("businessId")
	if !validation.IsValidIdentifier(businessID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_business_id"})
		return
	}

	latest, err := s.settlements.LatestSettlement(ctx, businessID, c.Query("pts"), c.Query("processingEntity"))
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "settlement_not_found"})
			return
		}
		logging.L(ctx).Error("settlement lookup failed", "business_id", businessID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	st, err := s.approvalSvc.Status(ctx, latest)
	if err != nil {
		logging.L(ctx).Error("status derivation failed", "business_id", businessID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	resp := gin.H{
		"settlement": latest,
		"status":     st,
		"limitUsd":   s.limits.Limit(latest.CounterpartyID),
	}
	if rt, err := s.settlements.GetRunningTotal(ctx, latest.Group()); err == nil {
		resp["groupExposure"] = rt
	}
	if a, err := s.approvals.Get(ctx, latest.BusinessID, latest.Version); err == nil {
		resp["approval"] = a
	}
	c.JSON(http.StatusOK, resp)
}

// getVersions lists the stored versions of a settlement, newest first.
func (s *Server) getVersions(c *gin.Context) {
	ctx := c.Request.Context()
	businessID := c.Param("businessId")
	if !validation.IsValidIdentifier(businessID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_business_id"})
		return
	}

	rows, err := s.settlements.ListVersions(ctx, businessID, queryLimit(c, 100))
	if err != nil {
		logging.L(ctx).Error("version listing failed", "business_id", businessID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if len(rows) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "settlement_not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": rows, "count": len(rows)})
}

// getGroup returns the running total for one exposure group and whether it
// breaches the applicable limit.
func (s *Server) getGroup(c *gin.Context) {
	ctx := c.Request.Context()
	g := settlement.GroupKey{
		PTS:              c.Param("pts"),
		ProcessingEntity: c.Param("entity"),
		CounterpartyID:   c.Param("counterparty"),
		ValueDate:        c.Param("valueDate"),
	}
	if !validation.IsValidDate(g.ValueDate) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_value_date"})
		return
	}

	rt, err := s.settlements.GetRunningTotal(ctx, g)
	if err != nil {
		if errors.Is(err, settlement.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group_not_found"})
			return
		}
		logging.L(ctx).Error("group lookup failed", "group", g.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	limit := s.limits.Limit(g.CounterpartyID)
	c.JSON(http.StatusOK, gin.H{
		"group":    rt,
		"limitUsd": limit,
		"breached": rt.TotalUSD.GreaterThan(limit),
	})
}

// listGroups returns the known exposure groups with their running totals,
// limits, and breach flags. Optional query parameters narrow the scope.
func (s *Server) listGroups(c *gin.Context) {
	ctx := c.Request.Context()
	sc := settlement.GroupScope{
		PTS:              c.Query("pts"),
		ProcessingEntity: c.Query("processingEntity"),
		CounterpartyID:   c.Query("counterparty"),
		ValueDateFrom:    c.Query("from"),
		ValueDateTo:      c.Query("to"),
	}
	for _, d := range []string{sc.ValueDateFrom, sc.ValueDateTo} {
		if d != "" && !validation.IsValidDate(d) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_value_date"})
			return
		}
	}

	keys, err := s.settlements.ListGroups(ctx, sc)
	if err != nil {
		logging.L(ctx).Error("group listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	groups := make([]gin.H, 0, len(keys))
	for _, g := range keys {
		rt, err := s.settlements.GetRunningTotal(ctx, g)
		if err != nil {
			continue
		}
		limit := s.limits.Limit(g.CounterpartyID)
		groups = append(groups, gin.H{
			"group":    rt,
			"limitUsd": limit,
			"breached": rt.TotalUSD.GreaterThan(limit),
		})
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "count": len(groups)})
}

// getActivity returns the audit trail of one settlement.
func (s *Server) getActivity(c *gin.Context) {
	ctx := c.Request.Context()
	businessID := c.Param("businessId")
	if !validation.IsValidIdentifier(businessID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_business_id"})
		return
	}

	entries, err := s.activity.ListByBusinessID(ctx, businessID, queryLimit(c, 200))
	if err != nil {
		logging.L(ctx).Error("activity lookup failed", "business_id", businessID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries, "count": len(entries)})
}

// getRecentActivity returns the most recent audit entries across all
// settlements.
func (s *Server) getRecentActivity(c *gin.Context) {
	ctx := c.Request.Context()
	entries, err := s.activity.ListRecent(ctx, queryLimit(c, 100))
	if err != nil {
		logging.L(ctx).Error("activity feed failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries, "count": len(entries)})
}

// queryLimit parses ?limit= with a default and a hard cap.
func queryLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}
