package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rephlo/metering/internal/models"
	"gorm.io/gorm"
)

// UsageHandler handles usage statistics endpoints.
type UsageHandler struct {
	db *gorm.DB
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(db *gorm.DB) *UsageHandler {
	return &UsageHandler{db: db}
}

// usageSummary aggregates usage over a window.
type usageSummary struct {
	TotalRequests     int64 `json:"total_requests"`
	TotalInputTokens  int64 `json:"total_input_tokens"`
	TotalOutputTokens int64 `json:"total_output_tokens"`
	EstimatedRequests int64 `json:"estimated_requests"`
	CostMicros        int64 `json:"cost_micros"`
	CreditsDeducted   int64 `json:"credits_deducted"`
}

// Stats returns usage summaries for recent time windows.
func (h *UsageHandler) Stats(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// Window boundaries in UTC, same as every stored timestamp.
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	periods := map[string]time.Time{
		"today":   today,
		"7_days":  today.AddDate(0, 0, -6),
		"30_days": today.AddDate(0, 0, -29),
	}

	result := make(map[string]usageSummary)
	for name, since := range periods {
		var summary usageSummary
		if errScan := h.db.WithContext(c.Request.Context()).Model(&models.UsageRecord{}).
			Where("user_id = ? AND requested_at >= ?", userID, since).
			Select("COUNT(*) AS total_requests," +
				" COALESCE(SUM(input_tokens), 0) AS total_input_tokens," +
				" COALESCE(SUM(output_tokens), 0) AS total_output_tokens," +
				" COALESCE(SUM(CASE WHEN estimated THEN 1 ELSE 0 END), 0) AS estimated_requests," +
				" COALESCE(SUM(vendor_cost_micros), 0) AS cost_micros," +
				" COALESCE(SUM(credits_deducted), 0) AS credits_deducted").
			Scan(&summary).Error; errScan != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "query usage failed"})
			return
		}
		result[name] = summary
	}

	c.JSON(http.StatusOK, result)
}

// modelSummary aggregates usage for one model.
type modelSummary struct {
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	TotalRequests   int64  `json:"total_requests"`
	TotalTokens     int64  `json:"total_tokens"`
	CostMicros      int64  `json:"cost_micros"`
	CreditsDeducted int64  `json:"credits_deducted"`
}

// Models returns per-model usage for the last 30 days.
func (h *UsageHandler) Models(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	since := time.Now().AddDate(0, 0, -30)
	var rows []modelSummary
	if errScan := h.db.WithContext(c.Request.Context()).Model(&models.UsageRecord{}).
		Where("user_id = ? AND requested_at >= ?", userID, since).
		Select("provider, model, COUNT(*) AS total_requests,"+
			" COALESCE(SUM(input_tokens + output_tokens), 0) AS total_tokens,"+
			" COALESCE(SUM(vendor_cost_micros), 0) AS cost_micros,"+
			" COALESCE(SUM(credits_deducted), 0) AS credits_deducted").
		Group("provider, model").
		Order("credits_deducted DESC").
		Scan(&rows).Error; errScan != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query usage failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"models": rows})
}

// Records returns the user's recent usage rows, newest first.
func (h *UsageHandler) Records(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := 50
	var rows []models.UsageRecord
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("requested_at DESC").
		Limit(limit).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query usage failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"records": rows})
}
