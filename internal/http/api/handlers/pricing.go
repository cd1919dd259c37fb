package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rephlo/metering/internal/models"
	"gorm.io/gorm"
)

// PricingHandler handles admin vendor-price endpoints.
type PricingHandler struct {
	db *gorm.DB
}

// NewPricingHandler constructs a PricingHandler.
func NewPricingHandler(db *gorm.DB) *PricingHandler {
	return &PricingHandler{db: db}
}

// History returns every price row for a provider/model pair, newest first.
// Price rows are append-only, so this is the full change history.
func (h *PricingHandler) History(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Query("provider")))
	model := strings.TrimSpace(c.Query("model"))
	if provider == "" || model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider and model are required"})
		return
	}

	var rows []models.VendorPrice
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("provider = ? AND model = ?", provider, model).
		Order("effective_from DESC, id DESC").
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query prices failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"prices": rows})
}

// priceRequest is the create-price payload.
type priceRequest struct {
	Provider string  `json:"provider" binding:"required"`
	Model    string  `json:"model" binding:"required"`
	Input1K  float64 `json:"input_per_1k"`
	Output1K float64 `json:"output_per_1k"`

	CacheRead1K  *float64 `json:"cache_read_per_1k"`
	CacheWrite1K *float64 `json:"cache_write_per_1k"`

	ContextThresholdTokens *int64   `json:"context_threshold_tokens"`
	HighInput1K            *float64 `json:"high_context_input_per_1k"`
	HighOutput1K           *float64 `json:"high_context_output_per_1k"`
	HighCacheRead1K        *float64 `json:"high_context_cache_read_per_1k"`
	HighCacheWrite1K       *float64 `json:"high_context_cache_write_per_1k"`

	EffectiveFrom string `json:"effective_from" binding:"required"`
}

// Create appends a new price row. Existing rows are never updated; a price
// change is a new row with a later effective date.
func (h *PricingHandler) Create(c *gin.Context) {
	var req priceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	effectiveFrom, err := parseDate(req.EffectiveFrom)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid effective_from"})
		return
	}
	if req.Input1K < 0 || req.Output1K < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prices must be non-negative"})
		return
	}

	row := models.VendorPrice{
		Provider:                   strings.ToLower(strings.TrimSpace(req.Provider)),
		Model:                      strings.TrimSpace(req.Model),
		InputPer1K:                 req.Input1K,
		OutputPer1K:                req.Output1K,
		CacheReadPer1K:             req.CacheRead1K,
		CacheWritePer1K:            req.CacheWrite1K,
		ContextThresholdTokens:     req.ContextThresholdTokens,
		HighContextInputPer1K:      req.HighInput1K,
		HighContextOutputPer1K:     req.HighOutput1K,
		HighContextCacheReadPer1K:  req.HighCacheRead1K,
		HighContextCacheWritePer1K: req.HighCacheWrite1K,
		EffectiveFrom:              effectiveFrom,
		IsActive:                   true,
	}
	if errCreate := h.db.WithContext(c.Request.Context()).Create(&row).Error; errCreate != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create price failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"price": row})
}
