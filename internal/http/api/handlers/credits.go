package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rephlo/metering/internal/credit"
	"github.com/rephlo/metering/internal/models"
	"gorm.io/gorm"
)

// CreditsHandler handles balance and ledger endpoints.
type CreditsHandler struct {
	db     *gorm.DB
	ledger *credit.Ledger
}

// NewCreditsHandler constructs a CreditsHandler.
func NewCreditsHandler(db *gorm.DB, ledger *credit.Ledger) *CreditsHandler {
	return &CreditsHandler{db: db, ledger: ledger}
}

// balanceView is one balance row as reported to the client.
type balanceView struct {
	CreditType   models.CreditType `json:"credit_type"`
	TotalCredits int64             `json:"total_credits"`
	UsedCredits  int64             `json:"used_credits"`
	Remaining    int64             `json:"remaining"`
	PeriodStart  string            `json:"period_start"`
	PeriodEnd    string            `json:"period_end"`
}

// Balance returns the user's current balance rows and total remaining.
func (h *CreditsHandler) Balance(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	rows, err := h.ledger.Balances(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query balances failed"})
		return
	}

	var total int64
	views := make([]balanceView, 0, len(rows))
	for i := range rows {
		if !rows[i].IsCurrent {
			continue
		}
		total += rows[i].Remaining()
		views = append(views, balanceView{
			CreditType:   rows[i].CreditType,
			TotalCredits: rows[i].TotalCredits,
			UsedCredits:  rows[i].UsedCredits,
			Remaining:    rows[i].Remaining(),
			PeriodStart:  rows[i].PeriodStart.Format("2006-01-02"),
			PeriodEnd:    rows[i].PeriodEnd.Format("2006-01-02"),
		})
	}

	c.JSON(http.StatusOK, gin.H{"remaining": total, "balances": views})
}

// Entries returns the user's recent ledger entries, newest first.
func (h *CreditsHandler) Entries(c *gin.Context) {
	userID := getUserID(c)
	if userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	limit := 100
	var entries []models.CreditEntry
	if errFind := h.db.WithContext(c.Request.Context()).
		Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query entries failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}
