// Package api registers the reporting HTTP routes: usage statistics,
// credit balances, and vendor price administration.
package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rephlo/metering/internal/config"
	"github.com/rephlo/metering/internal/credit"
	"github.com/rephlo/metering/internal/http/api/handlers"
	"github.com/rephlo/metering/internal/security"
	"gorm.io/gorm"
)

// RegisterRoutes registers the authenticated reporting routes.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, ledger *credit.Ledger, jwtCfg config.JWTConfig) {
	if r == nil || db == nil {
		return
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := r.Group("/api")
	authed.Use(userAuthMiddleware(jwtCfg))

	usageHandler := handlers.NewUsageHandler(db)
	authed.GET("/usage/stats", usageHandler.Stats)
	authed.GET("/usage/models", usageHandler.Models)
	authed.GET("/usage/records", usageHandler.Records)

	creditsHandler := handlers.NewCreditsHandler(db, ledger)
	authed.GET("/credits/balance", creditsHandler.Balance)
	authed.GET("/credits/entries", creditsHandler.Entries)

	admin := r.Group("/api/admin")
	admin.Use(adminAuthMiddleware(jwtCfg))

	pricingHandler := handlers.NewPricingHandler(db)
	admin.GET("/pricing/history", pricingHandler.History)
	admin.POST("/pricing", pricingHandler.Create)
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return ""
	}
	return strings.TrimSpace(token)
}

// userAuthMiddleware validates user JWTs and loads the user into context.
func userAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, errJWT := security.ParseToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("userID", claims.UserID)
		c.Next()
	}
}

// adminAuthMiddleware validates admin JWTs.
func adminAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("adminID", claims.AdminID)
		c.Next()
	}
}
