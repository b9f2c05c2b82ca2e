package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"reflex-pvp/internal/models"
)

// CookieName is the session cookie checked before the Authorization header
const CookieName = "auth_token"

const (
	userIDKey = "user_id"
	walletKey = "wallet_address"
)

// AttachUser resolves the session from the auth cookie or a Bearer header.
// Requests without a valid token continue anonymously.
func AttachUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			c.Next()
			return
		}

		claims, err := ValidateToken(token)
		if err == nil {
			c.Set(userIDKey, claims.Subject)
			c.Set(walletKey, claims.Address)
		}

		c.Next()
	}
}

// AuthMiddleware rejects requests that AttachUser could not authenticate
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetUserID(c); !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Unauthorized",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	if cookie, err := c.Cookie(CookieName); err == nil && cookie != "" {
		return cookie
	}

	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}

// GetUserID retrieves the user ID from the context
func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(userIDKey)
	if !exists {
		return "", false
	}

	id, ok := userID.(string)
	return id, ok && id != ""
}

// GetWalletAddress retrieves the wallet address from the context
func GetWalletAddress(c *gin.Context) (string, bool) {
	addr, exists := c.Get(walletKey)
	if !exists {
		return "", false
	}

	address, ok := addr.(string)
	return address, ok && address != ""
}

// GetIdentity returns the authenticated caller
func GetIdentity(c *gin.Context) models.Identity {
	userID, _ := GetUserID(c)
	wallet, _ := GetWalletAddress(c)
	return models.Identity{UserID: userID, Wallet: wallet}
}
