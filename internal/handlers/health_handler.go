package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"reflex-pvp/internal/blockchain"
)

// Diagnoser reports the escrow bridge's view of the ledger
type Diagnoser interface {
	RunDiagnostics(ctx context.Context) *blockchain.DiagnosticResult
}

// HealthHandler reports dependency health. Nil dependencies are reported as disabled.
type HealthHandler struct {
	db       *gorm.DB
	redis    redis.UniversalClient
	diagnose Diagnoser
}

func NewHealthHandler(db *gorm.DB, redisClient redis.UniversalClient, diagnose Diagnoser) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient, diagnose: diagnose}
}

// RegisterRoutes mounts the health endpoints
func (h *HealthHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/health/solana", h.Solana)
}

// Health checks the database and redis
// GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	body := gin.H{"status": "ok", "db": "disabled", "redis": "disabled"}

	if h.db != nil {
		body["db"] = "ok"
		sqlDB, err := h.db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			body["db"] = "down"
			body["status"] = "error"
			status = http.StatusInternalServerError
		}
	}

	if h.redis != nil {
		body["redis"] = "ok"
		if err := h.redis.Ping(ctx).Err(); err != nil {
			body["redis"] = "down"
			body["status"] = "error"
			status = http.StatusInternalServerError
		}
	}

	c.JSON(status, body)
}

// Solana runs the escrow diagnostics
// GET /health/solana
func (h *HealthHandler) Solana(c *gin.Context) {
	if h.diagnose == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "escrow bridge disabled"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	result := h.diagnose.RunDiagnostics(ctx)
	status := http.StatusOK
	if !result.RPCConnected {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}
