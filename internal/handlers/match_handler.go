package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"reflex-pvp/internal/auth"
	"reflex-pvp/internal/events"
	"reflex-pvp/internal/models"
	"reflex-pvp/internal/services"
)

const (
	eventBufferSize   = 32
	heartbeatInterval = 25 * time.Second
)

// PlayerStatsReader serves match history and per-wallet statistics
type PlayerStatsReader interface {
	GetPlayerMatches(ctx context.Context, wallet string, limit, offset int) ([]*models.MatchRecord, error)
	GetMatchStatistics(ctx context.Context, wallet string) (*models.MatchStatistics, error)
}

type MatchHandler struct {
	orchestrator *services.MatchOrchestrator
	broadcaster  *events.Broadcaster
	stats        PlayerStatsReader
	logger       *zap.Logger
}

func NewMatchHandler(
	orchestrator *services.MatchOrchestrator,
	broadcaster *events.Broadcaster,
	stats PlayerStatsReader,
	logger *zap.Logger,
) *MatchHandler {
	return &MatchHandler{
		orchestrator: orchestrator,
		broadcaster:  broadcaster,
		stats:        stats,
		logger:       logger.Named("match_handler"),
	}
}

// RegisterRoutes mounts the matchmaking API on an authenticated group
func (h *MatchHandler) RegisterRoutes(rg *gin.RouterGroup) {
	mm := rg.Group("/matchmaking")
	mm.POST("/free-stake/claim", h.IssueClaim)
	mm.POST("/create", h.CreateMatch)
	mm.POST("/queue", h.JoinQueue)
	mm.DELETE("/queue", h.LeaveQueue)
	mm.GET("/events", h.StreamEvents)
	mm.GET("/history", h.GetHistory)
	mm.GET("/stats", h.GetStats)
	mm.GET("/:matchId", h.GetMatch)
	mm.POST("/:matchId/join", h.JoinMatch)
	mm.POST("/:matchId/finish", h.FinishMatch)
}

// IssueClaim issues a free-stake claim for the caller's wallet
// POST /api/matchmaking/free-stake/claim
func (h *MatchHandler) IssueClaim(c *gin.Context) {
	ticket, err := h.orchestrator.IssueFreeStakeClaim(auth.GetIdentity(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"claim": ticket})
}

// CreateMatch creates a match or replays the one bound to the idempotency key
// POST /api/matchmaking/create
func (h *MatchHandler) CreateMatch(c *gin.Context) {
	var req models.CreateMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.orchestrator.CreateMatch(c.Request.Context(), auth.GetIdentity(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// GetMatch returns a match with its audit log
// GET /api/matchmaking/:matchId
func (h *MatchHandler) GetMatch(c *gin.Context) {
	match, err := h.orchestrator.GetMatch(c.Request.Context(), c.Param("matchId"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"match": match})
}

// JoinMatch makes the caller the second player
// POST /api/matchmaking/:matchId/join
func (h *MatchHandler) JoinMatch(c *gin.Context) {
	var req models.JoinMatchRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.orchestrator.JoinMatch(c.Request.Context(), auth.GetIdentity(c), c.Param("matchId"), req.OnChain)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// FinishMatch records the winner and settles the escrow
// POST /api/matchmaking/:matchId/finish
func (h *MatchHandler) FinishMatch(c *gin.Context) {
	var req models.FinishMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "winner required"})
		return
	}

	result, err := h.orchestrator.FinishMatch(c.Request.Context(), auth.GetIdentity(c), c.Param("matchId"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// JoinQueue enters the ranked pool for a stake tier
// POST /api/matchmaking/queue
func (h *MatchHandler) JoinQueue(c *gin.Context) {
	var req models.QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := h.orchestrator.JoinQueue(c.Request.Context(), auth.GetIdentity(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, status)
}

// LeaveQueue leaves a stake tier
// DELETE /api/matchmaking/queue
func (h *MatchHandler) LeaveQueue(c *gin.Context) {
	var req models.QueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := h.orchestrator.LeaveQueue(c.Request.Context(), auth.GetIdentity(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// GetHistory lists the caller's recent matches
// GET /api/matchmaking/history
func (h *MatchHandler) GetHistory(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "match history requires the database store"})
		return
	}
	id := auth.GetIdentity(c)

	limit := 20
	offset := 0

	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	matches, err := h.stats.GetPlayerMatches(c.Request.Context(), id.Wallet, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get matches"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"matches": matches,
		"total":   len(matches),
	})
}

// GetStats returns the caller's settled match statistics
// GET /api/matchmaking/stats
func (h *MatchHandler) GetStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "statistics require the database store"})
		return
	}

	stats, err := h.stats.GetMatchStatistics(c.Request.Context(), auth.GetIdentity(c).Wallet)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get statistics"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// StreamEvents pushes the caller's match and queue events as server-sent events
// GET /api/matchmaking/events
func (h *MatchHandler) StreamEvents(c *gin.Context) {
	id := auth.GetIdentity(c)
	sub, unsubscribe := h.broadcaster.Subscribe(eventBufferSize, events.ForRecipients(id.UserID, id.Wallet))
	defer unsubscribe()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(event.Kind, event.Payload)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UnixMilli()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// writeError maps service errors onto HTTP statuses
func (h *MatchHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrMissingWallet):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrMatchNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrAlreadyJoined),
		errors.Is(err, services.ErrWinnerConflict),
		errors.Is(err, services.ErrMatchClosed):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case services.IsFreeStakeError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrInvalidStake),
		errors.Is(err, services.ErrMissingIdempotencyKey),
		errors.Is(err, services.ErrMissingClaim),
		errors.Is(err, services.ErrSelfJoin),
		errors.Is(err, services.ErrMatchNotActive),
		errors.Is(err, services.ErrInvalidWinner),
		errors.Is(err, services.ErrInvalidReaction):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrSettlementFailed):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   services.ErrSettlementFailed.Error(),
			"details": err.Error(),
		})
	case errors.Is(err, services.ErrOnChainNotConfigured),
		errors.Is(err, services.ErrQueueUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("unhandled match error", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

// bindOptionalJSON binds the body when one was sent
func bindOptionalJSON(c *gin.Context, obj interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	err := c.ShouldBindJSON(obj)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
