package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"reflex-pvp/internal/services"
)

// StaleReconciler expires matches stuck past their deadlines
type StaleReconciler interface {
	ReconcileStale(ctx context.Context) (*services.ReconcileResult, error)
}

// MatchReconciler periodically cancels unjoined matches and refunds abandoned ones
type MatchReconciler struct {
	orchestrator StaleReconciler
	interval     time.Duration
	timeout      time.Duration
	logger       *zap.Logger
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewMatchReconciler creates a new reconciliation job
func NewMatchReconciler(orchestrator StaleReconciler, interval time.Duration, logger *zap.Logger) *MatchReconciler {
	return &MatchReconciler{
		orchestrator: orchestrator,
		interval:     interval,
		timeout:      interval,
		logger:       logger.Named("reconciler"),
		stopChan:     make(chan struct{}),
	}
}

// Start runs the reconciliation loop until ctx is done or Stop is called
func (mr *MatchReconciler) Start(ctx context.Context) {
	mr.logger.Info("starting match reconciliation job", zap.Duration("interval", mr.interval))

	ticker := time.NewTicker(mr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mr.RunOnce(ctx)
		case <-ctx.Done():
			mr.logger.Info("stopping match reconciliation job")
			return
		case <-mr.stopChan:
			mr.logger.Info("stopping match reconciliation job")
			return
		}
	}
}

// Stop stops the reconciliation loop
func (mr *MatchReconciler) Stop() {
	mr.stopOnce.Do(func() { close(mr.stopChan) })
}

// RunOnce performs a single reconciliation pass
func (mr *MatchReconciler) RunOnce(ctx context.Context) *services.ReconcileResult {
	passCtx, cancel := context.WithTimeout(ctx, mr.timeout)
	defer cancel()

	result, err := mr.orchestrator.ReconcileStale(passCtx)
	if err != nil {
		mr.logger.Error("reconciliation pass failed", zap.Error(err))
		return nil
	}
	if result.Failed > 0 {
		mr.logger.Warn("some stale matches could not be expired", zap.Int("failed", result.Failed))
	}
	return result
}
