package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mednotify/internal/config"
	"mednotify/internal/dispatcher"
	"mednotify/internal/metrics"
	"mednotify/internal/model"
)

// RetryStore is the slice of the retry repository the scheduler drives.
type RetryStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]model.RetryRecord, error)
	Claim(ctx context.Context, id string) (bool, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailedPermanently(ctx context.Context, id, lastError string) error
	Reschedule(ctx context.Context, id string, attempt int, nextAt time.Time, lastError string) error
}

// Resender re-runs a single channel send and resolves notification status.
// The dispatcher implements it.
type Resender interface {
	Attempt(ctx context.Context, n *model.Notification, ch model.Channel, retryCount int) dispatcher.AttemptResult
	Notification(ctx context.Context, id string) (*model.Notification, error)
	FinalizeAfterRetry(ctx context.Context, notificationID string, succeeded bool) error
}

// RetryScheduler polls for due retry records and re-drives their channel
// sends. Multiple instances may run concurrently; the claim transition in
// the store guarantees each record is processed by exactly one of them.
type RetryScheduler struct {
	store    RetryStore
	resender Resender
	cfg      config.RetryConfig
	logger   *zap.Logger
	now      func() time.Time
}

func New(store RetryStore, resender Resender, cfg config.RetryConfig, logger *zap.Logger) *RetryScheduler {
	return &RetryScheduler{
		store:    store,
		resender: resender,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Start blocks, running a cycle every poll interval until ctx is cancelled.
func (s *RetryScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Info("Retry scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("batch_size", s.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Retry scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunCycle(ctx); err != nil {
				s.logger.Error("Retry cycle failed", zap.Error(err))
			}
		}
	}
}

// RunCycle processes one batch of due records and returns how many were
// claimed. Also the admin force-process entry point.
func (s *RetryScheduler) RunCycle(ctx context.Context) (int, error) {
	metrics.RetryCycles.Inc()

	due, err := s.store.Due(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	claimed := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			return claimed, ctx.Err()
		}
		won, err := s.store.Claim(ctx, rec.ID)
		if err != nil {
			s.logger.Error("Failed to claim retry record",
				zap.String("retry_id", rec.ID), zap.Error(err))
			continue
		}
		if !won {
			// Another cycle got there first.
			continue
		}
		claimed++
		s.process(ctx, rec)
	}

	s.logger.Info("Retry cycle complete",
		zap.Int("due", len(due)),
		zap.Int("claimed", claimed),
	)
	return claimed, nil
}

func (s *RetryScheduler) process(ctx context.Context, rec model.RetryRecord) {
	n, err := s.resender.Notification(ctx, rec.NotificationID)
	if err != nil {
		// Leave the record claimed but reschedule so the work is not lost.
		s.logger.Error("Failed to load notification for retry",
			zap.String("retry_id", rec.ID),
			zap.String("notification_id", rec.NotificationID),
			zap.Error(err),
		)
		s.reschedule(ctx, rec, rec.AttemptNumber, err.Error())
		return
	}

	if n.Expired(s.now()) {
		if err := s.store.MarkFailedPermanently(ctx, rec.ID, "notification expired"); err != nil {
			s.logger.Error("Failed to expire retry record",
				zap.String("retry_id", rec.ID), zap.Error(err))
			return
		}
		metrics.RetriesProcessed.WithLabelValues(string(rec.Channel), "expired").Inc()
		s.finalize(ctx, rec.NotificationID, false)
		return
	}

	res := s.resender.Attempt(ctx, n, rec.Channel, rec.AttemptNumber)
	switch {
	case res.Success:
		if err := s.store.MarkSucceeded(ctx, rec.ID); err != nil {
			s.logger.Error("Failed to mark retry succeeded",
				zap.String("retry_id", rec.ID), zap.Error(err))
			return
		}
		metrics.RetriesProcessed.WithLabelValues(string(rec.Channel), "succeeded").Inc()
		s.logger.Info("Retry succeeded",
			zap.String("retry_id", rec.ID),
			zap.String("notification_id", rec.NotificationID),
			zap.String("channel", string(rec.Channel)),
			zap.Int("attempt", rec.AttemptNumber),
		)
		s.finalize(ctx, rec.NotificationID, true)

	case res.Deferred:
		// Recipient still has no live connection; try again later without
		// consuming an attempt.
		s.reschedule(ctx, rec, rec.AttemptNumber, "recipient offline")
		metrics.RetriesProcessed.WithLabelValues(string(rec.Channel), "deferred").Inc()

	case res.Permanent:
		lastErr := "permanent failure"
		if res.Err != nil {
			lastErr = res.Err.Error()
		}
		if err := s.store.MarkFailedPermanently(ctx, rec.ID, lastErr); err != nil {
			s.logger.Error("Failed to mark retry failed permanently",
				zap.String("retry_id", rec.ID), zap.Error(err))
			return
		}
		metrics.RetriesProcessed.WithLabelValues(string(rec.Channel), "failed_permanently").Inc()
		s.logger.Warn("Retry exhausted",
			zap.String("retry_id", rec.ID),
			zap.String("notification_id", rec.NotificationID),
			zap.String("channel", string(rec.Channel)),
			zap.Int("attempt", rec.AttemptNumber),
			zap.String("last_error", lastErr),
		)
		s.finalize(ctx, rec.NotificationID, false)

	default:
		// Transient failure below the ceiling: advance the attempt and back
		// off. The ceiling itself is enforced inside the attempt, which
		// reports Permanent once the next attempt would exceed it.
		lastErr := ""
		if res.Err != nil {
			lastErr = res.Err.Error()
		}
		s.reschedule(ctx, rec, rec.AttemptNumber+1, lastErr)
		metrics.RetriesProcessed.WithLabelValues(string(rec.Channel), "rescheduled").Inc()
	}
}

func (s *RetryScheduler) reschedule(ctx context.Context, rec model.RetryRecord, attempt int, lastErr string) {
	nextAt := s.now().Add(s.cfg.Backoff(attempt))
	if err := s.store.Reschedule(ctx, rec.ID, attempt, nextAt, lastErr); err != nil {
		s.logger.Error("Failed to reschedule retry",
			zap.String("retry_id", rec.ID), zap.Error(err))
	}
}

func (s *RetryScheduler) finalize(ctx context.Context, notificationID string, succeeded bool) {
	if err := s.resender.FinalizeAfterRetry(ctx, notificationID, succeeded); err != nil {
		s.logger.Error("Failed to roll up notification status",
			zap.String("notification_id", notificationID), zap.Error(err))
	}
}
