package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mednotify/internal/model"
)

// RetryRepository backs the retry scheduler. The schema carries a partial
// unique index on (notification_id, channel) WHERE status IN ('scheduled',
// 'in_progress'), which enforces the one-active-record invariant.
type RetryRepository struct {
	db *pgxpool.Pool
}

func NewRetryRepository(db *pgxpool.Pool) *RetryRepository {
	return &RetryRepository{db: db}
}

// Schedule inserts a retry record unless an active one already exists for
// the (notification, channel) pair. Returns false on the duplicate.
func (r *RetryRepository) Schedule(ctx context.Context, rec *model.RetryRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now()

	tag, err := r.db.Exec(ctx, `
		INSERT INTO notification_retries (
			id, notification_id, channel, attempt_number, next_retry_at,
			status, last_error, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, 'scheduled', $6, $7, $7)
		ON CONFLICT (notification_id, channel) WHERE status IN ('scheduled', 'in_progress')
		DO NOTHING
	`, rec.ID, rec.NotificationID, rec.Channel, rec.AttemptNumber, rec.NextRetryAt, rec.LastError, now)
	if err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Due returns scheduled records whose next_retry_at has passed, oldest first.
func (r *RetryRepository) Due(ctx context.Context, now time.Time, limit int) ([]model.RetryRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, notification_id, channel, attempt_number, next_retry_at,
		       status, last_error, created_at, updated_at
		FROM notification_retries
		WHERE status = 'scheduled' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due retries: %w", err)
	}
	defer rows.Close()

	var recs []model.RetryRecord
	for rows.Next() {
		var rec model.RetryRecord
		var lastErr *string
		if err := rows.Scan(
			&rec.ID, &rec.NotificationID, &rec.Channel, &rec.AttemptNumber,
			&rec.NextRetryAt, &rec.Status, &lastErr, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan retry record: %w", err)
		}
		if lastErr != nil {
			rec.LastError = *lastErr
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Claim is the atomic scheduled -> in_progress transition; the conditional
// UPDATE is the single concurrency guard between overlapping cycles. Exactly
// one caller wins per record.
func (r *RetryRepository) Claim(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE notification_retries
		SET status = 'in_progress', updated_at = NOW()
		WHERE id = $1 AND status = 'scheduled'
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to claim retry %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *RetryRepository) MarkSucceeded(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, model.RetrySucceeded, "")
}

func (r *RetryRepository) MarkFailedPermanently(ctx context.Context, id, lastError string) error {
	return r.setStatus(ctx, id, model.RetryFailedPermanently, lastError)
}

func (r *RetryRepository) setStatus(ctx context.Context, id string, status model.RetryStatus, lastError string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_retries
		SET status = $2, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`, id, status, lastError)
	if err != nil {
		return fmt.Errorf("failed to set retry status: %w", err)
	}
	return nil
}

// Reschedule puts a claimed record back to scheduled with the advanced
// attempt number and backoff deadline.
func (r *RetryRepository) Reschedule(ctx context.Context, id string, attempt int, nextAt time.Time, lastError string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notification_retries
		SET status = 'scheduled', attempt_number = $2, next_retry_at = $3,
		    last_error = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $1
	`, id, attempt, nextAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to reschedule retry: %w", err)
	}
	return nil
}

// CountActive returns how many (scheduled or in_progress) retries remain for
// a notification; zero drives the overall failed rollup.
func (r *RetryRepository) CountActive(ctx context.Context, notificationID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM notification_retries
		WHERE notification_id = $1 AND status IN ('scheduled', 'in_progress')
	`, notificationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active retries: %w", err)
	}
	return count, nil
}

func (r *RetryRepository) GetByID(ctx context.Context, id string) (*model.RetryRecord, error) {
	var rec model.RetryRecord
	var lastErr *string
	err := r.db.QueryRow(ctx, `
		SELECT id, notification_id, channel, attempt_number, next_retry_at,
		       status, last_error, created_at, updated_at
		FROM notification_retries
		WHERE id = $1
	`, id).Scan(
		&rec.ID, &rec.NotificationID, &rec.Channel, &rec.AttemptNumber,
		&rec.NextRetryAt, &rec.Status, &lastErr, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get retry record: %w", err)
	}
	if lastErr != nil {
		rec.LastError = *lastErr
	}
	return &rec, nil
}

// Stats aggregates retry records by channel and status for the admin surface.
func (r *RetryRepository) Stats(ctx context.Context, since time.Time) ([]model.RetryStats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT channel, status, COUNT(*), AVG(attempt_number)
		FROM notification_retries
		WHERE created_at >= $1
		GROUP BY channel, status
		ORDER BY channel, status
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry stats: %w", err)
	}
	defer rows.Close()

	var stats []model.RetryStats
	for rows.Next() {
		var s model.RetryStats
		if err := rows.Scan(&s.Channel, &s.Status, &s.Count, &s.AverageRetries); err != nil {
			return nil, fmt.Errorf("failed to scan retry stats: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes resolved retry records older than the cutoff. Janitorial
// only: notification state is untouched.
func (r *RetryRepository) Cleanup(ctx context.Context, olderThan time.Time, includeFailedPermanently bool) (int64, error) {
	statuses := []string{string(model.RetrySucceeded)}
	if includeFailedPermanently {
		statuses = append(statuses, string(model.RetryFailedPermanently))
	}

	tag, err := r.db.Exec(ctx, `
		DELETE FROM notification_retries
		WHERE created_at < $1 AND status = ANY($2)
	`, olderThan, statuses)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up retries: %w", err)
	}
	return tag.RowsAffected(), nil
}
