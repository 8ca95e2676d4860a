package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"mednotify/internal/model"
)

// DeliveryLogRepository is append-only: entries are never updated, each
// attempt (including retries) adds a new row.
type DeliveryLogRepository struct {
	db *pgxpool.Pool
}

func NewDeliveryLogRepository(db *pgxpool.Pool) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db}
}

func (r *DeliveryLogRepository) Append(ctx context.Context, e *model.DeliveryLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO notification_delivery_log (
			id, notification_id, channel, status, provider, provider_response,
			error_message, retry_count, sent_at, delivered_at, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		e.ID, e.NotificationID, e.Channel, e.Status, e.Provider, e.ProviderResponse,
		e.ErrorMessage, e.RetryCount, e.SentAt, e.DeliveredAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append delivery log entry: %w", err)
	}
	return nil
}

// HasSuccess reports whether any channel succeeded for the notification,
// which makes the overall status sticky-sent.
func (r *DeliveryLogRepository) HasSuccess(ctx context.Context, notificationID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_delivery_log
			WHERE notification_id = $1 AND status IN ('sent', 'delivered')
		)
	`, notificationID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check delivery success: %w", err)
	}
	return exists, nil
}

func (r *DeliveryLogRepository) ListByNotification(ctx context.Context, notificationID string) ([]model.DeliveryLogEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, notification_id, channel, status, provider, provider_response,
		       error_message, retry_count, sent_at, delivered_at, created_at
		FROM notification_delivery_log
		WHERE notification_id = $1
		ORDER BY created_at ASC
	`, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery log: %w", err)
	}
	defer rows.Close()

	var entries []model.DeliveryLogEntry
	for rows.Next() {
		var e model.DeliveryLogEntry
		var provider, response, errMsg *string
		if err := rows.Scan(
			&e.ID, &e.NotificationID, &e.Channel, &e.Status, &provider, &response,
			&errMsg, &e.RetryCount, &e.SentAt, &e.DeliveredAt, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan delivery log entry: %w", err)
		}
		if provider != nil {
			e.Provider = *provider
		}
		if response != nil {
			e.ProviderResponse = *response
		}
		if errMsg != nil {
			e.ErrorMessage = *errMsg
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HasDeferredWeb reports whether the notification still has a web delivery
// parked for a live connection: a pending web entry with no web success yet.
func (r *DeliveryLogRepository) HasDeferredWeb(ctx context.Context, notificationID string) (bool, error) {
	var deferred bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notification_delivery_log
			WHERE notification_id = $1 AND channel = 'web' AND status = 'pending'
		) AND NOT EXISTS (
			SELECT 1 FROM notification_delivery_log
			WHERE notification_id = $1 AND channel = 'web'
			  AND status IN ('sent', 'delivered')
		)
	`, notificationID).Scan(&deferred)
	if err != nil {
		return false, fmt.Errorf("failed to check deferred web delivery: %w", err)
	}
	return deferred, nil
}

// PendingWebNotifications returns notifications whose web delivery is still
// deferred for the user, oldest first. Used by the reconnect flush; expired
// notifications are excluded from active delivery.
func (r *DeliveryLogRepository) PendingWebNotifications(ctx context.Context, userID string, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT DISTINCT n.id
		FROM notifications n
		JOIN notification_delivery_log l ON l.notification_id = n.id
		WHERE n.recipient_user_id = $1
		  AND l.channel = 'web'
		  AND l.status = 'pending'
		  AND (n.expires_at IS NULL OR n.expires_at >= $2)
		  AND NOT EXISTS (
			SELECT 1 FROM notification_delivery_log d
			WHERE d.notification_id = n.id AND d.channel = 'web'
			  AND d.status IN ('sent', 'delivered')
		  )
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending web deliveries: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan notification id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
