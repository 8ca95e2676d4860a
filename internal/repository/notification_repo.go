package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mednotify/internal/model"
)

var ErrNotFound = errors.New("not found")

type NotificationRepository struct {
	db *pgxpool.Pool
}

func NewNotificationRepository(db *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{db: db}
}

const notificationColumns = `
	id, source_message_id, recipient_user_id, recipient_type, title, message,
	type, priority, channels, status, related_entity_type, related_entity_id,
	template_name, template_variables, created_at, sent_at, read_at, expires_at
`

// CreateIfAbsent inserts the notification unless one already exists for its
// source_message_id. The unique constraint is the durable idempotency guard
// behind the redis fast path. Returns created=false with the existing row on
// a duplicate envelope.
func (r *NotificationRepository) CreateIfAbsent(ctx context.Context, n *model.Notification) (created bool, err error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	vars, err := json.Marshal(n.TemplateVariables)
	if err != nil {
		return false, fmt.Errorf("failed to marshal template variables: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		INSERT INTO notifications (
			id, source_message_id, recipient_user_id, recipient_type, title, message,
			type, priority, channels, status, related_entity_type, related_entity_id,
			template_name, template_variables, created_at, expires_at
		)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (source_message_id) DO NOTHING
	`,
		n.ID, n.SourceMessageID, n.RecipientUserID, n.RecipientType, n.Title, n.Message,
		n.Type, n.Priority, channelsToStrings(n.Channels), n.Status,
		n.RelatedEntityType, n.RelatedEntityID, n.TemplateName, vars, n.CreatedAt, n.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	existing, err := r.GetBySourceMessageID(ctx, n.SourceMessageID)
	if err != nil {
		return false, err
	}
	*n = *existing
	return false, nil
}

// Create inserts unconditionally (the direct-create path has no envelope to
// dedup on).
func (r *NotificationRepository) Create(ctx context.Context, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	vars, err := json.Marshal(n.TemplateVariables)
	if err != nil {
		return fmt.Errorf("failed to marshal template variables: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO notifications (
			id, source_message_id, recipient_user_id, recipient_type, title, message,
			type, priority, channels, status, related_entity_type, related_entity_id,
			template_name, template_variables, created_at, expires_at
		)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		n.ID, n.SourceMessageID, n.RecipientUserID, n.RecipientType, n.Title, n.Message,
		n.Type, n.Priority, channelsToStrings(n.Channels), n.Status,
		n.RelatedEntityType, n.RelatedEntityID, n.TemplateName, vars, n.CreatedAt, n.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (r *NotificationRepository) GetByID(ctx context.Context, id string) (*model.Notification, error) {
	row := r.db.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	return scanNotification(row)
}

func (r *NotificationRepository) GetBySourceMessageID(ctx context.Context, messageID string) (*model.Notification, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE source_message_id = $1`, messageID)
	return scanNotification(row)
}

// MarkSent advances pending -> sent. Sent is sticky: the transition is a
// no-op for any other current status, so a late retry success never
// regresses read/delivered and a failed rollup never flips back.
func (r *NotificationRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notifications SET status = 'sent', sent_at = $2
		WHERE id = $1 AND status = 'pending'
	`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark notification sent: %w", err)
	}
	return nil
}

// MarkFailed transitions pending -> failed. A notification that already
// reached sent stays sent even if remaining channels exhaust their retries.
func (r *NotificationRepository) MarkFailed(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE notifications SET status = 'failed'
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification failed: %w", err)
	}
	return nil
}

// DeleteExpired enforces the declarative expires_at at the storage layer.
func (r *NotificationRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanNotification(row pgx.Row) (*model.Notification, error) {
	var n model.Notification
	var sourceID, relType, relID, tmplName *string
	var channels []string
	var vars []byte

	err := row.Scan(
		&n.ID, &sourceID, &n.RecipientUserID, &n.RecipientType, &n.Title, &n.Message,
		&n.Type, &n.Priority, &channels, &n.Status, &relType, &relID,
		&tmplName, &vars, &n.CreatedAt, &n.SentAt, &n.ReadAt, &n.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}

	if sourceID != nil {
		n.SourceMessageID = *sourceID
	}
	if relType != nil {
		n.RelatedEntityType = *relType
	}
	if relID != nil {
		n.RelatedEntityID = *relID
	}
	if tmplName != nil {
		n.TemplateName = *tmplName
	}
	for _, c := range channels {
		n.Channels = append(n.Channels, model.Channel(c))
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &n.TemplateVariables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal template variables: %w", err)
		}
	}
	return &n, nil
}

func channelsToStrings(cs []model.Channel) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}
