package model

import "time"

type RecipientType string

const (
	RecipientUser    RecipientType = "user"
	RecipientPatient RecipientType = "patient"
	RecipientDoctor  RecipientType = "doctor"
	RecipientStaff   RecipientType = "staff"
)

type NotificationType string

const (
	TypeAppointment  NotificationType = "appointment"
	TypePrescription NotificationType = "prescription"
	TypeSystem       NotificationType = "system"
	TypeEmergency    NotificationType = "emergency"
	TypeReminder     NotificationType = "reminder"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

type Channel string

const (
	ChannelWeb   Channel = "web"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelPush  Channel = "push"
)

type NotificationStatus string

const (
	StatusPending   NotificationStatus = "pending"
	StatusSent      NotificationStatus = "sent"
	StatusDelivered NotificationStatus = "delivered"
	StatusRead      NotificationStatus = "read"
	StatusFailed    NotificationStatus = "failed"
)

// Notification is the canonical record of one user-facing alert.
// Status only ever advances pending -> sent -> delivered -> read, or
// pending/sent -> failed. Channels are fixed at creation; per-channel
// outcomes live in the delivery log.
type Notification struct {
	ID                string             `json:"id"`
	SourceMessageID   string             `json:"source_message_id,omitempty"`
	RecipientUserID   string             `json:"recipient_user_id"`
	RecipientType     RecipientType      `json:"recipient_type"`
	Title             string             `json:"title"`
	Message           string             `json:"message"`
	Type              NotificationType   `json:"type"`
	Priority          Priority           `json:"priority"`
	Channels          []Channel          `json:"channels"`
	Status            NotificationStatus `json:"status"`
	RelatedEntityType string             `json:"related_entity_type,omitempty"`
	RelatedEntityID   string             `json:"related_entity_id,omitempty"`
	TemplateName      string             `json:"template_name,omitempty"`
	TemplateVariables map[string]string  `json:"template_variables,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	SentAt            *time.Time         `json:"sent_at,omitempty"`
	ReadAt            *time.Time         `json:"read_at,omitempty"`
	ExpiresAt         *time.Time         `json:"expires_at,omitempty"`
}

// Expired reports whether the notification is past its expiry and must be
// excluded from active delivery.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && n.ExpiresAt.Before(now)
}

func (n *Notification) HasChannel(c Channel) bool {
	for _, ch := range n.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryBounced   DeliveryStatus = "bounced"
)

// DeliveryLogEntry records one attempted send per (notification, channel).
// Entries accumulate across retries; retry_count strictly increases per
// channel.
type DeliveryLogEntry struct {
	ID               string         `json:"id"`
	NotificationID   string         `json:"notification_id"`
	Channel          Channel        `json:"channel"`
	Status           DeliveryStatus `json:"status"`
	Provider         string         `json:"provider,omitempty"`
	ProviderResponse string         `json:"provider_response,omitempty"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	RetryCount       int            `json:"retry_count"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt      *time.Time     `json:"delivered_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

type RetryStatus string

const (
	RetryScheduled         RetryStatus = "scheduled"
	RetryInProgress        RetryStatus = "in_progress"
	RetrySucceeded         RetryStatus = "succeeded"
	RetryFailedPermanently RetryStatus = "failed_permanently"
)

// RetryRecord is a queued re-attempt for one (notification, channel) pair.
// At most one active (scheduled or in_progress) record exists per pair.
type RetryRecord struct {
	ID             string      `json:"id"`
	NotificationID string      `json:"notification_id"`
	Channel        Channel     `json:"channel"`
	AttemptNumber  int         `json:"attempt_number"`
	NextRetryAt    time.Time   `json:"next_retry_at"`
	Status         RetryStatus `json:"status"`
	LastError      string      `json:"last_error,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (r *RetryRecord) Active() bool {
	return r.Status == RetryScheduled || r.Status == RetryInProgress
}

// Template is a per-channel message template with {{variable}} placeholders.
// Read-only to this engine; administered externally.
type Template struct {
	Name      string    `json:"template_name"`
	Type      Channel   `json:"template_type"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Variables []string  `json:"variables"`
	IsActive  bool      `json:"is_active"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChannelPrefs is the per-notification-type enablement of each channel.
// AdvanceHours only applies to reminders.
type ChannelPrefs struct {
	Web          bool `json:"web"`
	Email        bool `json:"email"`
	SMS          bool `json:"sms"`
	Push         bool `json:"push"`
	AdvanceHours int  `json:"advance_hours,omitempty"`
}

// Preference maps a user's notification types to channel enablement.
// Read-only to this engine; written by the external settings endpoint.
type Preference struct {
	UserID    string                            `json:"user_id"`
	ByType    map[NotificationType]ChannelPrefs `json:"preferences"`
	UpdatedAt time.Time                         `json:"updated_at"`
}

// RetryStats aggregates retry records by channel and status for the admin
// surface.
type RetryStats struct {
	Channel        Channel     `json:"channel"`
	Status         RetryStatus `json:"status"`
	Count          int64       `json:"count"`
	AverageRetries float64     `json:"average_retries"`
}
