package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mednotify/internal/channel"
	"mednotify/internal/config"
	"mednotify/internal/errclass"
	"mednotify/internal/metrics"
	"mednotify/internal/model"
	"mednotify/internal/mq"
	"mednotify/internal/template"
)

// Store interfaces are defined here, where they are consumed; the pgx
// repositories implement them and the tests substitute in-memory fakes.

type NotificationStore interface {
	CreateIfAbsent(ctx context.Context, n *model.Notification) (bool, error)
	Create(ctx context.Context, n *model.Notification) error
	GetByID(ctx context.Context, id string) (*model.Notification, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id string) error
}

type DeliveryLog interface {
	Append(ctx context.Context, e *model.DeliveryLogEntry) error
	HasSuccess(ctx context.Context, notificationID string) (bool, error)
	HasDeferredWeb(ctx context.Context, notificationID string) (bool, error)
	PendingWebNotifications(ctx context.Context, userID string, now time.Time) ([]string, error)
}

type RetryStore interface {
	Schedule(ctx context.Context, rec *model.RetryRecord) (bool, error)
	CountActive(ctx context.Context, notificationID string) (int, error)
}

type Renderer interface {
	Render(ctx context.Context, name string, ch model.Channel, vars map[string]string) (*template.Rendered, error)
}

type PreferenceResolver interface {
	Resolve(ctx context.Context, userID string, t model.NotificationType) (map[model.Channel]bool, error)
}

type EnvelopeDeduper interface {
	AcquireOnce(ctx context.Context, envelopeID string) bool
	Release(ctx context.Context, envelopeID string)
}

// Publisher emits the best-effort delivered audit event. May be nil.
type Publisher interface {
	Publish(routingKey string, payload any) error
}

// Dispatcher orchestrates event validation, channel selection, rendering,
// sending, delivery logging, status rollup and retry scheduling.
type Dispatcher struct {
	notifications NotificationStore
	deliveries    DeliveryLog
	retries       RetryStore
	renderer      Renderer
	prefs         PreferenceResolver
	deduper       EnvelopeDeduper
	senders       map[model.Channel]channel.Sender
	resolver      channel.AddressResolver
	publisher     Publisher
	retryCfg      config.RetryConfig
	sendTimeout   time.Duration
	logger        *zap.Logger
	now           func() time.Time
}

type Deps struct {
	Notifications NotificationStore
	Deliveries    DeliveryLog
	Retries       RetryStore
	Renderer      Renderer
	Preferences   PreferenceResolver
	Deduper       EnvelopeDeduper
	Senders       []channel.Sender
	Resolver      channel.AddressResolver
	Publisher     Publisher
	RetryConfig   config.RetryConfig
	SendTimeout   time.Duration
	Logger        *zap.Logger
}

func New(d Deps) *Dispatcher {
	senders := make(map[model.Channel]channel.Sender, len(d.Senders))
	for _, s := range d.Senders {
		senders[s.Channel()] = s
	}
	if d.SendTimeout <= 0 {
		d.SendTimeout = 5 * time.Second
	}
	return &Dispatcher{
		notifications: d.Notifications,
		deliveries:    d.Deliveries,
		retries:       d.Retries,
		renderer:      d.Renderer,
		prefs:         d.Preferences,
		deduper:       d.Deduper,
		senders:       senders,
		resolver:      d.Resolver,
		publisher:     d.Publisher,
		retryCfg:      d.RetryConfig,
		sendTimeout:   d.SendTimeout,
		logger:        d.Logger,
		now:           time.Now,
	}
}

// HandleEvent is the consumer's entry point: one call per delivered
// envelope. Idempotent on envelope id, so at-least-once redelivery cannot
// duplicate a notification.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *mq.Event) error {
	if !d.deduper.AcquireOnce(ctx, ev.ID) {
		metrics.EventsConsumed.WithLabelValues(ev.Type, "duplicate").Inc()
		return nil
	}

	n := notificationFromPayload(ev)
	n.SourceMessageID = ev.ID

	created, err := d.notifications.CreateIfAbsent(ctx, n)
	if err != nil {
		// Nothing durable exists yet, so the requeued delivery must not be
		// mistaken for a duplicate: give the fast-path key back.
		d.deduper.Release(ctx, ev.ID)
		return fmt.Errorf("failed to persist notification for envelope %s: %w", ev.ID, err)
	}
	if !created {
		// Redis missed the duplicate but the store caught it.
		d.logger.Info("Envelope already materialized, dropping",
			zap.String("envelope_id", ev.ID),
			zap.String("notification_id", n.ID),
		)
		metrics.EventsConsumed.WithLabelValues(ev.Type, "duplicate").Inc()
		return nil
	}

	d.logger.Info("Notification created",
		zap.String("notification_id", n.ID),
		zap.String("envelope_id", ev.ID),
		zap.String("type", string(n.Type)),
		zap.String("recipient", n.RecipientUserID),
	)
	metrics.EventsConsumed.WithLabelValues(ev.Type, "processed").Inc()

	return d.deliver(ctx, n)
}

// DirectCreateInput is the administrative/test-notification path; no
// envelope exists so no dedup applies.
type DirectCreateInput struct {
	RecipientUserID   string
	RecipientType     model.RecipientType
	Title             string
	Message           string
	Type              model.NotificationType
	Priority          model.Priority
	Channels          []model.Channel
	TemplateName      string
	TemplateVariables map[string]string
	ExpiresAt         *time.Time
}

func (d *Dispatcher) HandleDirectCreate(ctx context.Context, in DirectCreateInput) (*model.Notification, error) {
	if in.RecipientType == "" {
		in.RecipientType = model.RecipientUser
	}
	if in.Priority == "" {
		in.Priority = model.PriorityNormal
	}
	if len(in.Channels) == 0 {
		in.Channels = []model.Channel{model.ChannelWeb}
	}

	n := &model.Notification{
		RecipientUserID:   in.RecipientUserID,
		RecipientType:     in.RecipientType,
		Title:             in.Title,
		Message:           in.Message,
		Type:              in.Type,
		Priority:          in.Priority,
		Channels:          in.Channels,
		Status:            model.StatusPending,
		TemplateName:      in.TemplateName,
		TemplateVariables: in.TemplateVariables,
		ExpiresAt:         in.ExpiresAt,
	}
	if err := d.notifications.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	if err := d.deliver(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// deliver runs the full send pipeline for a freshly created notification.
func (d *Dispatcher) deliver(ctx context.Context, n *model.Notification) error {
	if n.Expired(d.now()) {
		d.logger.Info("Notification already expired, skipping delivery",
			zap.String("notification_id", n.ID),
		)
		return nil
	}

	allowed, err := d.prefs.Resolve(ctx, n.RecipientUserID, n.Type)
	if err != nil {
		return fmt.Errorf("failed to resolve preferences for %s: %w", n.RecipientUserID, err)
	}

	// Effective set = requested channels ∩ enabled preferences.
	var effective []model.Channel
	for _, ch := range n.Channels {
		if allowed[ch] {
			if _, ok := d.senders[ch]; ok {
				effective = append(effective, ch)
			}
		}
	}

	if len(effective) == 0 {
		// Permanent, non-transient: nothing to retry.
		d.logger.Warn("No eligible channel for notification",
			zap.String("notification_id", n.ID),
			zap.String("recipient", n.RecipientUserID),
		)
		if err := d.notifications.MarkFailed(ctx, n.ID); err != nil {
			return err
		}
		return nil
	}

	anySuccess := false
	anyPendingWork := false // retries scheduled or web deferred
	for _, ch := range effective {
		res := d.Attempt(ctx, n, ch, 0)
		switch {
		case res.Success:
			anySuccess = true
		case res.Deferred:
			anyPendingWork = true
		case res.RetryScheduled:
			anyPendingWork = true
		}
	}

	// Urgent alerts always reach the live feed, even when web was not among
	// the requested channels. The attempt goes through the normal path so
	// the delivery log carries the outcome.
	if n.Priority == model.PriorityUrgent && !n.HasChannel(model.ChannelWeb) {
		if _, ok := d.senders[model.ChannelWeb]; ok {
			res := d.Attempt(ctx, n, model.ChannelWeb, 0)
			switch {
			case res.Success:
				anySuccess = true
			case res.Deferred, res.RetryScheduled:
				anyPendingWork = true
			}
		}
	}

	if anySuccess {
		if err := d.notifications.MarkSent(ctx, n.ID, d.now()); err != nil {
			return err
		}
		d.publishDelivered(n)
	} else if !anyPendingWork {
		// Every effective channel failed permanently on the first pass.
		if err := d.notifications.MarkFailed(ctx, n.ID); err != nil {
			return err
		}
	}
	return nil
}

// AttemptResult reports one channel attempt for rollup and retry decisions.
type AttemptResult struct {
	Success        bool
	Deferred       bool
	RetryScheduled bool
	Permanent      bool
	Err            error
}

// Attempt renders, sends and logs one channel attempt. retryCount is zero
// for the first pass and the retry record's attempt number afterwards.
// A transient failure schedules exactly one retry record while retryCount
// is below the ceiling; permanent failures never do.
func (d *Dispatcher) Attempt(ctx context.Context, n *model.Notification, ch model.Channel, retryCount int) AttemptResult {
	sender, ok := d.senders[ch]
	if !ok {
		return AttemptResult{Permanent: true, Err: fmt.Errorf("no sender for channel %s", ch)}
	}

	subject, body := n.Title, n.Message
	if n.TemplateName != "" {
		rendered, err := d.renderer.Render(ctx, n.TemplateName, ch, n.TemplateVariables)
		if err != nil {
			// Missing or inactive template and missing variables are
			// permanent for this channel.
			d.logFailure(ctx, n, ch, sender.Provider(), retryCount, err)
			metrics.ChannelSends.WithLabelValues(string(ch), "failed").Inc()
			return AttemptResult{Permanent: true, Err: err}
		}
		subject, body = rendered.Subject, rendered.Body
	}

	address, err := d.resolveAddress(ctx, n.RecipientUserID, ch)
	if err != nil {
		return d.handleSendFailure(ctx, n, ch, sender.Provider(), retryCount, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	res := sender.Send(sendCtx, channel.SendRequest{
		Notification: n,
		Subject:      subject,
		Body:         body,
		Address:      address,
	})
	cancel()

	switch {
	case res.Deferred:
		// Web with no live connection: defer, do not fail, consume nothing.
		now := d.now()
		entry := &model.DeliveryLogEntry{
			NotificationID: n.ID,
			Channel:        ch,
			Status:         model.DeliveryPending,
			Provider:       sender.Provider(),
			RetryCount:     retryCount,
			CreatedAt:      now,
		}
		if err := d.deliveries.Append(ctx, entry); err != nil {
			d.logger.Error("Failed to append deferred delivery log entry",
				zap.String("notification_id", n.ID), zap.Error(err))
		}
		metrics.ChannelSends.WithLabelValues(string(ch), "deferred").Inc()
		return AttemptResult{Deferred: true}

	case res.Success:
		now := d.now()
		entry := &model.DeliveryLogEntry{
			NotificationID:   n.ID,
			Channel:          ch,
			Status:           model.DeliverySent,
			Provider:         sender.Provider(),
			ProviderResponse: res.ProviderResponse,
			RetryCount:       retryCount,
			SentAt:           &now,
			CreatedAt:        now,
		}
		if res.ProviderMessageID != "" {
			entry.ProviderResponse = fmt.Sprintf("id=%s %s", res.ProviderMessageID, res.ProviderResponse)
		}
		if err := d.deliveries.Append(ctx, entry); err != nil {
			d.logger.Error("Failed to append delivery log entry",
				zap.String("notification_id", n.ID), zap.Error(err))
		}
		metrics.ChannelSends.WithLabelValues(string(ch), "sent").Inc()
		return AttemptResult{Success: true}

	default:
		return d.handleSendFailure(ctx, n, ch, sender.Provider(), retryCount, res.Err)
	}
}

func (d *Dispatcher) handleSendFailure(ctx context.Context, n *model.Notification, ch model.Channel, provider string, retryCount int, sendErr error) AttemptResult {
	d.logFailure(ctx, n, ch, provider, retryCount, sendErr)
	metrics.ChannelSends.WithLabelValues(string(ch), "failed").Inc()

	if !errclass.Retryable(sendErr) {
		d.logger.Warn("Permanent channel failure, not retrying",
			zap.String("notification_id", n.ID),
			zap.String("channel", string(ch)),
			zap.Error(sendErr),
		)
		return AttemptResult{Permanent: true, Err: sendErr}
	}

	nextAttempt := retryCount + 1
	if nextAttempt > d.retryCfg.MaxAttempts {
		return AttemptResult{Permanent: true, Err: sendErr}
	}

	rec := &model.RetryRecord{
		NotificationID: n.ID,
		Channel:        ch,
		AttemptNumber:  nextAttempt,
		NextRetryAt:    d.now().Add(d.retryCfg.Backoff(nextAttempt)),
		Status:         model.RetryScheduled,
		LastError:      sendErr.Error(),
	}
	scheduled, err := d.retries.Schedule(ctx, rec)
	if err != nil {
		d.logger.Error("Failed to schedule retry",
			zap.String("notification_id", n.ID),
			zap.String("channel", string(ch)),
			zap.Error(err),
		)
		return AttemptResult{Err: sendErr}
	}
	if !scheduled {
		// An active record already covers this (notification, channel).
		d.logger.Debug("Retry already active for channel",
			zap.String("notification_id", n.ID),
			zap.String("channel", string(ch)),
		)
	}
	return AttemptResult{RetryScheduled: true, Err: sendErr}
}

func (d *Dispatcher) logFailure(ctx context.Context, n *model.Notification, ch model.Channel, provider string, retryCount int, sendErr error) {
	entry := &model.DeliveryLogEntry{
		NotificationID: n.ID,
		Channel:        ch,
		Status:         model.DeliveryFailed,
		Provider:       provider,
		ErrorMessage:   sendErr.Error(),
		RetryCount:     retryCount,
		CreatedAt:      d.now(),
	}
	if err := d.deliveries.Append(ctx, entry); err != nil {
		d.logger.Error("Failed to append failure log entry",
			zap.String("notification_id", n.ID), zap.Error(err))
	}
}

// FinalizeAfterRetry rolls the notification status up after the retry
// scheduler resolves a record. Sent is sticky; failed only lands once no
// channel succeeded and no active retry remains.
func (d *Dispatcher) FinalizeAfterRetry(ctx context.Context, notificationID string, succeeded bool) error {
	if succeeded {
		return d.notifications.MarkSent(ctx, notificationID, d.now())
	}

	hasSuccess, err := d.deliveries.HasSuccess(ctx, notificationID)
	if err != nil {
		return err
	}
	if hasSuccess {
		return nil
	}
	// A deferred web delivery has exhausted nothing; the reconnect flush
	// still owns it, so the notification stays pending.
	deferred, err := d.deliveries.HasDeferredWeb(ctx, notificationID)
	if err != nil {
		return err
	}
	if deferred {
		return nil
	}
	active, err := d.retries.CountActive(ctx, notificationID)
	if err != nil {
		return err
	}
	if active == 0 {
		return d.notifications.MarkFailed(ctx, notificationID)
	}
	return nil
}

// FlushDeferredWeb re-attempts web deliveries parked while the user had no
// live connection; the hub invokes it on every connect.
func (d *Dispatcher) FlushDeferredWeb(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ids, err := d.deliveries.PendingWebNotifications(ctx, userID, d.now())
	if err != nil {
		d.logger.Error("Failed to list deferred web deliveries",
			zap.String("user_id", userID), zap.Error(err))
		return
	}

	for _, id := range ids {
		n, err := d.notifications.GetByID(ctx, id)
		if err != nil {
			d.logger.Error("Failed to load deferred notification",
				zap.String("notification_id", id), zap.Error(err))
			continue
		}
		if n.Expired(d.now()) {
			continue
		}
		res := d.Attempt(ctx, n, model.ChannelWeb, 0)
		if res.Success {
			if err := d.notifications.MarkSent(ctx, n.ID, d.now()); err != nil {
				d.logger.Error("Failed to mark flushed notification sent",
					zap.String("notification_id", n.ID), zap.Error(err))
			}
		}
	}

	if len(ids) > 0 {
		d.logger.Info("Flushed deferred web deliveries",
			zap.String("user_id", userID),
			zap.Int("count", len(ids)),
		)
	}
}

// Notification returns the stored record; the retry scheduler loads its
// subject through this.
func (d *Dispatcher) Notification(ctx context.Context, id string) (*model.Notification, error) {
	return d.notifications.GetByID(ctx, id)
}

func (d *Dispatcher) resolveAddress(ctx context.Context, userID string, ch model.Channel) (string, error) {
	switch ch {
	case model.ChannelEmail:
		return d.resolver.Email(ctx, userID)
	case model.ChannelSMS:
		return d.resolver.Phone(ctx, userID)
	default:
		return "", nil
	}
}

// publishDelivered emits the best-effort audit event; failures are logged
// and swallowed, by contract with the analytics consumer.
func (d *Dispatcher) publishDelivered(n *model.Notification) {
	if d.publisher == nil {
		return
	}
	payload := map[string]any{
		"notification_id": n.ID,
		"recipient":       n.RecipientUserID,
		"type":            n.Type,
		"delivered_at":    d.now().Format(time.RFC3339),
	}
	if err := d.publisher.Publish("notification.delivered", payload); err != nil {
		d.logger.Warn("Best-effort delivered event publish failed",
			zap.String("notification_id", n.ID),
			zap.Error(err),
		)
	}
}

// notificationFromPayload maps each event variant to its notification. The
// switch is exhaustive over the closed decoder set.
func notificationFromPayload(ev *mq.Event) *model.Notification {
	switch p := ev.Payload.(type) {
	case mq.CreateNotificationPayload:
		channels := p.Channels
		if len(channels) == 0 {
			channels = []model.Channel{model.ChannelWeb}
		}
		return &model.Notification{
			RecipientUserID:   p.RecipientUserID,
			RecipientType:     p.RecipientType,
			Title:             p.Title,
			Message:           p.Message,
			Type:              p.NotificationType,
			Priority:          p.Priority,
			Channels:          channels,
			Status:            model.StatusPending,
			RelatedEntityType: p.RelatedEntityType,
			RelatedEntityID:   p.RelatedEntityID,
			TemplateName:      p.TemplateName,
			TemplateVariables: p.TemplateVariables,
			ExpiresAt:         p.ExpiresAt,
		}

	case mq.AppointmentReminderPayload:
		return &model.Notification{
			RecipientUserID: p.RecipientUserID,
			RecipientType:   model.RecipientPatient,
			Title:           "Appointment Reminder",
			Message: fmt.Sprintf("%s, you have an appointment with %s on %s at %s.",
				p.PatientName, p.DoctorName, p.AppointmentDate, p.AppointmentTime),
			Type:              model.TypeReminder,
			Priority:          model.PriorityNormal,
			Channels:          []model.Channel{model.ChannelWeb, model.ChannelEmail, model.ChannelSMS},
			Status:            model.StatusPending,
			RelatedEntityType: "appointment",
			RelatedEntityID:   p.AppointmentNumber,
			TemplateName:      "appointment_reminder",
			TemplateVariables: map[string]string{
				"patient_name":       p.PatientName,
				"doctor_name":        p.DoctorName,
				"appointment_date":   p.AppointmentDate,
				"appointment_time":   p.AppointmentTime,
				"appointment_number": p.AppointmentNumber,
				"room_number":        p.RoomNumber,
				"reason":             p.Reason,
			},
		}

	case mq.AppointmentConfirmedPayload:
		return &model.Notification{
			RecipientUserID: p.RecipientUserID,
			RecipientType:   model.RecipientPatient,
			Title:           "Appointment Confirmed",
			Message: fmt.Sprintf("%s, your appointment with %s on %s at %s is confirmed.",
				p.PatientName, p.DoctorName, p.AppointmentDate, p.AppointmentTime),
			Type:              model.TypeAppointment,
			Priority:          model.PriorityNormal,
			Channels:          []model.Channel{model.ChannelWeb, model.ChannelEmail},
			Status:            model.StatusPending,
			RelatedEntityType: "appointment",
			RelatedEntityID:   p.AppointmentNumber,
			TemplateName:      "appointment_confirmed",
			TemplateVariables: map[string]string{
				"patient_name":       p.PatientName,
				"doctor_name":        p.DoctorName,
				"appointment_date":   p.AppointmentDate,
				"appointment_time":   p.AppointmentTime,
				"appointment_number": p.AppointmentNumber,
				"room_number":        p.RoomNumber,
				"reason":             p.Reason,
			},
		}

	case mq.PrescriptionReadyPayload:
		return &model.Notification{
			RecipientUserID: p.RecipientUserID,
			RecipientType:   model.RecipientPatient,
			Title:           "Prescription Ready",
			Message: fmt.Sprintf("%s, your prescription %s is ready for pickup.",
				p.PatientName, p.PrescriptionNumber),
			Type:              model.TypePrescription,
			Priority:          model.PriorityNormal,
			Channels:          []model.Channel{model.ChannelWeb, model.ChannelEmail, model.ChannelSMS},
			Status:            model.StatusPending,
			RelatedEntityType: "prescription",
			RelatedEntityID:   p.PrescriptionNumber,
			TemplateName:      "prescription_ready",
			TemplateVariables: map[string]string{
				"patient_name":        p.PatientName,
				"prescription_number": p.PrescriptionNumber,
				"doctor_name":         p.DoctorName,
				"issued_date":         p.IssuedDate,
				"total_cost":          p.TotalCost,
			},
		}

	default:
		// Decode already rejected unknown tags; this is unreachable.
		return &model.Notification{Status: model.StatusPending}
	}
}
