package mq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mednotify/internal/model"
)

// Event types accepted on the inbound queue. The set is closed: a tag
// outside it is rejected as malformed, never requeued.
const (
	TypeCreateNotification   = "create_notification"
	TypeAppointmentReminder  = "appointment_reminder"
	TypeAppointmentConfirmed = "appointment_confirmed"
	TypePrescriptionReady    = "prescription_ready"
)

// MalformedError marks an envelope that failed schema validation. The consumer
// acks and drops these (poison-message policy): the producer is external and
// redelivery will not fix the payload.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

func malformed(format string, args ...any) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// Envelope is the outer wrapper of every inbound message. ID is the
// idempotency key against the queue's at-least-once redelivery.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	Data      json.RawMessage `json:"data"`
}

// Payload is the decoded, tag-specific body of an envelope.
type Payload interface {
	eventPayload()
}

type CreateNotificationPayload struct {
	RecipientUserID   string                 `json:"recipient_user_id"`
	RecipientType     model.RecipientType    `json:"recipient_type"`
	Title             string                 `json:"title"`
	Message           string                 `json:"message"`
	NotificationType  model.NotificationType `json:"notification_type"`
	Priority          model.Priority         `json:"priority,omitempty"`
	Channels          []model.Channel        `json:"channels,omitempty"`
	RelatedEntityType string                 `json:"related_entity_type,omitempty"`
	RelatedEntityID   string                 `json:"related_entity_id,omitempty"`
	ExpiresAt         *time.Time             `json:"expires_at,omitempty"`
	TemplateName      string                 `json:"template_name,omitempty"`
	TemplateVariables map[string]string      `json:"template_variables,omitempty"`
}

type AppointmentReminderPayload struct {
	RecipientUserID   string `json:"recipient_user_id"`
	PatientName       string `json:"patient_name"`
	DoctorName        string `json:"doctor_name"`
	AppointmentDate   string `json:"appointment_date"`
	AppointmentTime   string `json:"appointment_time"`
	AppointmentNumber string `json:"appointment_number,omitempty"`
	RoomNumber        string `json:"room_number,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

type AppointmentConfirmedPayload struct {
	RecipientUserID   string `json:"recipient_user_id"`
	PatientName       string `json:"patient_name"`
	DoctorName        string `json:"doctor_name"`
	AppointmentDate   string `json:"appointment_date"`
	AppointmentTime   string `json:"appointment_time"`
	AppointmentNumber string `json:"appointment_number,omitempty"`
	RoomNumber        string `json:"room_number,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

type PrescriptionReadyPayload struct {
	RecipientUserID    string `json:"recipient_user_id"`
	PatientName        string `json:"patient_name"`
	PrescriptionNumber string `json:"prescription_number"`
	DoctorName         string `json:"doctor_name,omitempty"`
	IssuedDate         string `json:"issued_date,omitempty"`
	TotalCost          string `json:"total_cost,omitempty"`
}

func (CreateNotificationPayload) eventPayload()   {}
func (AppointmentReminderPayload) eventPayload()  {}
func (AppointmentConfirmedPayload) eventPayload() {}
func (PrescriptionReadyPayload) eventPayload()    {}

// Event is a validated envelope with its decoded payload.
type Event struct {
	Envelope
	Payload Payload
}

type decoder func(json.RawMessage) (Payload, error)

var decoders = map[string]decoder{
	TypeCreateNotification:   decodeCreateNotification,
	TypeAppointmentReminder:  decodeAppointmentReminder,
	TypeAppointmentConfirmed: decodeAppointmentConfirmed,
	TypePrescriptionReady:    decodePrescriptionReady,
}

// Decode validates an inbound message against the closed schema set.
// Any failure is a *MalformedError.
func Decode(raw []byte) (*Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, malformed("invalid envelope json: %v", err)
	}
	if _, err := uuid.Parse(env.ID); err != nil {
		return nil, malformed("envelope id %q is not a uuid", env.ID)
	}
	if env.Timestamp.IsZero() {
		return nil, malformed("envelope timestamp missing")
	}

	dec, ok := decoders[env.Type]
	if !ok {
		return nil, malformed("unknown event type %q", env.Type)
	}

	payload, err := dec(env.Data)
	if err != nil {
		return nil, err
	}
	return &Event{Envelope: env, Payload: payload}, nil
}

func requireUserID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return malformed("recipient_user_id %q is not a well-formed identifier", id)
	}
	return nil
}

func decodeCreateNotification(data json.RawMessage) (Payload, error) {
	var p CreateNotificationPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed("create_notification data: %v", err)
	}
	if err := requireUserID(p.RecipientUserID); err != nil {
		return nil, err
	}
	if p.Title == "" || p.Message == "" {
		return nil, malformed("create_notification requires title and message")
	}
	switch p.NotificationType {
	case model.TypeAppointment, model.TypePrescription, model.TypeSystem,
		model.TypeEmergency, model.TypeReminder:
	default:
		return nil, malformed("create_notification has invalid notification_type %q", p.NotificationType)
	}
	if p.RecipientType == "" {
		p.RecipientType = model.RecipientUser
	}
	if p.Priority == "" {
		p.Priority = model.PriorityNormal
	}
	return p, nil
}

func decodeAppointmentReminder(data json.RawMessage) (Payload, error) {
	var p AppointmentReminderPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed("appointment_reminder data: %v", err)
	}
	if err := requireUserID(p.RecipientUserID); err != nil {
		return nil, err
	}
	if p.PatientName == "" || p.DoctorName == "" || p.AppointmentDate == "" || p.AppointmentTime == "" {
		return nil, malformed("appointment_reminder requires patient_name, doctor_name, appointment_date, appointment_time")
	}
	return p, nil
}

func decodeAppointmentConfirmed(data json.RawMessage) (Payload, error) {
	var p AppointmentConfirmedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed("appointment_confirmed data: %v", err)
	}
	if err := requireUserID(p.RecipientUserID); err != nil {
		return nil, err
	}
	if p.PatientName == "" || p.DoctorName == "" || p.AppointmentDate == "" || p.AppointmentTime == "" {
		return nil, malformed("appointment_confirmed requires patient_name, doctor_name, appointment_date, appointment_time")
	}
	return p, nil
}

func decodePrescriptionReady(data json.RawMessage) (Payload, error) {
	var p PrescriptionReadyPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, malformed("prescription_ready data: %v", err)
	}
	if err := requireUserID(p.RecipientUserID); err != nil {
		return nil, err
	}
	if p.PatientName == "" || p.PrescriptionNumber == "" {
		return nil, malformed("prescription_ready requires patient_name and prescription_number")
	}
	return p, nil
}
