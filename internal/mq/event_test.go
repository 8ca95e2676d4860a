package mq

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mednotify/internal/model"
)

const (
	testEnvelopeID = "5c1a9f6e-0c1d-4f3a-9a6b-2d8e7f4b1c3d"
	testUserID     = "b3e8a1d2-4c5f-4e6a-8b7c-9d0e1f2a3b4c"
)

func envelope(eventType, data string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"timestamp":"2026-02-10T09:30:00Z","source":"appointment-service","data":%s}`,
		testEnvelopeID, eventType, data,
	))
}

func TestDecodeCreateNotification(t *testing.T) {
	raw := envelope(TypeCreateNotification, fmt.Sprintf(
		`{"recipient_user_id":%q,"title":"Lab results","message":"Your results are in","notification_type":"system"}`,
		testUserID,
	))

	ev, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, testEnvelopeID, ev.ID)

	p, ok := ev.Payload.(CreateNotificationPayload)
	require.True(t, ok)
	assert.Equal(t, testUserID, p.RecipientUserID)
	assert.Equal(t, model.TypeSystem, p.NotificationType)
	assert.Equal(t, model.RecipientUser, p.RecipientType, "recipient_type defaults to user")
	assert.Equal(t, model.PriorityNormal, p.Priority, "priority defaults to normal")
}

func TestDecodeAppointmentReminder(t *testing.T) {
	raw := envelope(TypeAppointmentReminder, fmt.Sprintf(
		`{"recipient_user_id":%q,"patient_name":"Maria Lopez","doctor_name":"Dr. Chen","appointment_date":"2026-02-12","appointment_time":"10:30","appointment_number":"APT-1042"}`,
		testUserID,
	))

	ev, err := Decode(raw)
	require.NoError(t, err)

	p, ok := ev.Payload.(AppointmentReminderPayload)
	require.True(t, ok)
	assert.Equal(t, "Dr. Chen", p.DoctorName)
	assert.Equal(t, "APT-1042", p.AppointmentNumber)
}

func TestDecodePrescriptionReadyRequiresNumber(t *testing.T) {
	raw := envelope(TypePrescriptionReady, fmt.Sprintf(
		`{"recipient_user_id":%q,"patient_name":"Maria Lopez"}`, testUserID,
	))

	_, err := Decode(raw)
	var malformedErr *MalformedError
	require.ErrorAs(t, err, &malformedErr)
	assert.Contains(t, malformedErr.Reason, "prescription_number")
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	raw := envelope("account_deleted", `{}`)

	_, err := Decode(raw)
	var malformedErr *MalformedError
	require.ErrorAs(t, err, &malformedErr)
	assert.Contains(t, malformedErr.Reason, "unknown event type")
}

func TestDecodeRejectsBadEnvelopeID(t *testing.T) {
	raw := []byte(`{"id":"not-a-uuid","type":"create_notification","timestamp":"2026-02-10T09:30:00Z","data":{}}`)

	_, err := Decode(raw)
	var malformedErr *MalformedError
	require.ErrorAs(t, err, &malformedErr)
}

func TestDecodeRejectsMissingTimestamp(t *testing.T) {
	raw := []byte(fmt.Sprintf(
		`{"id":%q,"type":"create_notification","data":{}}`, testEnvelopeID,
	))

	_, err := Decode(raw)
	var malformedErr *MalformedError
	require.ErrorAs(t, err, &malformedErr)
	assert.Contains(t, malformedErr.Reason, "timestamp")
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"id":`))
	var malformedErr *MalformedError
	require.ErrorAs(t, err, &malformedErr)
}

func TestDecodeRejectsInvalidNotificationType(t *testing.T) {
	raw := envelope(TypeCreateNotification, fmt.Sprintf(
		`{"recipient_user_id":%q,"title":"t","message":"m","notification_type":"newsletter"}`,
		testUserID,
	))

	_, err := Decode(raw)
	var malformedErr *MalformedError
	require.ErrorAs(t, err, &malformedErr)
	assert.Contains(t, malformedErr.Reason, "notification_type")
}
