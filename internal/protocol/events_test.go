package protocol

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/domain"
)

func payloadKeys(t *testing.T, env *Envelope) map[string]json.RawMessage {
	t.Helper()
	var keys map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &keys))
	return keys
}

func TestChatFramesShareKeyCasing(t *testing.T) {
	appointmentID := uuid.New()
	msg := domain.Message{
		ID:              uuid.New(),
		ClientMessageID: uuid.New(),
		SenderID:        uuid.New(),
		ReceiverID:      uuid.New(),
		AppointmentID:   &appointmentID,
		Content:         "See you at nine",
		Kind:            domain.MessageFile,
		AttachmentRef:   domain.AttachmentPrefix(appointmentID, uuid.New()) + "labs.pdf",
		CreatedAt:       time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
	}

	for _, env := range []*Envelope{
		mustEnvelope(t, EventNewMessage, msg),
		mustEnvelope(t, EventMessageSent, msg),
		mustEnvelope(t, EventSendMessage, SendMessage{
			ClientMessageID: msg.ClientMessageID,
			ReceiverID:      msg.ReceiverID,
			AppointmentID:   &appointmentID,
			Kind:            domain.MessageText,
			Content:         "hi",
		}),
	} {
		for key := range payloadKeys(t, env) {
			assert.NotContains(t, key, "_", "%s frame key %q", env.Event, key)
		}
	}

	keys := payloadKeys(t, mustEnvelope(t, EventNewMessage, msg))
	for _, key := range []string{"clientMessageId", "senderId", "receiverId", "appointmentId", "attachmentRef", "isRead", "createdAt"} {
		assert.Contains(t, keys, key)
	}
}

func TestNewMessageDecodesCamelCase(t *testing.T) {
	sender, receiver := uuid.New(), uuid.New()
	raw := `{"event":"new-message","data":{"id":"` + uuid.NewString() + `","senderId":"` + sender.String() +
		`","receiverId":"` + receiver.String() + `","kind":"text","content":"hello","isRead":true,"createdAt":"2026-03-10T09:00:00Z"}}`

	var env Envelope
	require.NoError(t, json.NewDecoder(strings.NewReader(raw)).Decode(&env))

	var msg domain.Message
	require.NoError(t, env.Decode(&msg))
	assert.Equal(t, sender, msg.SenderID)
	assert.Equal(t, receiver, msg.ReceiverID)
	assert.True(t, msg.IsRead)
	assert.Equal(t, "hello", msg.Preview())
}

func mustEnvelope(t *testing.T, event string, payload any) *Envelope {
	t.Helper()
	env, err := NewEnvelope(event, payload)
	require.NoError(t, err)
	return env
}
