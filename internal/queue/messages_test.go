package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCeremonyTaskMessage_RoundTrip(t *testing.T) {
	msg := &CeremonyTaskMessage{SessionID: "sess-123"}

	data, err := msg.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSONCeremonyTask(data)
	require.NoError(t, err)
	assert.Equal(t, msg.SessionID, decoded.SessionID)
}

func TestCeremonyTaskMessage_Validate(t *testing.T) {
	msg := &CeremonyTaskMessage{}
	assert.Error(t, msg.Validate())

	msg.SessionID = "sess-123"
	assert.NoError(t, msg.Validate())
}

func TestFromJSONCeremonyTask_Malformed(t *testing.T) {
	_, err := FromJSONCeremonyTask([]byte("{not json"))
	assert.Error(t, err)

	_, err = FromJSONCeremonyTask([]byte(`{"session_id": ""}`))
	assert.Error(t, err)
}

func TestSigningResponseMessage_RoundTrip(t *testing.T) {
	msg := &SigningResponseMessage{
		SessionID:   "sess-123",
		ChallengeID: "chal-456",
		Author:      "deadbeef",
		PayloadRef:  "aabbcc",
		Signature:   "00112233",
	}

	data, err := msg.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSONSigningResponse(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestSigningResponseMessage_Validate(t *testing.T) {
	valid := SigningResponseMessage{
		SessionID:   "sess-123",
		ChallengeID: "chal-456",
		Author:      "deadbeef",
		PayloadRef:  "aabbcc",
		Signature:   "00112233",
	}

	tests := []struct {
		name    string
		mutate  func(m *SigningResponseMessage)
		wantErr bool
	}{
		{"valid", func(m *SigningResponseMessage) {}, false},
		{"missing session", func(m *SigningResponseMessage) { m.SessionID = "" }, true},
		{"missing challenge", func(m *SigningResponseMessage) { m.ChallengeID = "" }, true},
		{"missing author", func(m *SigningResponseMessage) { m.Author = "" }, true},
		{"payload_ref not hex", func(m *SigningResponseMessage) { m.PayloadRef = "zzzz" }, true},
		{"signature not hex", func(m *SigningResponseMessage) { m.Signature = "not-hex" }, true},
		{"missing signature", func(m *SigningResponseMessage) { m.Signature = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid
			tt.mutate(&m)
			err := m.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
