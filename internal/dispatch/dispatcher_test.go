package dispatch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupKeys(t *testing.T) {
	// Intent and response keys live in the same namespace and must not
	// collide with each other.
	intent := intentKey("author-a", "action-1")
	response := responseKey("author-a", "action-1")
	assert.NotEqual(t, intent, response)

	assert.Equal(t, "intent:author-a:action-1", intent)
	assert.Equal(t, "response:sess-1:chal-1", responseKey("sess-1", "chal-1"))
}

func TestResponsePayload_Decode(t *testing.T) {
	raw := `{
		"session_id": "sess-1",
		"challenge_id": "chal-1",
		"type": "sign_payload",
		"signature": "00ff",
		"payload_ref": "aabb"
	}`

	var resp ResponsePayload
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "chal-1", resp.ChallengeID)
	assert.Equal(t, "aabb", resp.PayloadRef)
}
