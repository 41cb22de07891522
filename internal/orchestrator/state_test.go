package orchestrator

import (
	"encoding/base64"
	"testing"

	"github.com/arkrelay/gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCeremonyState_RoundTrip(t *testing.T) {
	st := &CeremonyState{
		ArkProposalID:        "prop-1",
		CheckpointProposalID: "ckpt-1",
		InputVTXOIDs:         []string{"v1", "v2"},
		Payloads: []PayloadState{
			{InputRef: "in-0", Payload: base64.StdEncoding.EncodeToString([]byte("payload"))},
		},
		FinalizedTxid:  "txid-1",
		RawTx:          base64.StdEncoding.EncodeToString([]byte("rawtx")),
		ReservedAmount: 5000,
	}

	data, err := st.encode()
	require.NoError(t, err)

	decoded, err := decodeState(data)
	require.NoError(t, err)
	assert.Equal(t, st, decoded)

	raw, err := decoded.RawTxBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("rawtx"), raw)
}

func TestDecodeState_Empty(t *testing.T) {
	st, err := decodeState(nil)
	require.NoError(t, err)
	assert.Empty(t, st.Payloads)
	assert.False(t, st.allSigned())
}

func TestDecodeState_Malformed(t *testing.T) {
	_, err := decodeState([]byte("{broken"))
	assert.Error(t, err)
}

func TestCeremonyState_AllSigned(t *testing.T) {
	st := &CeremonyState{Payloads: []PayloadState{
		{InputRef: "a", ChallengeID: "c1"},
		{InputRef: "b", ChallengeID: "c2"},
	}}
	assert.False(t, st.allSigned())

	st.Payloads[0].Signature = "c2ln"
	assert.False(t, st.allSigned())

	st.Payloads[1].Signature = "c2ln"
	assert.True(t, st.allSigned())
}

func TestCeremonyState_PayloadByChallenge(t *testing.T) {
	st := &CeremonyState{Payloads: []PayloadState{
		{InputRef: "a", ChallengeID: "c1"},
		{InputRef: "b", ChallengeID: "c2"},
	}}

	p := st.payloadByChallenge("c2")
	require.NotNil(t, p)
	assert.Equal(t, "b", p.InputRef)

	// The returned pointer aliases the state so collected signatures
	// persist through encode.
	p.Signature = "c2ln"
	assert.Equal(t, "c2ln", st.Payloads[1].Signature)

	assert.Nil(t, st.payloadByChallenge("missing"))
}

func TestFailureCode(t *testing.T) {
	tests := []struct {
		kind store.FailureKind
		want int
	}{
		{store.FailureValidation, CodeValidationFailed},
		{store.FailureBackendUnavailable, CodeBackendUnavailable},
		{store.FailureSignatureMissing, CodeSignatureMissing},
		{store.FailureSignatureInvalid, CodeSignatureInvalid},
		{store.FailureConflict, CodeInputConflict},
		{store.FailureTimeout, CodeStepTimeout},
		{store.FailureCancelled, CodeCancelled},
		{store.FailureExpired, CodeExpired},
		{store.FailureInternal, CodeValidationFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, failureCode(tt.kind), string(tt.kind))
	}
}
