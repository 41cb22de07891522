package orchestrator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PayloadState is one signing payload tracked across steps: issued as a
// challenge, completed by a wallet signature.
type PayloadState struct {
	InputRef    string `json:"input_ref"`
	Payload     string `json:"payload"` // base64
	ChallengeID string `json:"challenge_id,omitempty"`
	Signature   string `json:"signature,omitempty"` // base64, set once collected
}

// CeremonyState is the orchestrator's persisted scratchpad, stored in the
// session's result_data after every step so a crashed worker resumes from
// the database instead of memory. Handlers read and extend it.
type CeremonyState struct {
	ArkProposalID        string         `json:"ark_proposal_id,omitempty"`
	CheckpointProposalID string         `json:"checkpoint_proposal_id,omitempty"`
	InputVTXOIDs         []string       `json:"input_vtxo_ids,omitempty"`
	Payloads             []PayloadState `json:"payloads,omitempty"`
	FinalizedTxid        string         `json:"finalized_txid,omitempty"`
	RawTx                string         `json:"raw_tx,omitempty"` // base64
	PaymentHash          string         `json:"payment_hash,omitempty"`

	// ReservedAmount is the inventory earmark taken at preparation,
	// released again at finalization or by the expiry sweeper.
	ReservedAmount int64 `json:"reserved_amount,omitempty"`
}

func (st *CeremonyState) encode() ([]byte, error) {
	return json.Marshal(st)
}

func decodeState(data []byte) (*CeremonyState, error) {
	st := &CeremonyState{}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("orchestrator: decode ceremony state: %w", err)
	}
	return st, nil
}

// allSigned reports whether every payload has a collected signature.
func (st *CeremonyState) allSigned() bool {
	if len(st.Payloads) == 0 {
		return false
	}
	for _, p := range st.Payloads {
		if p.Signature == "" {
			return false
		}
	}
	return true
}

// payloadByChallenge returns the payload bound to challengeID, or nil.
func (st *CeremonyState) payloadByChallenge(challengeID string) *PayloadState {
	for i := range st.Payloads {
		if st.Payloads[i].ChallengeID == challengeID {
			return &st.Payloads[i]
		}
	}
	return nil
}

// RawTxBytes decodes the persisted raw transaction.
func (st *CeremonyState) RawTxBytes() ([]byte, error) {
	if st.RawTx == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(st.RawTx)
}
