package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/internal/relay"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/google/uuid"
)

// Intent type identifiers the gateway handles natively. Any other type is
// routed to the generic protocol-op path for registered solvers.
const (
	IntentP2PTransfer   = "p2p_transfer"
	IntentLightningLift = "lightning:lift"
	IntentLightningLand = "lightning:land"
)

var (
	ErrMalformedIntent = errors.New("orchestrator: malformed intent")
	ErrIntentExpired   = errors.New("orchestrator: intent expired")
)

// Intent is the decoded body of an intent event: a user-signed,
// time-bounded authorization for one gateway action.
type Intent struct {
	ActionID  string          `json:"action_id"`
	Type      string          `json:"type"`
	Params    json.RawMessage `json:"params"`
	ExpiresAt int64           `json:"expires_at"`

	// Author is the event-level signer. ParseIntent always overwrites it
	// from the envelope, so a value smuggled inside the content never
	// survives receipt; it round-trips through intent_data for resumes.
	Author string `json:"author,omitempty"`
}

// P2PTransferParams are the params of a p2p_transfer intent. Fee is the
// dedicated fee output, always denominated in the native asset.
type P2PTransferParams struct {
	Recipient string `json:"recipient"`
	AssetID   string `json:"asset_id"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"`
}

// LiftParams are the params of a lightning:lift intent.
type LiftParams struct {
	AssetID    string `json:"asset_id"`
	AmountSats int64  `json:"amount_sats"`
}

// LandParams are the params of a lightning:land intent.
type LandParams struct {
	AssetID string `json:"asset_id"`
	Bolt11  string `json:"bolt11"`
}

// ProtocolOpParams are the params of a solver-routed intent: opaque
// signing payloads the gateway collects signatures over without
// interpreting.
type ProtocolOpParams struct {
	Payloads []struct {
		Ref     string `json:"ref"`
		Payload string `json:"payload"`
	} `json:"payloads"`
}

// ParseIntent decodes and validates an intent event. The author signature
// has already been verified at the relay layer; this validates the schema
// and freshness.
func ParseIntent(ev *relay.Event, now time.Time) (*Intent, error) {
	var intent Intent
	if err := json.Unmarshal([]byte(ev.Content), &intent); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}
	if _, err := uuid.Parse(intent.ActionID); err != nil {
		return nil, fmt.Errorf("%w: action_id is not a UUID", ErrMalformedIntent)
	}
	if intent.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedIntent)
	}
	if len(intent.Params) == 0 {
		return nil, fmt.Errorf("%w: missing params", ErrMalformedIntent)
	}
	if now.Unix() > intent.ExpiresAt {
		return nil, ErrIntentExpired
	}
	intent.Author = ev.PubKey
	return &intent, nil
}

// SessionTypeFor maps an intent type onto the session type executing it.
func SessionTypeFor(intentType string) store.SessionType {
	switch intentType {
	case IntentP2PTransfer:
		return store.SessionP2PTransfer
	case IntentLightningLift:
		return store.SessionLightningLift
	case IntentLightningLand:
		return store.SessionLightningLand
	default:
		return store.SessionProtocolOp
	}
}

// DecodeIntentData reverses the session's persisted intent payload.
func DecodeIntentData(data []byte) (*Intent, error) {
	var intent Intent
	if err := json.Unmarshal(data, &intent); err != nil {
		return nil, fmt.Errorf("%w: stored intent_data: %v", ErrMalformedIntent, err)
	}
	return &intent, nil
}

// EncodeIntentData serializes an intent for the session row, author
// included so ceremonies can re-verify without the original event.
func EncodeIntentData(intent *Intent) ([]byte, error) {
	return json.Marshal(intent)
}
