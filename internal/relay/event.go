// Package relay implements the gateway's connection to the overlay relay
// network: a public event bus carrying intents, signed challenges, signing
// responses, and confirmations between the gateway and user wallets.
package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Kind identifies the semantic class of a relay event.
type Kind string

const (
	KindIntent            Kind = "intent"
	KindSigningChallenge   Kind = "signing_challenge"
	KindSigningResponse    Kind = "signing_response"
	KindConfirmation       Kind = "confirmation"
	KindFailure            Kind = "failure"
	KindL1Commitment       Kind = "l1_commitment"
)

// Tag is a single key/value-list annotation on an event, the relay
// network's mechanism for addressing and cross-referencing (e.g.
// ["p", recipientPubkey] or ["e", referencedActionID]).
type Tag []string

// Event is one signed message on the relay network. ID and Sig are computed
// over a canonical serialization of the remaining fields; Content carries an
// opaque payload (plaintext for public events, a sealed envelope for direct
// messages — see crypto.go).
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      Kind   `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// canonicalForm produces the exact byte sequence the event's id/signature
// are computed over: a fixed-order JSON array of the signed fields. This
// mirrors relay-network conventions where event identity is a hash over a
// serialization independent of field ordering in the wire struct.
func (e *Event) canonicalForm() []byte {
	tags := e.Tags
	if tags == nil {
		tags = []Tag{}
	}
	arr := []any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}
	b, _ := json.Marshal(arr)
	return b
}

// computeID returns the sha256 digest of the event's canonical form, the
// event's content-addressed identifier.
func (e *Event) computeID() string {
	sum := sha256.Sum256(e.canonicalForm())
	return hex.EncodeToString(sum[:])
}

// ErrInvalidSignature is returned when an event's signature does not verify
// against its claimed pubkey and computed id.
var ErrInvalidSignature = errors.New("relay: invalid event signature")

// ErrStaleEvent is returned by dispatch-time freshness checks, not by Sign
// or Verify; kept here so callers can use a single error package.
var ErrStaleEvent = errors.New("relay: event is stale or expired")

// NewEvent builds an unsigned event with the given kind, tags, and content,
// stamped with the current time. Sign must be called before publishing.
func NewEvent(kind Kind, tags []Tag, content string) *Event {
	return &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
}

// Sign computes the event's id and a BIP-340 Schnorr signature over it using
// priv, and fills in PubKey, ID, and Sig.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	pub := priv.PubKey()
	e.PubKey = hex.EncodeToString(schnorr.SerializePubKey(pub))
	e.ID = e.computeID()

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("relay: decode event id: %w", err)
	}

	sig, err := schnorr.Sign(priv, idBytes)
	if err != nil {
		return fmt.Errorf("relay: sign event: %w", err)
	}
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the event's id matches its canonical form and that Sig
// is a valid BIP-340 signature by PubKey over that id.
func (e *Event) Verify() error {
	if e.computeID() != e.ID {
		return fmt.Errorf("relay: event id mismatch")
	}

	pubBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("relay: decode pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("relay: parse pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("relay: decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("relay: parse signature: %w", err)
	}

	idBytes, err := hex.DecodeString(e.ID)
	if err != nil {
		return fmt.Errorf("relay: decode event id: %w", err)
	}

	if !sig.Verify(idBytes, pub) {
		return ErrInvalidSignature
	}
	return nil
}

// GetTag returns the first value following a tag named key (e.g. GetTag("p")
// for a recipient-addressed tag), or "" if absent.
func (e *Event) GetTag(key string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}

// IsFresh reports whether the event's expires_at tag (if present) has not
// yet passed. Events without an expires_at tag are always fresh.
func (e *Event) IsFresh(now time.Time) bool {
	raw := e.GetTag("expires_at")
	if raw == "" {
		return true
	}
	var expiresAt int64
	if _, err := fmt.Sscanf(raw, "%d", &expiresAt); err != nil {
		return true
	}
	return now.Unix() <= expiresAt
}
