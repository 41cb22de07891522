package relay

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"
)

// ChallengePayload is the direct-message body of a signing_challenge
// event. PayloadToSign is base64 of the opaque bytes the wallet signs;
// PayloadRef is the hex digest the wallet re-derives from its intent.
type ChallengePayload struct {
	SessionID     string `json:"session_id"`
	ChallengeID   string `json:"challenge_id"`
	Type          string `json:"type"`
	PayloadToSign string `json:"payload_to_sign"`
	PayloadRef    string `json:"payload_ref"`
	Algo          string `json:"algo"`
	Domain        string `json:"domain"`
	Context       string `json:"context"`
	StepIndex     int    `json:"step_index,omitempty"`
	StepTotal     int    `json:"step_total,omitempty"`
	ExpiresAt     int64  `json:"expires_at"`
}

// FailurePayload is the direct-message body of a failure event.
type FailurePayload struct {
	Status      string `json:"status"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
	RefActionID string `json:"ref_action_id"`
}

// ConfirmationPayload is the public body of a confirmation event.
type ConfirmationPayload struct {
	Status      string         `json:"status"`
	RefActionID string         `json:"ref_action_id"`
	Results     map[string]any `json:"results"`
}

// L1CommitmentPayload is the public body of an l1_commitment event.
type L1CommitmentPayload struct {
	L1Txid      string `json:"l1_txid"`
	BlockHeight int64  `json:"block_height"`
	MerkleRoot  string `json:"merkle_root"`
	BatchID     string `json:"batch_id"`
}

// Publisher signs and publishes the gateway's outbound events: encrypted
// challenges and failure notices to a single wallet, public confirmations
// and L1-commitment notices to everyone. Publishes are retried with
// backoff up to the caller's deadline; the database remains the source of
// truth regardless of publish outcome.
type Publisher struct {
	client       *Client
	identity     *btcec.PrivateKey
	retryBackoff time.Duration
	maxBackoff   time.Duration
}

// NewPublisher wraps a connected Client with the gateway identity key.
func NewPublisher(client *Client, identity *btcec.PrivateKey) *Publisher {
	return &Publisher{
		client:       client,
		identity:     identity,
		retryBackoff: time.Second,
		maxBackoff:   30 * time.Second,
	}
}

// IdentityPubkeyHex returns the gateway's x-only public key in the form
// events and tags carry it.
func (p *Publisher) IdentityPubkeyHex() string {
	return hex.EncodeToString(p.identity.PubKey().SerializeCompressed()[1:])
}

// SendChallenge seals a challenge payload for recipientPubkey and
// publishes it as a signing_challenge direct message.
func (p *Publisher) SendChallenge(ctx context.Context, recipientPubkey string, payload ChallengePayload) error {
	return p.sendDM(ctx, KindSigningChallenge, recipientPubkey, payload, payload.SessionID)
}

// SendFailure seals a failure notice for recipientPubkey. One failure
// event is published per session; callers are responsible for not
// re-sending on retried failure paths.
func (p *Publisher) SendFailure(ctx context.Context, recipientPubkey string, code int, message, refActionID string) error {
	payload := FailurePayload{Status: "failure", Code: code, Message: message, RefActionID: refActionID}
	return p.sendDM(ctx, KindFailure, recipientPubkey, payload, refActionID)
}

func (p *Publisher) sendDM(ctx context.Context, kind Kind, recipientPubkey string, payload any, ref string) error {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relay: marshal %s payload: %w", kind, err)
	}
	recipientPub, err := ParsePubKeyHex(recipientPubkey)
	if err != nil {
		return fmt.Errorf("relay: parse recipient pubkey: %w", err)
	}
	sealed, err := Seal(p.identity, recipientPub, plaintext)
	if err != nil {
		return fmt.Errorf("relay: seal %s payload: %w", kind, err)
	}

	ev := NewEvent(kind, []Tag{{"p", recipientPubkey}, {"e", ref}}, sealed)
	if err := ev.Sign(p.identity); err != nil {
		return err
	}
	return p.publishWithRetry(ctx, ev)
}

// PublishConfirmation publishes the public success notice for an intent.
// Consumers deduplicate by (ref_action_id, txid), so a retried publish
// after a transient failure is harmless.
func (p *Publisher) PublishConfirmation(ctx context.Context, refActionID string, results map[string]any) error {
	payload := ConfirmationPayload{Status: "success", RefActionID: refActionID, Results: results}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relay: marshal confirmation: %w", err)
	}

	ev := NewEvent(KindConfirmation, []Tag{{"e", refActionID}}, string(body))
	if err := ev.Sign(p.identity); err != nil {
		return err
	}
	return p.publishWithRetry(ctx, ev)
}

// PublishL1Commitment publishes the public notice for one settlement
// batch anchored on L1.
func (p *Publisher) PublishL1Commitment(ctx context.Context, batchID, l1Txid string, blockHeight int64, merkleRoot []byte) error {
	payload := L1CommitmentPayload{
		L1Txid:      l1Txid,
		BlockHeight: blockHeight,
		MerkleRoot:  hex.EncodeToString(merkleRoot),
		BatchID:     batchID,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("relay: marshal l1 commitment: %w", err)
	}

	ev := NewEvent(KindL1Commitment, []Tag{{"e", batchID}}, string(body))
	if err := ev.Sign(p.identity); err != nil {
		return err
	}
	return p.publishWithRetry(ctx, ev)
}

// publishWithRetry pushes ev to the relay set, backing off while no relay
// is healthy, until success or ctx's deadline.
func (p *Publisher) publishWithRetry(ctx context.Context, ev *Event) error {
	backoff := p.retryBackoff
	for {
		err := p.client.Publish(ev)
		if err == nil {
			return nil
		}

		logger.Warn("event publish failed, backing off",
			zap.String("kind", string(ev.Kind)),
			logger.EventID(ev.ID),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("relay: publish %s abandoned: %w", ev.Kind, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
}

// EncodeChallengeBytes renders opaque challenge bytes for a DM payload.
func EncodeChallengeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

// DecodeChallengeBytes reverses EncodeChallengeBytes.
func DecodeChallengeBytes(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
