// Package dispatch classifies inbound relay events and routes them to the
// ceremony machinery: intents and solver service requests admit sessions,
// signing responses resume parked ceremonies, everything else is dropped.
// Classification is cheap and synchronous; all long work is queued to the
// worker pool so the relay read loop never stalls.
package dispatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/internal/orchestrator"
	messages "github.com/arkrelay/gateway/internal/queue"
	"github.com/arkrelay/gateway/internal/relay"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/pkg/cache"
	"github.com/arkrelay/gateway/pkg/logger"
	streams "github.com/arkrelay/gateway/pkg/queue"
	"github.com/btcsuite/btcd/btcec/v2"
	"go.uber.org/zap"
)

const (
	responseStream = "signing_responses"
	dedupKeyPrefix = "dedup:"
	dedupWindow    = 30 * time.Minute
)

// ResponsePayload is the decrypted body of a signing_response DM.
type ResponsePayload struct {
	SessionID   string `json:"session_id"`
	ChallengeID string `json:"challenge_id"`
	Type        string `json:"type"`
	Signature   string `json:"signature"`   // hex
	PayloadRef  string `json:"payload_ref"` // hex
}

// Dispatcher consumes the relay client's inbound channel. Solver service
// requests ride the intent kind with a namespaced type, so classification
// reduces to intent vs. response vs. other.
type Dispatcher struct {
	client   *relay.Client
	identity *btcec.PrivateKey
	idHex    string
	db       *store.DB
	events   *store.EventRepository
	orch     *orchestrator.Orchestrator
	queue    *streams.StreamQueue

	done chan struct{}
}

func New(client *relay.Client, identity *btcec.PrivateKey, db *store.DB, orch *orchestrator.Orchestrator, q *streams.StreamQueue) *Dispatcher {
	return &Dispatcher{
		client:   client,
		identity: identity,
		idHex:    hex.EncodeToString(identity.PubKey().SerializeCompressed()[1:]),
		db:       db,
		events:   store.NewEventRepository(),
		orch:     orch,
		queue:    q,
		done:     make(chan struct{}),
	}
}

// Start runs the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.run(ctx)
}

// Wait blocks until the dispatch loop has exited.
func (d *Dispatcher) Wait() { <-d.done }

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.client.Inbound():
			if !ok {
				return
			}
			d.dispatch(ctx, ev)
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *relay.Event) {
	// Envelope signatures are verified at the relay layer; here the event
	// is classified, freshness-checked, and deduplicated.
	if !ev.IsFresh(time.Now()) {
		logger.Info("dropping stale event", logger.EventID(ev.ID), zap.String("kind", string(ev.Kind)))
		return
	}

	switch ev.Kind {
	case relay.KindIntent:
		d.handleIntent(ctx, ev)
	case relay.KindSigningResponse:
		d.handleResponse(ctx, ev)
	default:
		logger.Debug("ignoring event of unhandled kind",
			logger.EventID(ev.ID), zap.String("kind", string(ev.Kind)))
	}
}

func (d *Dispatcher) handleIntent(ctx context.Context, ev *relay.Event) {
	if recipient := ev.GetTag("p"); recipient != d.idHex {
		logger.Debug("intent not addressed to this gateway", logger.EventID(ev.ID))
		return
	}

	intent, err := orchestrator.ParseIntent(ev, time.Now())
	if err != nil {
		logger.Warn("rejecting invalid intent",
			logger.EventID(ev.ID), logger.Author(ev.PubKey), zap.Error(err))
		return
	}

	dup, err := d.seen(ctx, ev.ID, intentKey(intent.Author, intent.ActionID), &store.ProcessedEvent{
		RelayEventID: ev.ID,
		Author:       intent.Author,
		ActionID:     &intent.ActionID,
		ProcessedAt:  time.Now(),
	})
	if err != nil {
		logger.Error("intent dedup check failed", logger.EventID(ev.ID), zap.Error(err))
		return
	}
	if dup {
		logger.Info("duplicate intent dropped",
			logger.Author(intent.Author), logger.Action(intent.ActionID))
		return
	}

	if err := d.orch.HandleIntent(ctx, intent); err != nil {
		logger.Error("intent handoff failed",
			logger.Action(intent.ActionID), zap.Error(err))
	}
}

func (d *Dispatcher) handleResponse(ctx context.Context, ev *relay.Event) {
	senderPub, err := relay.ParsePubKeyHex(ev.PubKey)
	if err != nil {
		logger.Warn("response sender pubkey unparseable", logger.EventID(ev.ID), zap.Error(err))
		return
	}
	plaintext, err := relay.Open(d.identity, senderPub, ev.Content)
	if err != nil {
		logger.Warn("response envelope decryption failed", logger.EventID(ev.ID), zap.Error(err))
		return
	}

	var resp ResponsePayload
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		logger.Warn("response payload malformed", logger.EventID(ev.ID), zap.Error(err))
		return
	}
	if resp.SessionID == "" || resp.ChallengeID == "" {
		logger.Warn("response missing session or challenge id", logger.EventID(ev.ID))
		return
	}

	dup, err := d.seen(ctx, ev.ID, responseKey(resp.SessionID, resp.ChallengeID), &store.ProcessedEvent{
		RelayEventID: ev.ID,
		Author:       ev.PubKey,
		SessionID:    &resp.SessionID,
		ChallengeID:  &resp.ChallengeID,
		ProcessedAt:  time.Now(),
	})
	if err != nil {
		logger.Error("response dedup check failed", logger.EventID(ev.ID), zap.Error(err))
		return
	}
	if dup {
		logger.Info("duplicate response dropped",
			logger.Session(resp.SessionID), zap.String("challenge_id", resp.ChallengeID))
		return
	}

	msg := messages.SigningResponseMessage{
		SessionID:   resp.SessionID,
		ChallengeID: resp.ChallengeID,
		Author:      ev.PubKey,
		PayloadRef:  resp.PayloadRef,
		Signature:   resp.Signature,
	}
	data, err := msg.ToJSON()
	if err != nil {
		logger.Error("response task marshal failed", zap.Error(err))
		return
	}
	if _, err := d.queue.Publish(ctx, responseStream, data); err != nil {
		logger.Error("response handoff failed",
			logger.Session(resp.SessionID), zap.Error(err))
	}
}

// seen applies the two-level idempotency check: Redis SetNX absorbs
// duplicate storms cheaply, the processed_events table is the durable
// answer when the cache is cold. Returns true for a duplicate.
func (d *Dispatcher) seen(ctx context.Context, eventID, dedupKey string, row *store.ProcessedEvent) (bool, error) {
	fresh, err := cache.SetNX(ctx, dedupKeyPrefix+dedupKey, eventID, dedupWindow)
	if err == nil && !fresh {
		return true, nil
	}
	if err != nil {
		logger.Warn("dedup cache unavailable, falling back to store", zap.Error(err))
	}

	err = d.events.MarkProcessed(ctx, d.db.Pool(), row)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func intentKey(author, actionID string) string {
	return fmt.Sprintf("intent:%s:%s", author, actionID)
}

func responseKey(sessionID, challengeID string) string {
	return fmt.Sprintf("response:%s:%s", sessionID, challengeID)
}
