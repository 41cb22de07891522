// Package orchestrator executes signing ceremonies: the ordered steps
// that drive an accepted intent through verification, transaction
// preparation, signature collection, protocol execution, and atomic
// finalization. It is the only component that decides whether an error
// retries, fails a step, or fails the whole session.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/internal/challenge"
	"github.com/arkrelay/gateway/internal/daemon"
	messages "github.com/arkrelay/gateway/internal/queue"
	"github.com/arkrelay/gateway/internal/relay"
	"github.com/arkrelay/gateway/internal/session"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/internal/txproc"
	"github.com/arkrelay/gateway/internal/vtxo"
	"github.com/arkrelay/gateway/pkg/logger"
	streams "github.com/arkrelay/gateway/pkg/queue"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	ceremonyStream = "ceremonies"
	responseStream = "signing_responses"
	consumerGroup  = "gateway"
)

// ErrCancelRejected is returned when cancellation is requested after
// finalization already committed.
var ErrCancelRejected = errors.New("orchestrator: session already finalized, cancellation rejected")

// LiftDriver starts the on-ramp flow for a lightning:lift session. The
// Lightning manager implements it; registering it here keeps this package
// free of a dependency on the Lightning layer.
type LiftDriver interface {
	StartLift(ctx context.Context, s *store.SigningSession, intent *Intent) error
}

// Config sizes the worker pool and publication retry window.
type Config struct {
	Workers      int
	PublishGrace time.Duration
	Fees         FeePolicy
}

// Orchestrator owns the ceremony step sequence for every session type.
type Orchestrator struct {
	db         *store.DB
	sessions   *session.Manager
	challenges *challenge.Manager
	vtxos      *vtxo.Manager
	txs        *txproc.Processor
	ark        daemon.ArkClient
	pub        *relay.Publisher
	queue      *streams.StreamQueue
	sessRepo   *store.SessionRepository
	vtxoRepo   *store.VTXORepository

	fees         FeePolicy
	workers      int
	publishGrace time.Duration

	handlers   map[store.SessionType]Handler
	liftDriver LiftDriver
}

func New(db *store.DB, sessions *session.Manager, challenges *challenge.Manager, vtxos *vtxo.Manager, txs *txproc.Processor, ark daemon.ArkClient, pub *relay.Publisher, q *streams.StreamQueue, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PublishGrace <= 0 {
		cfg.PublishGrace = 5 * time.Minute
	}
	o := &Orchestrator{
		db:           db,
		sessions:     sessions,
		challenges:   challenges,
		vtxos:        vtxos,
		txs:          txs,
		ark:          ark,
		pub:          pub,
		queue:        q,
		sessRepo:     store.NewSessionRepository(),
		vtxoRepo:     store.NewVTXORepository(),
		fees:         cfg.Fees,
		workers:      cfg.Workers,
		publishGrace: cfg.PublishGrace,
	}
	o.handlers = map[store.SessionType]Handler{
		store.SessionP2PTransfer: &p2pHandler{o: o},
		store.SessionProtocolOp:  &protocolOpHandler{o: o},
	}
	return o
}

// Register installs a handler for one session type. Called at startup;
// the Lightning manager registers the off-ramp handler this way.
func (o *Orchestrator) Register(t store.SessionType, h Handler) {
	o.handlers[t] = h
}

// SetLiftDriver installs the on-ramp driver.
func (o *Orchestrator) SetLiftDriver(d LiftDriver) { o.liftDriver = d }

// Start declares the work streams and spawns the worker pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.queue.DeclareStream(ctx, ceremonyStream, consumerGroup); err != nil {
		return err
	}
	if err := o.queue.DeclareStream(ctx, responseStream, consumerGroup); err != nil {
		return err
	}
	for i := 0; i < o.workers; i++ {
		consumer := fmt.Sprintf("ceremony-worker-%d", i)
		go func() {
			_ = o.queue.Consume(ctx, ceremonyStream, consumerGroup, consumer, o.handleCeremonyMessage(ctx))
		}()
	}
	go func() {
		_ = o.queue.Consume(ctx, responseStream, consumerGroup, "response-worker", o.handleResponseMessage(ctx))
	}()
	return nil
}

func (o *Orchestrator) handleCeremonyMessage(ctx context.Context) func(string, []byte) error {
	return func(messageID string, data []byte) error {
		msg, err := messages.FromJSONCeremonyTask(data)
		if err != nil {
			logger.Error("dropping malformed ceremony task", zap.String("message_id", messageID), zap.Error(err))
			return nil
		}
		return o.RunCeremony(ctx, msg.SessionID)
	}
}

func (o *Orchestrator) handleResponseMessage(ctx context.Context) func(string, []byte) error {
	return func(messageID string, data []byte) error {
		msg, err := messages.FromJSONSigningResponse(data)
		if err != nil {
			logger.Error("dropping malformed signing response task", zap.String("message_id", messageID), zap.Error(err))
			return nil
		}
		payloadRef, _ := hex.DecodeString(msg.PayloadRef)
		sig, _ := hex.DecodeString(msg.Signature)
		return o.HandleResponse(ctx, msg.SessionID, msg.ChallengeID, msg.Author, payloadRef, sig)
	}
}

// HandleIntent admits an intent: creates (or re-finds) its session and
// hands the ceremony to the worker pool. Duplicate intents observe the
// existing session and change nothing.
func (o *Orchestrator) HandleIntent(ctx context.Context, intent *Intent) error {
	intentData, err := EncodeIntentData(intent)
	if err != nil {
		return err
	}

	sessionType := SessionTypeFor(intent.Type)
	s, created, err := o.sessions.Create(ctx, intent.Author, sessionType, intent.ActionID, intentData, intent.Type)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			o.notifyFailure(ctx, intent.Author, CodeBackendUnavailable, "gateway at session capacity", intent.ActionID)
			return nil
		}
		return err
	}
	if !created {
		logger.Info("duplicate intent, session already exists",
			logger.Action(intent.ActionID),
			logger.Session(s.SessionID),
			zap.String("status", string(s.Status)),
		)
		return nil
	}

	if sessionType == store.SessionLightningLift {
		if o.liftDriver == nil {
			return fmt.Errorf("orchestrator: no lift driver registered")
		}
		return o.liftDriver.StartLift(ctx, s, intent)
	}

	return o.enqueueCeremony(ctx, s.SessionID)
}

func (o *Orchestrator) enqueueCeremony(ctx context.Context, sessionID string) error {
	msg := messages.CeremonyTaskMessage{SessionID: sessionID}
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}
	if _, err := o.queue.Publish(ctx, ceremonyStream, data); err != nil {
		// Fall back to running inline rather than stranding the session
		// until the sweeper expires it.
		logger.Warn("ceremony enqueue failed, running inline", logger.Session(sessionID), zap.Error(err))
		return o.RunCeremony(ctx, sessionID)
	}
	return nil
}

// RunCeremony advances a session through its remaining steps, parking at
// signature collection until responses arrive. Safe to call repeatedly:
// every step consults the persisted progress marker first.
func (o *Orchestrator) RunCeremony(ctx context.Context, sessionID string) error {
	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if isTerminal(s.Status) {
		return nil
	}
	if time.Now().After(s.ExpiresAt) {
		o.failSession(ctx, s, store.FailureExpired, "session lifetime exceeded")
		return nil
	}
	if s.CancelRequested && s.LastCompletedStep < 6 {
		o.failSession(ctx, s, store.FailureCancelled, "session cancelled")
		return nil
	}

	intent, err := DecodeIntentData(s.IntentData)
	if err != nil {
		o.failSession(ctx, s, store.FailureInternal, "internal error")
		return nil
	}
	handler, ok := o.handlers[s.SessionType]
	if !ok {
		handler = o.handlers[store.SessionProtocolOp]
	}

	stepCtx, cancel := context.WithDeadline(ctx, s.ExpiresAt)
	defer cancel()

	st, err := decodeState(s.ResultData)
	if err != nil {
		o.failSession(ctx, s, store.FailureInternal, "internal error")
		return nil
	}

	if s.LastCompletedStep < 1 {
		if err := o.stepVerify(stepCtx, s, intent, handler); err != nil {
			return nil
		}
	}
	if s.LastCompletedStep < 3 {
		if err := o.stepPrepare(stepCtx, s, intent, handler, st); err != nil {
			return nil
		}
	}
	if s.LastCompletedStep < 4 {
		parked, err := o.stepCollect(stepCtx, s, intent, st)
		if err != nil || parked {
			return nil
		}
	}
	if s.LastCompletedStep < 5 {
		if err := o.stepExecute(stepCtx, s, st); err != nil {
			return nil
		}
	}
	if s.LastCompletedStep < 6 {
		if err := o.stepFinalize(ctx, s, intent, handler, st); err != nil {
			return nil
		}
	}
	return nil
}

// stepVerify is intent verification: schema, freshness, and business
// preconditions. Failures carry a specific code and touch nothing.
func (o *Orchestrator) stepVerify(ctx context.Context, s *store.SigningSession, intent *Intent, handler Handler) error {
	if time.Now().Unix() > intent.ExpiresAt {
		o.failSession(ctx, s, store.FailureExpired, "intent expired")
		return ErrIntentExpired
	}
	if intent.Author != s.UserPubkey {
		o.failSessionCode(ctx, s, store.FailureValidation, CodeInvalidAuthorSignature, "intent author does not match session owner")
		return ErrMalformedIntent
	}
	if err := handler.Verify(ctx, s, intent); err != nil {
		kind, code, msg := classifyVerifyError(err)
		o.failSessionCode(ctx, s, kind, code, msg)
		return err
	}
	if err := o.sessions.AdvanceStep(ctx, nil, s.SessionID, 1); err != nil {
		return err
	}
	s.LastCompletedStep = 1
	logger.Info("ceremony step complete", logger.Session(s.SessionID), zap.Int("step", 1))
	return nil
}

// stepPrepare covers transaction and checkpoint preparation against the
// Ark daemon. Retries live inside the adapter; exhaustion fails the
// session without touching any VTXO.
func (o *Orchestrator) stepPrepare(ctx context.Context, s *store.SigningSession, intent *Intent, handler Handler, st *CeremonyState) error {
	if len(st.Payloads) > 0 {
		// Proposals were built and persisted but the step marker never
		// advanced (crash window); don't rebuild on top of them.
		if err := o.sessions.AdvanceStep(ctx, nil, s.SessionID, 3); err != nil {
			return err
		}
		s.LastCompletedStep = 3
		return nil
	}
	if err := handler.BuildProposals(ctx, s, intent, st); err != nil {
		switch {
		case errors.Is(err, vtxo.ErrInsufficientInventory):
			o.failSessionCode(ctx, s, store.FailureValidation, CodeInsufficientBalance, "insufficient spendable inventory")
		case errors.Is(err, txproc.ErrInsufficientFunds):
			o.failSessionCode(ctx, s, store.FailureValidation, CodeInsufficientBalance, "insufficient balance")
		case errors.Is(err, ErrMalformedIntent):
			o.failSession(ctx, s, store.FailureValidation, "malformed intent params")
		default:
			o.failSession(ctx, s, daemonFailureKind(err), "transaction preparation failed")
		}
		return err
	}
	if err := o.saveState(ctx, s, st); err != nil {
		return err
	}
	if err := o.sessions.AdvanceStep(ctx, nil, s.SessionID, 3); err != nil {
		return err
	}
	s.LastCompletedStep = 3
	logger.Info("ceremony step complete", logger.Session(s.SessionID), zap.Int("step", 3),
		zap.Int("payloads", len(st.Payloads)))
	return nil
}

// stepCollect issues one challenge per signing payload and parks the
// ceremony until responses complete it. Returns parked=true while waiting.
func (o *Orchestrator) stepCollect(ctx context.Context, s *store.SigningSession, intent *Intent, st *CeremonyState) (bool, error) {
	if st.allSigned() {
		if err := o.sessions.AdvanceStep(ctx, nil, s.SessionID, 4); err != nil {
			return false, err
		}
		s.LastCompletedStep = 4
		return false, nil
	}

	issued := false
	for i := range st.Payloads {
		if st.Payloads[i].ChallengeID != "" {
			continue
		}
		payloadBytes, err := base64.StdEncoding.DecodeString(st.Payloads[i].Payload)
		if err != nil {
			o.failSession(ctx, s, store.FailureInternal, "internal error")
			return false, err
		}
		c, err := o.challenges.Issue(ctx, nil, s.SessionID, store.ChallengeSignPayload, payloadBytes,
			map[string]any{"input_ref": st.Payloads[i].InputRef, "payload": st.Payloads[i].Payload},
			"bip340", "ark-ceremony", s.Context, i+1, len(st.Payloads))
		if err != nil {
			return false, err
		}
		st.Payloads[i].ChallengeID = c.ChallengeID
		issued = true

		if i == 0 && s.Status == store.SessionInitiated {
			if err := o.sessions.Transition(ctx, nil, s.SessionID, store.SessionChallengeSent, store.SessionInitiated); err != nil {
				return false, err
			}
			s.Status = store.SessionChallengeSent
		}

		dm := relay.ChallengePayload{
			SessionID:     s.SessionID,
			ChallengeID:   c.ChallengeID,
			Type:          string(c.Type),
			PayloadToSign: relay.EncodeChallengeBytes(c.ChallengeData),
			PayloadRef:    hex.EncodeToString(c.PayloadRef),
			Algo:          c.Algo,
			Domain:        c.Domain,
			Context:       c.Context,
			StepIndex:     c.StepIndex,
			StepTotal:     c.StepTotal,
			ExpiresAt:     c.ExpiresAt.Unix(),
		}
		if err := o.pub.SendChallenge(ctx, s.UserPubkey, dm); err != nil {
			logger.Error("challenge DM send failed", logger.Session(s.SessionID), zap.Error(err))
			return false, err
		}
	}

	if issued {
		if err := o.saveState(ctx, s, st); err != nil {
			return false, err
		}
		logger.Info("challenges issued, awaiting signatures",
			logger.Session(s.SessionID),
			zap.Int("total", len(st.Payloads)),
		)
	}
	// Also covers a resume that crashed between issuing the last DM and
	// recording the transition.
	if s.Status == store.SessionChallengeSent {
		if err := o.sessions.Transition(ctx, nil, s.SessionID, store.SessionAwaitingSignature, store.SessionChallengeSent); err != nil {
			return false, err
		}
		s.Status = store.SessionAwaitingSignature
	}
	return true, nil
}

// HandleResponse binds one wallet response to its challenge. When the
// last required signature lands, the ceremony resumes on the worker pool.
func (o *Orchestrator) HandleResponse(ctx context.Context, sessionID, challengeID, author string, payloadRef, signature []byte) error {
	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("response for unknown session", logger.Session(sessionID))
			return nil
		}
		return err
	}
	if isTerminal(s.Status) || s.Status != store.SessionAwaitingSignature {
		logger.Info("response ignored, session not awaiting signature",
			logger.Session(sessionID), zap.String("status", string(s.Status)))
		return nil
	}
	if author != s.UserPubkey {
		logger.Warn("response author mismatch", logger.Session(sessionID))
		return nil
	}

	err = o.challenges.Verify(ctx, nil, challengeID, s.UserPubkey, payloadRef, signature)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("response references unknown challenge",
			logger.Session(sessionID), zap.String("challenge_id", challengeID))
		return nil
	case errors.Is(err, store.ErrChallengeUsed):
		// Duplicate response; at most one winner marked the challenge.
		logger.Info("duplicate response dropped", zap.String("challenge_id", challengeID))
		return nil
	case errors.Is(err, challenge.ErrExpired):
		o.failSession(ctx, s, store.FailureExpired, "challenge expired before response")
		return nil
	case errors.Is(err, challenge.ErrPayloadRefMismatch), errors.Is(err, challenge.ErrInvalidSignature):
		o.failSessionCode(ctx, s, store.FailureSignatureInvalid, CodeSignatureInvalid, "signature verification failed")
		return nil
	default:
		return err
	}

	st, err := decodeState(s.ResultData)
	if err != nil {
		o.failSession(ctx, s, store.FailureInternal, "internal error")
		return nil
	}
	p := st.payloadByChallenge(challengeID)
	if p == nil {
		logger.Warn("response for challenge not tracked by ceremony state",
			logger.Session(sessionID), zap.String("challenge_id", challengeID))
		return nil
	}
	p.Signature = base64.StdEncoding.EncodeToString(signature)
	if err := o.saveState(ctx, s, st); err != nil {
		return err
	}

	if !st.allSigned() {
		logger.Info("signature collected", logger.Session(sessionID),
			zap.String("challenge_id", challengeID))
		return nil
	}

	if err := o.sessions.Transition(ctx, nil, sessionID, store.SessionSigning, store.SessionAwaitingSignature); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// A concurrent response won the transition; it will resume.
			return nil
		}
		return err
	}
	if err := o.sessions.AdvanceStep(ctx, nil, sessionID, 4); err != nil {
		return err
	}
	logger.Info("all signatures collected", logger.Session(sessionID))
	return o.enqueueCeremony(ctx, sessionID)
}

// stepExecute submits the collected signatures to the Ark daemon and
// records the finalized transaction. A daemon conflict fails the session
// with no VTXO writes applied.
func (o *Orchestrator) stepExecute(ctx context.Context, s *store.SigningSession, st *CeremonyState) error {
	if !hasArkProtocol(st) {
		if err := o.sessions.AdvanceStep(ctx, nil, s.SessionID, 5); err != nil {
			return err
		}
		s.LastCompletedStep = 5
		return nil
	}

	if st.FinalizedTxid == "" {
		sigs := make([]daemon.CollectedSignature, 0, len(st.Payloads))
		for _, p := range st.Payloads {
			sig, err := base64.StdEncoding.DecodeString(p.Signature)
			if err != nil {
				o.failSession(ctx, s, store.FailureInternal, "internal error")
				return err
			}
			sigs = append(sigs, daemon.CollectedSignature{InputRef: p.InputRef, Signature: sig})
		}

		finalized, err := o.ark.SubmitSignatures(ctx, st.ArkProposalID, sigs)
		if err != nil {
			if daemon.IsConflict(err) {
				o.failSessionCode(ctx, s, store.FailureConflict, CodeInputConflict, "transaction input already spent")
			} else {
				o.failSession(ctx, s, store.FailureBackendUnavailable, "protocol execution failed")
			}
			return err
		}
		st.FinalizedTxid = finalized.Txid
		st.RawTx = base64.StdEncoding.EncodeToString(finalized.RawTx)
		if err := o.saveState(ctx, s, st); err != nil {
			return err
		}
	}

	if err := o.sessions.AdvanceStep(ctx, nil, s.SessionID, 5); err != nil {
		return err
	}
	s.LastCompletedStep = 5
	logger.Info("ceremony step complete", logger.Session(s.SessionID), zap.Int("step", 5),
		logger.Txid(st.FinalizedTxid))
	return nil
}

// stepFinalize is the all-or-nothing commit: transaction row, VTXO
// spends, output creation, and balance adjustments in one serializable
// transaction, then the public confirmation.
func (o *Orchestrator) stepFinalize(ctx context.Context, s *store.SigningSession, intent *Intent, handler Handler, st *CeremonyState) error {
	if err := handler.PreFinalize(ctx, s, intent, st); err != nil {
		o.failSession(ctx, s, daemonFailureKind(err), "pre-finalization failed")
		return err
	}

	var results map[string]any
	err := o.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		locked, err := o.sessRepo.GetForUpdate(ctx, tx, s.SessionID)
		if err != nil {
			return err
		}
		if locked.Status != store.SessionSigning {
			return fmt.Errorf("session %s is %s, not signing", s.SessionID, locked.Status)
		}

		results, err = handler.Finalize(ctx, tx, s, intent, st)
		if err != nil {
			return err
		}

		resultJSON, err := json.Marshal(results)
		if err != nil {
			return err
		}
		rawTx, err := st.RawTxBytes()
		if err != nil {
			return err
		}
		if err := o.sessions.Complete(ctx, tx, s.SessionID, resultJSON, rawTx); err != nil {
			return err
		}
		return o.sessions.AdvanceStep(ctx, tx, s.SessionID, 6)
	})
	if err != nil {
		if errors.Is(err, store.ErrVTXONotAvailable) {
			o.failSessionCode(ctx, s, store.FailureConflict, CodeInputConflict, "transaction input already spent")
		} else {
			logger.Error("finalization failed", logger.Session(s.SessionID), zap.Error(err))
			o.failSession(ctx, s, store.FailureInternal, "internal error")
		}
		return err
	}

	logger.Info("ceremony finalized",
		logger.Session(s.SessionID),
		logger.Txid(st.FinalizedTxid),
	)

	// The database is already the truth; publication retries until the
	// session deadline plus grace, then defers to reconciliation.
	pubCtx, cancel := context.WithDeadline(context.WithoutCancel(ctx), s.ExpiresAt.Add(o.publishGrace))
	defer cancel()
	if err := o.pub.PublishConfirmation(pubCtx, s.ActionID, results); err != nil {
		logger.Error("confirmation publish abandoned, deferring to reconciliation",
			logger.Session(s.SessionID), zap.Error(err))
	}
	return nil
}

// Cancel moves a non-terminal session to failed/cancelled. Rejected once
// finalization has committed.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	s, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status == store.SessionCompleted || s.LastCompletedStep >= 6 {
		return ErrCancelRejected
	}
	if isTerminal(s.Status) {
		return nil
	}
	if err := o.sessions.RequestCancel(ctx, sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	o.failSession(ctx, s, store.FailureCancelled, "cancelled by operator or timeout")
	return nil
}

// lockInputs re-reads the ceremony's input VTXOs inside the serializable
// finalization transaction, without row locks, and rejects any that is no
// longer assigned.
func (o *Orchestrator) lockInputs(ctx context.Context, tx pgx.Tx, vtxoIDs []string) ([]*store.VTXO, error) {
	out := make([]*store.VTXO, 0, len(vtxoIDs))
	for _, id := range vtxoIDs {
		v, err := o.vtxoRepo.Get(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if v.Status != store.VTXOAssigned {
			return nil, store.ErrVTXONotAvailable
		}
		out = append(out, v)
	}
	return out, nil
}

func (o *Orchestrator) saveState(ctx context.Context, s *store.SigningSession, st *CeremonyState) error {
	data, err := st.encode()
	if err != nil {
		return err
	}
	s.ResultData = data
	return o.sessions.SaveResult(ctx, nil, s.SessionID, data)
}

// failSession marks the session failed and sends the single failure DM.
func (o *Orchestrator) failSession(ctx context.Context, s *store.SigningSession, kind store.FailureKind, msg string) {
	o.failSessionCode(ctx, s, kind, failureCode(kind), msg)
}

func (o *Orchestrator) failSessionCode(ctx context.Context, s *store.SigningSession, kind store.FailureKind, code int, msg string) {
	err := o.sessions.Fail(ctx, nil, s.SessionID, kind)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Already terminal; the failure event was sent by whoever won.
			return
		}
		logger.Error("failed to mark session failed", logger.Session(s.SessionID), zap.Error(err))
		return
	}
	logger.Info("session failed",
		logger.Session(s.SessionID),
		zap.String("kind", string(kind)),
		zap.Int("code", code),
	)
	o.notifyFailure(ctx, s.UserPubkey, code, msg, s.ActionID)
}

func (o *Orchestrator) notifyFailure(ctx context.Context, recipient string, code int, msg, refActionID string) {
	dmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := o.pub.SendFailure(dmCtx, recipient, code, msg, refActionID); err != nil {
		logger.Error("failure DM send failed",
			zap.String("recipient", recipient),
			zap.String("ref_action_id", refActionID),
			zap.Error(err),
		)
	}
}

func isTerminal(s store.SessionStatus) bool {
	return s == store.SessionCompleted || s == store.SessionFailed || s == store.SessionExpired
}

// classifyVerifyError maps a handler verification error onto the failure
// kind and wire code surfaced to the user.
func classifyVerifyError(err error) (store.FailureKind, int, string) {
	switch {
	case errors.Is(err, txproc.ErrInsufficientFunds):
		return store.FailureValidation, CodeInsufficientBalance, "insufficient balance"
	case errors.Is(err, txproc.ErrInvalidRecipient):
		return store.FailureValidation, CodeRecipientInvalid, "recipient invalid"
	case errors.Is(err, ErrFeeOutput):
		return store.FailureValidation, CodeFeeOutputIncorrect, "fee output missing or incorrect"
	case errors.Is(err, ErrMalformedIntent):
		return store.FailureValidation, CodeValidationFailed, "intent failed validation"
	default:
		return store.FailureValidation, CodeValidationFailed, "intent failed validation"
	}
}
