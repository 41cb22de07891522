// Package session owns the signing_session lifecycle: state machine
// transitions, timeouts, and admission control. It is the sole mutator of
// session rows; every other component requests a transition through here
// and gets back success or a typed failure.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrBusy is returned by Create when the admission ceiling is
// already reached.
var ErrBusy = errors.New("session: admission ceiling reached")

// ErrInvalidTransition is returned when a caller requests a transition not
// present in the session state graph.
var ErrInvalidTransition = errors.New("session: transition not allowed")

// Config controls session lifetimes and admission behavior.
type Config struct {
	DefaultLifetime   time.Duration
	ChallengeLifetime time.Duration
	PublishRetryGrace time.Duration
	AdmissionCeiling  int
	SweepInterval     time.Duration
}

// DefaultConfig returns the gateway's documented session defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLifetime:   30 * time.Minute,
		ChallengeLifetime: 5 * time.Minute,
		PublishRetryGrace: 5 * time.Minute,
		AdmissionCeiling:  100,
		SweepInterval:     30 * time.Second,
	}
}

// transitions enumerates the legal state graph, excluding the
// any-non-terminal-to-failed/expired edges handled separately below.
var transitions = map[store.SessionStatus]map[store.SessionStatus]bool{
	store.SessionInitiated:         {store.SessionChallengeSent: true},
	store.SessionChallengeSent:     {store.SessionAwaitingSignature: true},
	store.SessionAwaitingSignature: {store.SessionSigning: true},
	store.SessionSigning:           {store.SessionCompleted: true},
}

var terminal = map[store.SessionStatus]bool{
	store.SessionCompleted: true,
	store.SessionFailed:    true,
	store.SessionExpired:   true,
}

// NormalizeStatus maps the accepted input-only aliases ("pending",
// "response_received") onto their canonical names. Output always uses the
// canonical form.
func NormalizeStatus(s string) store.SessionStatus {
	switch s {
	case "pending":
		return store.SessionInitiated
	case "response_received":
		return store.SessionAwaitingSignature
	default:
		return store.SessionStatus(s)
	}
}

// ExpireNotifier is invoked by the sweeper for each session it expires, so
// the caller can publish a failure DM without this package depending on
// relay directly.
type ExpireNotifier func(ctx context.Context, s *store.SigningSession)

// Manager is the sole mutator of signing_session rows.
type Manager struct {
	db       *store.DB
	repo     *store.SessionRepository
	cfg      Config
	onExpire ExpireNotifier

	stop chan struct{}
	done chan struct{}
}

// NewManager builds a Manager. onExpire may be nil if no notification is
// wired (e.g. in tests).
func NewManager(db *store.DB, cfg Config, onExpire ExpireNotifier) *Manager {
	return &Manager{
		db:       db,
		repo:     store.NewSessionRepository(),
		cfg:      cfg,
		onExpire: onExpire,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Create starts a new session for an intent, or returns the session that
// already exists for (user_pubkey, action_id) — the idempotency rule
// that replaying an intent returns the same session_id.
func (m *Manager) Create(ctx context.Context, userPubkey string, sessionType store.SessionType, actionID string, intentData []byte, humanContext string) (*store.SigningSession, bool, error) {
	if existing, err := m.repo.GetByActionID(ctx, m.db.Pool(), userPubkey, actionID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	active, err := m.repo.CountActive(ctx, m.db.Pool())
	if err != nil {
		return nil, false, err
	}
	if int(active) >= m.cfg.AdmissionCeiling {
		return nil, false, ErrBusy
	}

	now := time.Now()
	s := &store.SigningSession{
		SessionID:   uuid.New().String(),
		UserPubkey:  userPubkey,
		SessionType: sessionType,
		Status:      store.SessionInitiated,
		ActionID:    actionID,
		IntentData:  intentData,
		Context:     humanContext,
		ExpiresAt:   now.Add(m.cfg.DefaultLifetime),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.repo.Create(ctx, m.db.Pool(), s); err != nil {
		if errors.Is(err, store.ErrSessionExists) {
			existing, getErr := m.repo.GetByActionID(ctx, m.db.Pool(), userPubkey, actionID)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}
	logger.Info("session created",
		logger.Session(s.SessionID),
		zap.String("user_pubkey", userPubkey),
		logger.Action(actionID),
		zap.String("session_type", string(sessionType)),
	)
	return s, true, nil
}

// Get looks up a session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*store.SigningSession, error) {
	return m.repo.Get(ctx, m.db.Pool(), sessionID)
}

// Transition requests a move from one of fromStatuses into toStatus,
// rejecting any edge not present in the state graph. q lets the orchestrator
// fold this into a larger transaction; pass nil to run standalone.
func (m *Manager) Transition(ctx context.Context, q store.Querier, sessionID string, toStatus store.SessionStatus, fromStatuses ...store.SessionStatus) error {
	if toStatus != store.SessionFailed && toStatus != store.SessionExpired {
		for _, from := range fromStatuses {
			if !transitions[from][toStatus] {
				return ErrInvalidTransition
			}
		}
	}
	if q == nil {
		q = m.db.Pool()
	}
	return m.repo.TransitionStatus(ctx, q, sessionID, toStatus, fromStatuses...)
}

// Fail marks a session failed with the given kind. failed/expired are
// reachable from any non-terminal state, so no graph check here.
func (m *Manager) Fail(ctx context.Context, q store.Querier, sessionID string, kind store.FailureKind) error {
	if q == nil {
		q = m.db.Pool()
	}
	return m.repo.MarkFailed(ctx, q, sessionID, kind)
}

// Complete finalizes a session from SessionSigning, persisting its result.
func (m *Manager) Complete(ctx context.Context, q store.Querier, sessionID string, resultData, signedTx []byte) error {
	if q == nil {
		q = m.db.Pool()
	}
	return m.repo.Complete(ctx, q, sessionID, resultData, signedTx)
}

// SaveResult persists intermediate ceremony state without a status change.
func (m *Manager) SaveResult(ctx context.Context, q store.Querier, sessionID string, resultData []byte) error {
	if q == nil {
		q = m.db.Pool()
	}
	return m.repo.SaveResult(ctx, q, sessionID, resultData)
}

// AdvanceStep persists ceremony progress for crash-resume.
func (m *Manager) AdvanceStep(ctx context.Context, q store.Querier, sessionID string, step int) error {
	if q == nil {
		q = m.db.Pool()
	}
	return m.repo.AdvanceStep(ctx, q, sessionID, step)
}

// RequestCancel sets the cooperative-cancellation flag.
func (m *Manager) RequestCancel(ctx context.Context, sessionID string) error {
	return m.repo.RequestCancel(ctx, m.db.Pool(), sessionID)
}

// Start runs the background expiration sweeper until Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go m.sweepLoop(ctx)
}

// Stop halts the sweeper and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweepOnce(ctx)
		}
	}
}

func (m *Manager) sweepOnce(ctx context.Context) {
	expired, err := m.repo.ListExpired(ctx, m.db.Pool())
	if err != nil {
		logger.Error("session sweep: list expired failed", zap.Error(err))
		return
	}
	nonTerminal := []store.SessionStatus{
		store.SessionInitiated, store.SessionChallengeSent,
		store.SessionAwaitingSignature, store.SessionSigning,
	}
	for _, s := range expired {
		err := m.repo.TransitionStatus(ctx, m.db.Pool(), s.SessionID, store.SessionExpired, nonTerminal...)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Error("session sweep: mark expired failed", logger.Session(s.SessionID), zap.Error(err))
			continue
		}
		if err != nil {
			// Already moved on by another worker between list and update.
			continue
		}
		logger.Info("session expired", logger.Session(s.SessionID))
		if m.onExpire != nil {
			m.onExpire(ctx, s)
		}
	}
}
