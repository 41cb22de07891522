// Package lightning implements the on-ramp (lift) and off-ramp (land)
// flows between external Lightning payments and gateway VTXOs, plus the
// reconciler that re-checks pending invoice state after restarts.
package lightning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/internal/daemon"
	"github.com/arkrelay/gateway/internal/orchestrator"
	"github.com/arkrelay/gateway/internal/relay"
	"github.com/arkrelay/gateway/internal/session"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/internal/txproc"
	"github.com/arkrelay/gateway/internal/vtxo"
	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	ErrInvalidLiftAmount = errors.New("lightning: lift amount must be positive")
	ErrInvoiceExpired    = errors.New("lightning: invoice already expired")
	ErrZeroAmountInvoice = errors.New("lightning: zero-amount invoices are not accepted")
)

// Config carries the off-ramp fee schedule and reconciliation cadence.
// Lifts are free; lands charge LandFeeBps basis points of the withdrawn
// amount in the withdrawn asset.
type Config struct {
	LandFeeBps         int64
	MaxPaymentFeeSats  int64
	InvoiceExpiry      time.Duration
	ReconcileInterval  time.Duration
	SettlePollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		LandFeeBps:         10,
		MaxPaymentFeeSats:  100,
		InvoiceExpiry:      30 * time.Minute,
		ReconcileInterval:  time.Minute,
		SettlePollInterval: 2 * time.Second,
	}
}

// Manager drives lift and land sessions and reconciles settled payments.
type Manager struct {
	db       *store.DB
	invoices *store.InvoiceRepository
	sessions *session.Manager
	vtxos    *vtxo.Manager
	ln       daemon.LightningAdapter
	pub      *relay.Publisher
	cfg      Config

	stop chan struct{}
	done chan struct{}
}

func NewManager(db *store.DB, sessions *session.Manager, vtxos *vtxo.Manager, ln daemon.LightningAdapter, pub *relay.Publisher, cfg Config) *Manager {
	return &Manager{
		db:       db,
		invoices: store.NewInvoiceRepository(),
		sessions: sessions,
		vtxos:    vtxos,
		ln:       ln,
		pub:      pub,
		cfg:      cfg,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// LandFee returns the off-ramp fee for amount: LandFeeBps basis points,
// rounded down.
func (m *Manager) LandFee(amount int64) int64 {
	return amount * m.cfg.LandFeeBps / 10000
}

// StartLift begins the on-ramp flow for a freshly created lift session:
// create the Lightning invoice, persist it pending, deliver it to the
// wallet, and watch for settlement. The invoice takes the place of a
// signing challenge — paying it is the user's response.
func (m *Manager) StartLift(ctx context.Context, s *store.SigningSession, intent *orchestrator.Intent) error {
	var p orchestrator.LiftParams
	if err := json.Unmarshal(intent.Params, &p); err != nil {
		m.failSession(ctx, s, store.FailureValidation, orchestrator.CodeValidationFailed, "malformed lift params")
		return nil
	}
	if p.AmountSats <= 0 {
		m.failSession(ctx, s, store.FailureValidation, orchestrator.CodeValidationFailed, ErrInvalidLiftAmount.Error())
		return nil
	}

	expiry := int64(m.cfg.InvoiceExpiry / time.Second)
	memo := fmt.Sprintf("lift %d sats of %s", p.AmountSats, p.AssetID)
	added, err := m.ln.AddInvoice(ctx, p.AmountSats, memo, expiry)
	if err != nil {
		m.failSession(ctx, s, store.FailureBackendUnavailable, orchestrator.CodeBackendUnavailable, "invoice creation failed")
		return nil
	}

	inv := &store.LightningInvoice{
		PaymentHash:   added.PaymentHash,
		Bolt11Invoice: added.PaymentRequest,
		SessionID:     s.SessionID,
		AmountSats:    p.AmountSats,
		AssetID:       p.AssetID,
		Status:        store.InvoicePending,
		InvoiceType:   store.InvoiceLift,
		CreatedAt:     time.Now(),
	}
	if err := m.invoices.Create(ctx, m.db.Pool(), inv); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}

	if err := m.sessions.Transition(ctx, nil, s.SessionID, store.SessionChallengeSent, store.SessionInitiated); err != nil {
		return err
	}

	dm := relay.ChallengePayload{
		SessionID:     s.SessionID,
		Type:          "pay_invoice",
		PayloadToSign: added.PaymentRequest,
		PayloadRef:    added.PaymentHash,
		Algo:          "bolt11",
		Domain:        "lightning-lift",
		Context:       memo,
		ExpiresAt:     time.Now().Add(m.cfg.InvoiceExpiry).Unix(),
	}
	if err := m.pub.SendChallenge(ctx, s.UserPubkey, dm); err != nil {
		logger.Error("lift invoice DM failed", logger.Session(s.SessionID), zap.Error(err))
		return err
	}
	if err := m.sessions.Transition(ctx, nil, s.SessionID, store.SessionAwaitingSignature, store.SessionChallengeSent); err != nil {
		return err
	}

	logger.Info("lift invoice issued",
		logger.Session(s.SessionID),
		zap.String("payment_hash", added.PaymentHash),
		zap.Int64("amount_sats", p.AmountSats),
	)

	go m.watchSettlement(context.WithoutCancel(ctx), inv.PaymentHash, s.ExpiresAt)
	return nil
}

// watchSettlement blocks on the Lightning daemon until the invoice
// settles or the session deadline passes.
func (m *Manager) watchSettlement(ctx context.Context, paymentHash string, deadline time.Time) {
	watchCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	settled, err := m.ln.SubscribeInvoiceSettled(watchCtx, paymentHash, m.cfg.SettlePollInterval)
	if err != nil {
		logger.Warn("invoice settlement watch ended",
			zap.String("payment_hash", paymentHash), zap.Error(err))
		return
	}
	if !settled {
		return
	}
	if err := m.OnLiftSettled(ctx, paymentHash); err != nil {
		logger.Error("lift settlement handling failed",
			zap.String("payment_hash", paymentHash), zap.Error(err))
	}
}

// OnLiftSettled finalizes a lift once its invoice settles: invoice marked
// settled, a VTXO of the lifted amount created for the user, balance
// credited, session completed — atomically. Duplicate settlement signals
// are absorbed by the pending->settled guard.
func (m *Manager) OnLiftSettled(ctx context.Context, paymentHash string) error {
	inv, err := m.invoices.Get(ctx, m.db.Pool(), paymentHash)
	if err != nil {
		return err
	}
	if inv.Status != store.InvoicePending {
		return nil
	}

	s, err := m.sessions.Get(ctx, inv.SessionID)
	if err != nil {
		return err
	}
	if s.Status == store.SessionAwaitingSignature {
		if err := m.sessions.Transition(ctx, nil, s.SessionID, store.SessionSigning, store.SessionAwaitingSignature); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	var createdVTXO *store.VTXO
	err = m.db.WithSerializableTx(ctx, func(tx pgx.Tx) error {
		if err := m.invoices.MarkSettled(ctx, tx, paymentHash); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Another settlement signal won.
				return nil
			}
			return err
		}

		script, err := txproc.OutputScript(s.UserPubkey)
		if err != nil {
			return err
		}
		createdVTXO, err = m.vtxos.CreateAssignedInTx(ctx, tx, s.UserPubkey, inv.AssetID, paymentHash, 0, inv.AmountSats, script)
		if err != nil {
			return err
		}

		results := map[string]any{
			"payment_hash": paymentHash,
			"vtxo_id":      createdVTXO.VTXOID,
			"amount_sats":  inv.AmountSats,
			"asset_id":     inv.AssetID,
		}
		resultJSON, err := json.Marshal(results)
		if err != nil {
			return err
		}
		return m.sessions.Complete(ctx, tx, s.SessionID, resultJSON, nil)
	})
	if err != nil {
		return err
	}
	if createdVTXO == nil {
		return nil
	}

	logger.Info("lift settled",
		logger.Session(s.SessionID),
		zap.String("payment_hash", paymentHash),
		zap.String("vtxo_id", createdVTXO.VTXOID),
	)

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()
	if err := m.pub.PublishConfirmation(pubCtx, s.ActionID, map[string]any{
		"payment_hash": paymentHash,
		"vtxo_id":      createdVTXO.VTXOID,
		"amount_sats":  inv.AmountSats,
		"asset_id":     inv.AssetID,
	}); err != nil {
		logger.Error("lift confirmation publish failed", logger.Session(s.SessionID), zap.Error(err))
	}
	return nil
}

// Start launches the reconciliation loop.
func (m *Manager) Start(ctx context.Context) {
	go m.reconcileLoop(ctx)
}

// Stop halts the reconciler and waits for it.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) reconcileLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.reconcileOnce(ctx)
		}
	}
}

// reconcileOnce re-checks pending lift invoices against the daemon
// (covering settlement signals lost to a crash) and expires invoices past
// their window. Settlement handling is idempotent, so re-observing an
// already-settled invoice is harmless.
func (m *Manager) reconcileOnce(ctx context.Context) {
	pending, err := m.invoices.ListPendingByType(ctx, m.db.Pool(), store.InvoiceLift)
	if err != nil {
		logger.Error("invoice reconciliation list failed", zap.Error(err))
		return
	}

	for _, inv := range pending {
		if time.Since(inv.CreatedAt) > m.cfg.InvoiceExpiry {
			if err := m.invoices.MarkExpired(ctx, m.db.Pool(), inv.PaymentHash); err != nil && !errors.Is(err, store.ErrNotFound) {
				logger.Error("invoice expiry failed", zap.String("payment_hash", inv.PaymentHash), zap.Error(err))
			}
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, m.cfg.SettlePollInterval*2)
		settled, err := m.ln.SubscribeInvoiceSettled(checkCtx, inv.PaymentHash, m.cfg.SettlePollInterval)
		cancel()
		if err != nil || !settled {
			continue
		}
		if err := m.OnLiftSettled(ctx, inv.PaymentHash); err != nil {
			logger.Error("reconciled settlement handling failed",
				zap.String("payment_hash", inv.PaymentHash), zap.Error(err))
		}
	}
}

func (m *Manager) failSession(ctx context.Context, s *store.SigningSession, kind store.FailureKind, code int, msg string) {
	if err := m.sessions.Fail(ctx, nil, s.SessionID, kind); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.Error("failed to mark session failed", logger.Session(s.SessionID), zap.Error(err))
		}
		return
	}
	dmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := m.pub.SendFailure(dmCtx, s.UserPubkey, code, msg, s.ActionID); err != nil {
		logger.Error("failure DM send failed", logger.Session(s.SessionID), zap.Error(err))
	}
}
