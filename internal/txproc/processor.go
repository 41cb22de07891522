// Package txproc builds and tracks the transaction artifacts a ceremony
// produces: balance validation, output shaping, broadcast, and
// confirmation tracking.
package txproc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/internal/daemon"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/btcsuite/btcd/btcutil"
	"go.uber.org/zap"
)

var (
	ErrInsufficientFunds  = errors.New("txproc: insufficient funds")
	ErrInvalidTransaction = errors.New("txproc: invalid transaction")
	ErrConflict           = errors.New("txproc: conflicting input spend")
)

// TransferSpec describes one P2P transfer at the value level: who pays
// whom, in what asset, and the fee carried as a dedicated output.
type TransferSpec struct {
	SenderPubkey    string
	RecipientPubkey string
	AssetID         string
	Amount          int64
	FeeAmount       int64
	FeeAssetID      string
}

// Total returns the amount the sender must cover, fee included, when fee
// and transfer are denominated in the same asset.
func (s TransferSpec) Total() int64 {
	if s.FeeAssetID == s.AssetID {
		return s.Amount + s.FeeAmount
	}
	return s.Amount
}

// Describe renders the transfer for session context fields.
func (s TransferSpec) Describe() string {
	return fmt.Sprintf("transfer %s of %s to %s (fee %d)",
		btcutil.Amount(s.Amount).String(), s.AssetID, s.RecipientPubkey, s.FeeAmount)
}

// Processor validates, records, broadcasts, and confirms Transaction rows.
type Processor struct {
	db        *store.DB
	txs       *store.TransactionRepository
	balances  *store.BalanceRepository
	ark       daemon.ArkClient
	confDepth int

	stop chan struct{}
	done chan struct{}
}

// NewProcessor builds a Processor. confDepth is the confirmation depth at
// which a broadcast transaction is promoted to confirmed (default 1).
func NewProcessor(db *store.DB, ark daemon.ArkClient, confDepth int) *Processor {
	if confDepth <= 0 {
		confDepth = 1
	}
	return &Processor{
		db:        db,
		txs:       store.NewTransactionRepository(),
		balances:  store.NewBalanceRepository(),
		ark:       ark,
		confDepth: confDepth,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ValidateTransfer re-checks the business preconditions of a transfer
// against committed state: spendable balance covers amount plus fee, and
// the recipient identifier is well-formed. Called both at intent
// verification and again before persisting a prepared transaction.
func (p *Processor) ValidateTransfer(ctx context.Context, q store.Querier, spec TransferSpec) error {
	if spec.Amount <= 0 {
		return fmt.Errorf("%w: non-positive amount", ErrInvalidTransaction)
	}
	if err := ValidateRecipient(spec.RecipientPubkey); err != nil {
		return err
	}
	if q == nil {
		q = p.db.Pool()
	}

	bal, err := p.balances.Get(ctx, q, spec.SenderPubkey, spec.AssetID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInsufficientFunds
		}
		return err
	}
	if bal.Spendable() < spec.Total() {
		return ErrInsufficientFunds
	}

	if spec.FeeAssetID != spec.AssetID && spec.FeeAmount > 0 {
		feeBal, err := p.balances.Get(ctx, q, spec.SenderPubkey, spec.FeeAssetID)
		if err != nil || feeBal.Spendable() < spec.FeeAmount {
			return ErrInsufficientFunds
		}
	}
	return nil
}

// Outputs shapes the transfer into the recipient/fee output map handed to
// the Ark daemon for transaction preparation.
func (p *Processor) Outputs(spec TransferSpec, gatewayPubkey string) (map[string]int64, error) {
	if err := ValidateRecipient(spec.RecipientPubkey); err != nil {
		return nil, err
	}
	out := map[string]int64{
		spec.RecipientPubkey: spec.Amount,
	}
	if spec.FeeAmount > 0 {
		out[gatewayPubkey] += spec.FeeAmount
	}
	return out, nil
}

// Prepare persists a prepared Transaction row for a finalized-but-unsent
// artifact.
func (p *Processor) Prepare(ctx context.Context, q store.Querier, sessionID, txid string, txType store.TxType, rawTx []byte, amountSats, feeSats int64) (*store.Transaction, error) {
	if q == nil {
		q = p.db.Pool()
	}
	t := &store.Transaction{
		Txid:       txid,
		SessionID:  sessionID,
		TxType:     txType,
		RawTx:      rawTx,
		Status:     store.TxPrepared,
		AmountSats: amountSats,
		FeeSats:    feeSats,
		CreatedAt:  time.Now(),
	}
	if err := p.txs.Create(ctx, q, t); err != nil {
		return nil, err
	}
	return t, nil
}

// RecordBroadcast inserts a Transaction row already in broadcast state,
// the form ceremony finalization uses since the daemon broadcasts on
// signature submission. Runs in the caller's transaction.
func (p *Processor) RecordBroadcast(ctx context.Context, q store.Querier, sessionID, txid string, txType store.TxType, rawTx []byte, amountSats, feeSats int64) (*store.Transaction, error) {
	now := time.Now()
	t := &store.Transaction{
		Txid:        txid,
		SessionID:   sessionID,
		TxType:      txType,
		RawTx:       rawTx,
		Status:      store.TxBroadcast,
		AmountSats:  amountSats,
		FeeSats:     feeSats,
		CreatedAt:   now,
		BroadcastAt: &now,
	}
	if err := p.txs.Create(ctx, q, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Broadcast hands a prepared transaction's raw bytes to the Ark daemon for
// network propagation and marks the row broadcast on success.
func (p *Processor) Broadcast(ctx context.Context, txid string) error {
	t, err := p.txs.Get(ctx, p.db.Pool(), txid)
	if err != nil {
		return err
	}
	if t.Status != store.TxPrepared {
		return fmt.Errorf("%w: transaction %s is %s, not prepared", ErrInvalidTransaction, txid, t.Status)
	}

	if _, err := p.ark.BroadcastTransaction(ctx, t.RawTx); err != nil {
		if daemon.IsConflict(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	if err := p.txs.MarkBroadcast(ctx, p.db.Pool(), txid, time.Now()); err != nil {
		return err
	}
	logger.Info("transaction broadcast", logger.Txid(txid))
	return nil
}

// Status returns the current Transaction row for txid.
func (p *Processor) Status(ctx context.Context, txid string) (*store.Transaction, error) {
	return p.txs.Get(ctx, p.db.Pool(), txid)
}

// Start launches the confirmation poller: every pollInterval it asks the
// Ark daemon's chain observer about each broadcast-but-unconfirmed
// transaction and records the reported depth.
func (p *Processor) Start(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stop:
				return
			case <-ticker.C:
				p.pollOnce(ctx)
			}
		}
	}()
}

// Stop halts the confirmation poller and waits for it.
func (p *Processor) Stop() {
	close(p.stop)
	<-p.done
}

func (p *Processor) pollOnce(ctx context.Context) {
	pending, err := p.txs.ListPendingConfirmation(ctx, p.db.Pool())
	if err != nil {
		logger.Error("confirmation poll: list failed", zap.Error(err))
		return
	}
	for _, t := range pending {
		status, err := p.ark.GetTransactionStatus(ctx, t.Txid)
		if err != nil {
			logger.Warn("confirmation poll: status query failed",
				logger.Txid(t.Txid), zap.Error(err))
			continue
		}
		if status.Confirmations == t.Confirmations {
			continue
		}
		if err := p.Confirm(ctx, t.Txid, status.Confirmations); err != nil {
			logger.Error("confirmation poll: record failed",
				logger.Txid(t.Txid), zap.Error(err))
		}
	}
}

// Confirm records a reported confirmation depth, promoting the row to
// confirmed once the policy depth is met.
func (p *Processor) Confirm(ctx context.Context, txid string, confirmations int) error {
	confirmed := confirmations >= p.confDepth
	if err := p.txs.UpdateConfirmations(ctx, p.db.Pool(), txid, confirmations, confirmed); err != nil {
		return err
	}
	if confirmed {
		logger.Info("transaction confirmed",
			logger.Txid(txid),
			zap.Int("confirmations", confirmations),
		)
	}
	return nil
}
