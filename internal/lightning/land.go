package lightning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arkrelay/gateway/internal/daemon"
	"github.com/arkrelay/gateway/internal/lnd"
	"github.com/arkrelay/gateway/internal/orchestrator"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/internal/txproc"
	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrPaymentFailed is returned when the off-ramp invoice payment does not
// succeed after the ceremony has collected signatures.
var ErrPaymentFailed = errors.New("lightning: invoice payment failed")

// LandHandler executes lightning:land ceremonies: the user's VTXOs are
// swept to the gateway through the standard signing ceremony, then the
// gateway pays the user's external invoice.
type LandHandler struct {
	m             *Manager
	ark           daemon.ArkClient
	txs           *txproc.Processor
	gatewayPubkey string
}

// NewLandHandler builds the handler the orchestrator registers for the
// lightning_land session type.
func NewLandHandler(m *Manager, ark daemon.ArkClient, txs *txproc.Processor, gatewayPubkey string) *LandHandler {
	return &LandHandler{m: m, ark: ark, txs: txs, gatewayPubkey: gatewayPubkey}
}

func (h *LandHandler) params(intent *orchestrator.Intent) (*orchestrator.LandParams, error) {
	var p orchestrator.LandParams
	if err := json.Unmarshal(intent.Params, &p); err != nil {
		return nil, fmt.Errorf("%w: land params: %v", orchestrator.ErrMalformedIntent, err)
	}
	return &p, nil
}

func (h *LandHandler) decode(ctx context.Context, bolt11 string) (*lnd.Invoice, error) {
	inv, err := h.m.ln.DecodeInvoice(ctx, bolt11)
	if err != nil {
		return nil, err
	}
	if inv.IsExpired {
		return nil, ErrInvoiceExpired
	}
	if inv.AmountSats <= 0 {
		return nil, ErrZeroAmountInvoice
	}
	return inv, nil
}

func (h *LandHandler) Verify(ctx context.Context, s *store.SigningSession, intent *orchestrator.Intent) error {
	p, err := h.params(intent)
	if err != nil {
		return err
	}
	inv, err := h.decode(ctx, p.Bolt11)
	if err != nil {
		return err
	}

	spec := txproc.TransferSpec{
		SenderPubkey:    s.UserPubkey,
		RecipientPubkey: h.gatewayPubkey,
		AssetID:         p.AssetID,
		Amount:          inv.AmountSats,
		FeeAmount:       h.m.LandFee(inv.AmountSats),
		FeeAssetID:      p.AssetID,
	}
	if err := h.txs.ValidateTransfer(ctx, nil, spec); err != nil {
		return err
	}

	// The payout draws on the node's outbound channel liquidity; reject
	// up front rather than after the user has signed the sweep.
	liquidity, err := h.m.ln.GetLiquidity(ctx)
	if err != nil {
		return err
	}
	if liquidity.OutboundSats < inv.AmountSats {
		return fmt.Errorf("%w: outbound liquidity %d below invoice amount %d",
			ErrPaymentFailed, liquidity.OutboundSats, inv.AmountSats)
	}
	return nil
}

func (h *LandHandler) BuildProposals(ctx context.Context, s *store.SigningSession, intent *orchestrator.Intent, st *orchestrator.CeremonyState) error {
	p, err := h.params(intent)
	if err != nil {
		return err
	}
	inv, err := h.decode(ctx, p.Bolt11)
	if err != nil {
		return err
	}
	fee := h.m.LandFee(inv.AmountSats)
	total := inv.AmountSats + fee

	row := &store.LightningInvoice{
		PaymentHash:   inv.PaymentHash,
		Bolt11Invoice: p.Bolt11,
		SessionID:     s.SessionID,
		AmountSats:    inv.AmountSats,
		AssetID:       p.AssetID,
		Status:        store.InvoicePending,
		InvoiceType:   store.InvoiceLand,
		CreatedAt:     time.Now(),
	}
	if err := h.m.invoices.Create(ctx, h.m.db.Pool(), row); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}
	st.PaymentHash = inv.PaymentHash

	inputs, err := h.m.vtxos.ListAssigned(ctx, nil, s.UserPubkey, p.AssetID)
	if err != nil {
		return err
	}
	var have int64
	for _, v := range inputs {
		have += v.AmountSats
	}
	if have < total {
		more, err := h.m.vtxos.Assign(ctx, s.UserPubkey, p.AssetID, total-have)
		if err != nil {
			return err
		}
		st.ReservedAmount = total - have
		inputs = append(inputs, more...)
	}
	st.InputVTXOIDs = st.InputVTXOIDs[:0]
	for _, v := range inputs {
		st.InputVTXOIDs = append(st.InputVTXOIDs, v.VTXOID)
	}

	// The whole withdrawn amount plus fee sweeps to the gateway; the
	// external invoice payout happens at PreFinalize.
	outputs := map[string]int64{h.gatewayPubkey: total}
	proposal, err := h.ark.PrepareArkTransaction(ctx, st.InputVTXOIDs, outputs)
	if err != nil {
		return err
	}
	st.ArkProposalID = proposal.ProposalID
	st.RawTx = base64.StdEncoding.EncodeToString(proposal.UnsignedTx)
	for _, pl := range proposal.Payloads {
		st.Payloads = append(st.Payloads, orchestrator.PayloadState{
			InputRef: pl.InputRef,
			Payload:  base64.StdEncoding.EncodeToString(pl.Payload),
		})
	}

	checkpoint, err := h.ark.PrepareCheckpointTransaction(ctx, proposal.ProposalID)
	if err != nil {
		return err
	}
	st.CheckpointProposalID = checkpoint.ProposalID
	for _, pl := range checkpoint.Payloads {
		st.Payloads = append(st.Payloads, orchestrator.PayloadState{
			InputRef: pl.InputRef,
			Payload:  base64.StdEncoding.EncodeToString(pl.Payload),
		})
	}
	return nil
}

// PreFinalize pays the user's invoice once the sweep transaction is
// finalized. A failed payment fails the ceremony before any VTXO is
// spent in the store.
func (h *LandHandler) PreFinalize(ctx context.Context, s *store.SigningSession, intent *orchestrator.Intent, st *orchestrator.CeremonyState) error {
	p, err := h.params(intent)
	if err != nil {
		return err
	}

	inv, err := h.m.invoices.Get(ctx, h.m.db.Pool(), st.PaymentHash)
	if err != nil {
		return err
	}
	if inv.Status == store.InvoiceSettled {
		return nil
	}

	result, err := h.m.ln.PayInvoice(ctx, p.Bolt11, h.m.cfg.MaxPaymentFeeSats)
	if err != nil {
		if markErr := h.m.invoices.MarkFailed(ctx, h.m.db.Pool(), st.PaymentHash); markErr != nil && !errors.Is(markErr, store.ErrNotFound) {
			logger.Error("failed to mark land invoice failed", zap.Error(markErr))
		}
		return err
	}
	if result.Status != lnd.PaymentSucceeded {
		if markErr := h.m.invoices.MarkFailed(ctx, h.m.db.Pool(), st.PaymentHash); markErr != nil && !errors.Is(markErr, store.ErrNotFound) {
			logger.Error("failed to mark land invoice failed", zap.Error(markErr))
		}
		return ErrPaymentFailed
	}

	logger.Info("land invoice paid",
		logger.Session(s.SessionID),
		zap.String("payment_hash", st.PaymentHash),
		zap.Int64("routing_fee_sats", result.FeeSats),
	)
	return nil
}

func (h *LandHandler) Finalize(ctx context.Context, tx pgx.Tx, s *store.SigningSession, intent *orchestrator.Intent, st *orchestrator.CeremonyState) (map[string]any, error) {
	inv, err := h.m.invoices.Get(ctx, tx, st.PaymentHash)
	if err != nil {
		return nil, err
	}
	fee := h.m.LandFee(inv.AmountSats)

	rawTx, err := st.RawTxBytes()
	if err != nil {
		return nil, err
	}
	if _, err := h.txs.RecordBroadcast(ctx, tx, s.SessionID, st.FinalizedTxid, store.TxTypeLightning, rawTx, inv.AmountSats, fee); err != nil {
		return nil, err
	}

	inputs, err := h.m.lockInputs(ctx, tx, st.InputVTXOIDs)
	if err != nil {
		return nil, err
	}
	var inputSum int64
	for _, v := range inputs {
		inputSum += v.AmountSats
	}
	if err := h.m.vtxos.SpendInTx(ctx, tx, inputs, st.FinalizedTxid); err != nil {
		return nil, err
	}

	total := inv.AmountSats + fee
	if err := h.m.vtxos.DebitSpendInTx(ctx, tx, s.UserPubkey, inv.AssetID, total, st.ReservedAmount); err != nil {
		return nil, err
	}

	// Overshoot beyond amount+fee: inventory change returns to inventory,
	// the user's own change comes back assigned with no ledger credit.
	change := inputSum - total
	if change > 0 {
		if st.ReservedAmount > 0 {
			gatewayScript, err := txproc.OutputScript(h.gatewayPubkey)
			if err != nil {
				return nil, err
			}
			if _, err := h.m.vtxos.CreateAvailableInTx(ctx, tx, inv.AssetID, st.FinalizedTxid, 1, change, gatewayScript); err != nil {
				return nil, err
			}
		} else {
			script, err := txproc.OutputScript(s.UserPubkey)
			if err != nil {
				return nil, err
			}
			if _, err := h.m.vtxos.CreateChangeInTx(ctx, tx, s.UserPubkey, inv.AssetID, st.FinalizedTxid, 1, change, script); err != nil {
				return nil, err
			}
		}
	}

	if err := h.m.invoices.MarkSettled(ctx, tx, st.PaymentHash); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return map[string]any{
		"txid":         st.FinalizedTxid,
		"payment_hash": st.PaymentHash,
		"amount_sats":  inv.AmountSats,
		"fee_sats":     fee,
		"asset_id":     inv.AssetID,
	}, nil
}

// lockInputs re-reads the session's input VTXOs inside the finalization
// transaction, rejecting any no longer assigned.
func (m *Manager) lockInputs(ctx context.Context, tx pgx.Tx, vtxoIDs []string) ([]*store.VTXO, error) {
	repo := store.NewVTXORepository()
	out := make([]*store.VTXO, 0, len(vtxoIDs))
	for _, id := range vtxoIDs {
		v, err := repo.Get(ctx, tx, id)
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
