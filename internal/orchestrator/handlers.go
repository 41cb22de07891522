package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/arkrelay/gateway/internal/daemon"
	"github.com/arkrelay/gateway/internal/store"
	"github.com/arkrelay/gateway/internal/txproc"
	"github.com/jackc/pgx/v5"
)

// Handler supplies the per-intent-type behavior of a ceremony. Handlers
// are registered at startup; the orchestrator owns step ordering, state
// persistence, and failure mapping, and calls into the handler at the
// four points where intent types diverge.
type Handler interface {
	// Verify re-checks the intent's business preconditions against
	// committed state.
	Verify(ctx context.Context, s *store.SigningSession, intent *Intent) error

	// BuildProposals derives the signing payloads: transfer types call the
	// Ark daemon for transaction and checkpoint proposals; the generic
	// protocol-op path lifts solver-supplied payloads instead.
	BuildProposals(ctx context.Context, s *store.SigningSession, intent *Intent, st *CeremonyState) error

	// PreFinalize runs after signature collection and protocol execution
	// but before the finalization transaction (the off-ramp pays its
	// invoice here).
	PreFinalize(ctx context.Context, s *store.SigningSession, intent *Intent, st *CeremonyState) error

	// Finalize applies handler-specific rows inside the finalization
	// transaction and returns the confirmation results.
	Finalize(ctx context.Context, tx pgx.Tx, s *store.SigningSession, intent *Intent, st *CeremonyState) (map[string]any, error)
}

// FeePolicy carries the published fee schedule.
type FeePolicy struct {
	L2TransferFeeUnits  int64
	LightningLandFeeBps int64
	NativeAssetID       string
}

// ErrFeeOutput is returned when an intent's fee output is missing or
// mispriced.
var ErrFeeOutput = errors.New("orchestrator: fee output missing or incorrect")

// p2pHandler executes p2p_transfer ceremonies.
type p2pHandler struct {
	o *Orchestrator
}

func (h *p2pHandler) params(intent *Intent) (*P2PTransferParams, error) {
	var p P2PTransferParams
	if err := json.Unmarshal(intent.Params, &p); err != nil {
		return nil, fmt.Errorf("%w: p2p params: %v", ErrMalformedIntent, err)
	}
	return &p, nil
}

func (h *p2pHandler) Verify(ctx context.Context, s *store.SigningSession, intent *Intent) error {
	p, err := h.params(intent)
	if err != nil {
		return err
	}
	if p.Fee != h.o.fees.L2TransferFeeUnits {
		return ErrFeeOutput
	}
	spec := txproc.TransferSpec{
		SenderPubkey:    s.UserPubkey,
		RecipientPubkey: p.Recipient,
		AssetID:         p.AssetID,
		Amount:          p.Amount,
		FeeAmount:       p.Fee,
		FeeAssetID:      h.o.fees.NativeAssetID,
	}
	return h.o.txs.ValidateTransfer(ctx, nil, spec)
}

func (h *p2pHandler) BuildProposals(ctx context.Context, s *store.SigningSession, intent *Intent, st *CeremonyState) error {
	p, err := h.params(intent)
	if err != nil {
		return err
	}

	total := p.Amount
	if p.AssetID == h.o.fees.NativeAssetID {
		total += p.Fee
	}

	inputs, err := h.o.vtxos.ListAssigned(ctx, nil, s.UserPubkey, p.AssetID)
	if err != nil {
		return err
	}
	var have int64
	for _, v := range inputs {
		have += v.AmountSats
	}
	if have < total {
		more, err := h.o.vtxos.Assign(ctx, s.UserPubkey, p.AssetID, total-have)
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

	spec := txproc.TransferSpec{
		SenderPubkey:    s.UserPubkey,
		RecipientPubkey: p.Recipient,
		AssetID:         p.AssetID,
		Amount:          p.Amount,
		FeeAmount:       p.Fee,
		FeeAssetID:      h.o.fees.NativeAssetID,
	}
	outputs, err := h.o.txs.Outputs(spec, h.o.pub.IdentityPubkeyHex())
	if err != nil {
		return err
	}

	proposal, err := h.o.ark.PrepareArkTransaction(ctx, st.InputVTXOIDs, outputs)
	if err != nil {
		return err
	}
	st.ArkProposalID = proposal.ProposalID
	st.RawTx = base64.StdEncoding.EncodeToString(proposal.UnsignedTx)
	for _, pl := range proposal.Payloads {
		st.Payloads = append(st.Payloads, PayloadState{
			InputRef: pl.InputRef,
			Payload:  base64.StdEncoding.EncodeToString(pl.Payload),
		})
	}

	checkpoint, err := h.o.ark.PrepareCheckpointTransaction(ctx, proposal.ProposalID)
	if err != nil {
		return err
	}
	st.CheckpointProposalID = checkpoint.ProposalID
	for _, pl := range checkpoint.Payloads {
		st.Payloads = append(st.Payloads, PayloadState{
			InputRef: pl.InputRef,
			Payload:  base64.StdEncoding.EncodeToString(pl.Payload),
		})
	}
	return nil
}

func (h *p2pHandler) PreFinalize(ctx context.Context, s *store.SigningSession, intent *Intent, st *CeremonyState) error {
	return nil
}

func (h *p2pHandler) Finalize(ctx context.Context, tx pgx.Tx, s *store.SigningSession, intent *Intent, st *CeremonyState) (map[string]any, error) {
	p, err := h.params(intent)
	if err != nil {
		return nil, err
	}

	rawTx, err := st.RawTxBytes()
	if err != nil {
		return nil, err
	}
	if _, err := h.o.txs.RecordBroadcast(ctx, tx, s.SessionID, st.FinalizedTxid, store.TxTypeTransfer, rawTx, p.Amount, p.Fee); err != nil {
		return nil, err
	}

	inputs, err := h.o.lockInputs(ctx, tx, st.InputVTXOIDs)
	if err != nil {
		return nil, err
	}
	var inputSum int64
	for _, v := range inputs {
		inputSum += v.AmountSats
	}
	if err := h.o.vtxos.SpendInTx(ctx, tx, inputs, st.FinalizedTxid); err != nil {
		return nil, err
	}

	feeInAsset := int64(0)
	if p.AssetID == h.o.fees.NativeAssetID {
		feeInAsset = p.Fee
	}
	total := p.Amount + feeInAsset
	if err := h.o.vtxos.DebitSpendInTx(ctx, tx, s.UserPubkey, p.AssetID, total, st.ReservedAmount); err != nil {
		return nil, err
	}
	if feeInAsset == 0 && p.Fee > 0 {
		// Non-native transfer: the fee output is denominated in the
		// native asset and charged against the sender's native ledger.
		if err := h.o.vtxos.DebitSpendInTx(ctx, tx, s.UserPubkey, h.o.fees.NativeAssetID, p.Fee, 0); err != nil {
			return nil, err
		}
	}

	script, err := txproc.OutputScript(p.Recipient)
	if err != nil {
		return nil, err
	}
	recipientOut, err := h.o.vtxos.CreateAssignedInTx(ctx, tx, p.Recipient, p.AssetID, st.FinalizedTxid, 0, p.Amount, script)
	if err != nil {
		return nil, err
	}

	// Change, net of the fee output. Inputs pulled from gateway inventory
	// return their overshoot to inventory; the sender's own overshoot
	// comes back as an assigned VTXO with no ledger credit (its value
	// never left their balance).
	change := inputSum - total
	var changeOut *store.VTXO
	if change > 0 {
		if st.ReservedAmount > 0 {
			var gatewayScript []byte
			gatewayScript, err = txproc.OutputScript(h.o.pub.IdentityPubkeyHex())
			if err != nil {
				return nil, err
			}
			changeOut, err = h.o.vtxos.CreateAvailableInTx(ctx, tx, p.AssetID, st.FinalizedTxid, 1, change, gatewayScript)
		} else {
			var senderScript []byte
			senderScript, err = txproc.OutputScript(s.UserPubkey)
			if err != nil {
				return nil, err
			}
			changeOut, err = h.o.vtxos.CreateChangeInTx(ctx, tx, s.UserPubkey, p.AssetID, st.FinalizedTxid, 1, change, senderScript)
		}
		if err != nil {
			return nil, err
		}
	}

	results := map[string]any{
		"txid":           st.FinalizedTxid,
		"recipient_vtxo": recipientOut.VTXOID,
		"amount":         p.Amount,
		"asset_id":       p.AssetID,
	}
	if changeOut != nil {
		results["change_vtxo"] = changeOut.VTXOID
	}
	return results, nil
}

// protocolOpHandler runs solver-routed intents: intent verification,
// signature collection over solver-supplied payloads, and finalization
// that records the collected signatures without producing a transaction.
type protocolOpHandler struct {
	o *Orchestrator
}

func (h *protocolOpHandler) Verify(ctx context.Context, s *store.SigningSession, intent *Intent) error {
	var p ProtocolOpParams
	if err := json.Unmarshal(intent.Params, &p); err != nil {
		return fmt.Errorf("%w: protocol-op params: %v", ErrMalformedIntent, err)
	}
	if len(p.Payloads) == 0 {
		return fmt.Errorf("%w: protocol-op intent carries no payloads", ErrMalformedIntent)
	}
	return nil
}

func (h *protocolOpHandler) BuildProposals(ctx context.Context, s *store.SigningSession, intent *Intent, st *CeremonyState) error {
	var p ProtocolOpParams
	if err := json.Unmarshal(intent.Params, &p); err != nil {
		return fmt.Errorf("%w: protocol-op params: %v", ErrMalformedIntent, err)
	}
	for _, pl := range p.Payloads {
		if _, err := base64.StdEncoding.DecodeString(pl.Payload); err != nil {
			return fmt.Errorf("%w: payload %s is not base64", ErrMalformedIntent, pl.Ref)
		}
		st.Payloads = append(st.Payloads, PayloadState{InputRef: pl.Ref, Payload: pl.Payload})
	}
	return nil
}

func (h *protocolOpHandler) PreFinalize(ctx context.Context, s *store.SigningSession, intent *Intent, st *CeremonyState) error {
	return nil
}

func (h *protocolOpHandler) Finalize(ctx context.Context, tx pgx.Tx, s *store.SigningSession, intent *Intent, st *CeremonyState) (map[string]any, error) {
	sigs := make(map[string]string, len(st.Payloads))
	for _, pl := range st.Payloads {
		sigs[pl.InputRef] = pl.Signature
	}
	return map[string]any{"signatures": sigs}, nil
}

// hasArkProtocol reports whether this ceremony submits to the Ark daemon
// during protocol execution, which the generic solver path does not.
func hasArkProtocol(st *CeremonyState) bool {
	return st.ArkProposalID != ""
}

// daemonFailureKind classifies a daemon-step error into the failure kind
// the session records.
func daemonFailureKind(err error) store.FailureKind {
	if daemon.IsConflict(err) {
		return store.FailureConflict
	}
	return store.FailureBackendUnavailable
}
