package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arkrelay/gateway/internal/resilience"
	"github.com/arkrelay/gateway/pkg/logger"
	"go.uber.org/zap"
)

// ArkConfig points at the Ark-protocol daemon's HTTP control API.
type ArkConfig struct {
	BaseURL            string
	RequestTimeout     time.Duration
	BreakerMaxFailures int
	BreakerResetAfter  time.Duration
	RetryPolicy        *resilience.RetryPolicy // nil uses resilience.DefaultRetryPolicy
}

// SigningPayload is one per-input blob the wallet must sign, opaque to the
// gateway beyond the digest it carries.
type SigningPayload struct {
	InputRef  string `json:"input_ref"`
	Payload   []byte `json:"payload"`
	PayloadRef string `json:"payload_ref"`
}

// ArkTxProposal is the unsigned Ark transaction produced by step 2 of the
// ceremony, plus the payloads the wallet must sign over.
type ArkTxProposal struct {
	ProposalID string           `json:"proposal_id"`
	UnsignedTx []byte           `json:"unsigned_tx"`
	Payloads   []SigningPayload `json:"payloads"`
}

// CheckpointTxProposal is produced by step 3, binding the Ark transaction to
// L1 commitment scheduling.
type CheckpointTxProposal struct {
	ProposalID string           `json:"proposal_id"`
	Payloads   []SigningPayload `json:"payloads"`
}

// CollectedSignature pairs a signing payload with the wallet's signature
// over it, gathered during ceremony step 4.
type CollectedSignature struct {
	InputRef  string `json:"input_ref"`
	Signature []byte `json:"signature"`
}

// FinalizedTx is the result of submitting all collected signatures.
type FinalizedTx struct {
	Txid   string `json:"txid"`
	RawTx  []byte `json:"raw_tx"`
}

// VTXOBatchEntry describes one VTXO minted by a batch request.
type VTXOBatchEntry struct {
	VTXOID      string `json:"vtxo_id"`
	Txid        string `json:"txid"`
	Vout        uint32 `json:"vout"`
	AmountSats  int64  `json:"amount_sats"`
	ScriptPubKey string `json:"script_pubkey"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TxStatusResult reports a transaction's confirmation state as the Ark
// daemon's chain observer sees it.
type TxStatusResult struct {
	Txid          string `json:"txid"`
	Confirmations int    `json:"confirmations"`
	BlockHeight   int64  `json:"block_height"`
}

// NetworkInfo summarizes the Ark daemon's view of the round/epoch cycle.
type NetworkInfo struct {
	CurrentRound    int64  `json:"current_round"`
	NextRoundAt     time.Time `json:"next_round_at"`
	EstimatedFeeSat int64  `json:"estimated_fee_sat"`
}

// L1CommitmentResult is the outcome of requesting an L1 commitment tx for a
// batch of settled L2 state changes.
type L1CommitmentResult struct {
	Txid   string `json:"txid"`
	RawTx  []byte `json:"raw_tx"`
}

// ArkClient is the gateway-facing interface for the Ark-protocol daemon,
// covering VTXO inventory, the Ark/checkpoint transaction ceremony, and L1
// commitment scheduling.
type ArkClient interface {
	Adapter

	CreateVTXOBatch(ctx context.Context, assetID string, count int) ([]VTXOBatchEntry, error)
	QueryVTXO(ctx context.Context, vtxoID string) (*VTXOBatchEntry, error)
	PrepareArkTransaction(ctx context.Context, inputVTXOIDs []string, outputs map[string]int64) (*ArkTxProposal, error)
	PrepareCheckpointTransaction(ctx context.Context, arkProposalID string) (*CheckpointTxProposal, error)
	SubmitSignatures(ctx context.Context, proposalID string, sigs []CollectedSignature) (*FinalizedTx, error)
	BroadcastTransaction(ctx context.Context, rawTx []byte) (string, error)
	GetTransactionStatus(ctx context.Context, txid string) (*TxStatusResult, error)
	GetNetworkInfo(ctx context.Context) (*NetworkInfo, error)
	CreateL1Commitment(ctx context.Context, merkleRoot []byte, includedVTXOIDs []string, feeRateSats int64) (*L1CommitmentResult, error)
}

type arkClient struct {
	httpClient *http.Client
	baseURL    string
	retry      *resilience.RetryManager
	breaker    *resilience.CircuitBreaker
}

// NewArkClient builds an ArkClient backed by the daemon's HTTP control API,
// wrapped in the shared retry and circuit-breaker policy.
func NewArkClient(cfg ArkConfig) ArkClient {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	resetAfter := cfg.BreakerResetAfter
	if resetAfter == 0 {
		resetAfter = 30 * time.Second
	}

	policy := resilience.DefaultRetryPolicy()
	if cfg.RetryPolicy != nil {
		policy = *cfg.RetryPolicy
	}

	return &arkClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		retry:      resilience.NewRetryManager("ark", policy, resilience.IsUnavailable),
		breaker:    resilience.NewCircuitBreaker("ark", maxFailures, resetAfter, 1),
	}
}

func (c *arkClient) Name() string { return "ark" }

func (c *arkClient) Health() HealthStatus {
	return HealthStatus{Name: "ark", Healthy: c.breaker.State() != resilience.StateOpen, Circuit: c.breaker.State().String(), CheckedAt: time.Now()}
}

// call performs one POST request through the breaker and retry manager,
// decoding the JSON response into out. 4xx responses are treated as
// non-retryable protocol errors; 5xx and transport errors are retryable.
func (c *arkClient) call(ctx context.Context, op, path string, body any, out any) error {
	return c.breaker.Execute(func() error {
		return c.retry.Execute(ctx, op, func() error {
			var buf bytes.Buffer
			if body != nil {
				if err := json.NewEncoder(&buf).Encode(body); err != nil {
					return fmt.Errorf("%s: encode request: %w", op, err)
				}
			}

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
			if err != nil {
				return fmt.Errorf("%s: build request: %w", op, err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				logger.Warn("ark daemon call failed", zap.String("op", op), zap.Error(err))
				return fmt.Errorf("%s: %w: %v", op, resilience.ErrUnavailable, err)
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusConflict:
				return newError(KindConflict, op, ErrConflict)
			case resp.StatusCode == http.StatusRequestTimeout:
				return newError(KindTimeout, op, fmt.Errorf("ark daemon timeout"))
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				return newError(KindValidation, op, fmt.Errorf("ark daemon rejected request: status %d", resp.StatusCode))
			case resp.StatusCode >= 500:
				return fmt.Errorf("%s: %w: status %d", op, resilience.ErrUnavailable, resp.StatusCode)
			}

			if out == nil {
				return nil
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("%s: decode response: %w", op, err)
			}
			return nil
		})
	})
}

func (c *arkClient) CreateVTXOBatch(ctx context.Context, assetID string, count int) ([]VTXOBatchEntry, error) {
	var out struct {
		VTXOs []VTXOBatchEntry `json:"vtxos"`
	}
	err := c.call(ctx, "create_vtxo_batch", "/v1/vtxos/batch", map[string]any{
		"asset_id": assetID,
		"count":    count,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.VTXOs, nil
}

func (c *arkClient) QueryVTXO(ctx context.Context, vtxoID string) (*VTXOBatchEntry, error) {
	var out VTXOBatchEntry
	if err := c.call(ctx, "query_vtxo", "/v1/vtxos/"+vtxoID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *arkClient) PrepareArkTransaction(ctx context.Context, inputVTXOIDs []string, outputs map[string]int64) (*ArkTxProposal, error) {
	var out ArkTxProposal
	err := c.call(ctx, "prepare_ark_tx", "/v1/ark-tx/prepare", map[string]any{
		"input_vtxo_ids": inputVTXOIDs,
		"outputs":        outputs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *arkClient) PrepareCheckpointTransaction(ctx context.Context, arkProposalID string) (*CheckpointTxProposal, error) {
	var out CheckpointTxProposal
	err := c.call(ctx, "prepare_checkpoint_tx", "/v1/checkpoint-tx/prepare", map[string]any{
		"ark_proposal_id": arkProposalID,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *arkClient) SubmitSignatures(ctx context.Context, proposalID string, sigs []CollectedSignature) (*FinalizedTx, error) {
	var out FinalizedTx
	err := c.call(ctx, "submit_signatures", "/v1/ark-tx/submit", map[string]any{
		"proposal_id": proposalID,
		"signatures":  sigs,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *arkClient) BroadcastTransaction(ctx context.Context, rawTx []byte) (string, error) {
	var out struct {
		Txid string `json:"txid"`
	}
	err := c.call(ctx, "broadcast_tx", "/v1/tx/broadcast", map[string]any{
		"raw_tx": rawTx,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Txid, nil
}

func (c *arkClient) GetTransactionStatus(ctx context.Context, txid string) (*TxStatusResult, error) {
	var out TxStatusResult
	if err := c.call(ctx, "get_tx_status", "/v1/tx/"+txid+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *arkClient) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	var out NetworkInfo
	if err := c.call(ctx, "get_network_info", "/v1/network-info", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateL1Commitment asks the daemon to construct the commitment
// transaction at the given fee rate; the settlement coordinator bumps the
// rate on rebroadcast attempts.
func (c *arkClient) CreateL1Commitment(ctx context.Context, merkleRoot []byte, includedVTXOIDs []string, feeRateSats int64) (*L1CommitmentResult, error) {
	var out L1CommitmentResult
	err := c.call(ctx, "create_l1_commitment", "/v1/l1-commitment", map[string]any{
		"merkle_root":       merkleRoot,
		"included_vtxo_ids": includedVTXOIDs,
		"fee_rate_sats":     feeRateSats,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
