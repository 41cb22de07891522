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

// TapdConfig points at the Taproot-asset daemon's HTTP control API.
type TapdConfig struct {
	BaseURL            string
	RequestTimeout     time.Duration
	BreakerMaxFailures int
	BreakerResetAfter  time.Duration
	RetryPolicy        *resilience.RetryPolicy // nil uses resilience.DefaultRetryPolicy
}

// AssetInfo is the daemon's view of one registered fungible asset.
type AssetInfo struct {
	AssetID     string `json:"asset_id"`
	Name        string `json:"name"`
	Ticker      string `json:"ticker"`
	TotalSupply int64  `json:"total_supply"`
}

// ProofFile is an opaque asset-ownership proof blob the daemon emits or
// verifies on transfer.
type ProofFile struct {
	AssetID string `json:"asset_id"`
	Data    []byte `json:"data"`
}

// AssetLightningInvoice is an asset-denominated Lightning invoice produced
// by the Taproot-asset daemon's own channel (distinct from the native BTC
// invoices the Lightning adapter issues).
type AssetLightningInvoice struct {
	PaymentRequest string `json:"payment_request"`
	PaymentHash    string `json:"payment_hash"`
	AssetID        string `json:"asset_id"`
	AssetAmount    int64  `json:"asset_amount"`
}

// TapdClient is the gateway-facing interface for the Taproot-asset daemon:
// asset enumeration/transfer and asset-denominated Lightning invoices.
type TapdClient interface {
	Adapter

	ListAssets(ctx context.Context) ([]AssetInfo, error)
	TransferAsset(ctx context.Context, assetID string, fromPubkey, toPubkey string, amount int64) (string, error)
	FetchProof(ctx context.Context, assetID, outpoint string) (*ProofFile, error)
	VerifyProof(ctx context.Context, proof *ProofFile) (bool, error)
	CreateAssetInvoice(ctx context.Context, assetID string, amount int64, memo string) (*AssetLightningInvoice, error)
	PayAssetInvoice(ctx context.Context, paymentRequest string) error
}

type tapdClient struct {
	httpClient *http.Client
	baseURL    string
	retry      *resilience.RetryManager
	breaker    *resilience.CircuitBreaker
}

// NewTapdClient builds a TapdClient backed by the daemon's HTTP control API.
func NewTapdClient(cfg TapdConfig) TapdClient {
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

	return &tapdClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		retry:      resilience.NewRetryManager("tapd", policy, resilience.IsUnavailable),
		breaker:    resilience.NewCircuitBreaker("tapd", maxFailures, resetAfter, 1),
	}
}

func (c *tapdClient) Name() string { return "tapd" }

func (c *tapdClient) Health() HealthStatus {
	return HealthStatus{Name: "tapd", Healthy: c.breaker.State() != resilience.StateOpen, Circuit: c.breaker.State().String(), CheckedAt: time.Now()}
}

func (c *tapdClient) call(ctx context.Context, op, method, path string, body any, out any) error {
	return c.breaker.Execute(func() error {
		return c.retry.Execute(ctx, op, func() error {
			var buf bytes.Buffer
			if body != nil {
				if err := json.NewEncoder(&buf).Encode(body); err != nil {
					return fmt.Errorf("%s: encode request: %w", op, err)
				}
			}

			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
			if err != nil {
				return fmt.Errorf("%s: build request: %w", op, err)
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.httpClient.Do(req)
			if err != nil {
				logger.Warn("tapd call failed", zap.String("op", op), zap.Error(err))
				return fmt.Errorf("%s: %w: %v", op, resilience.ErrUnavailable, err)
			}
			defer resp.Body.Close()

			switch {
			case resp.StatusCode == http.StatusConflict:
				return newError(KindConflict, op, ErrConflict)
			case resp.StatusCode >= 400 && resp.StatusCode < 500:
				return newError(KindValidation, op, fmt.Errorf("tapd rejected request: status %d", resp.StatusCode))
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

func (c *tapdClient) ListAssets(ctx context.Context) ([]AssetInfo, error) {
	var out struct {
		Assets []AssetInfo `json:"assets"`
	}
	if err := c.call(ctx, "list_assets", http.MethodGet, "/v1/assets", nil, &out); err != nil {
		return nil, err
	}
	return out.Assets, nil
}

func (c *tapdClient) TransferAsset(ctx context.Context, assetID string, fromPubkey, toPubkey string, amount int64) (string, error) {
	var out struct {
		Txid string `json:"txid"`
	}
	err := c.call(ctx, "transfer_asset", http.MethodPost, "/v1/assets/transfer", map[string]any{
		"asset_id": assetID,
		"from":     fromPubkey,
		"to":       toPubkey,
		"amount":   amount,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Txid, nil
}

func (c *tapdClient) FetchProof(ctx context.Context, assetID, outpoint string) (*ProofFile, error) {
	var out ProofFile
	err := c.call(ctx, "fetch_proof", http.MethodGet, fmt.Sprintf("/v1/proofs/%s/%s", assetID, outpoint), nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *tapdClient) VerifyProof(ctx context.Context, proof *ProofFile) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.call(ctx, "verify_proof", http.MethodPost, "/v1/proofs/verify", proof, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (c *tapdClient) CreateAssetInvoice(ctx context.Context, assetID string, amount int64, memo string) (*AssetLightningInvoice, error) {
	var out AssetLightningInvoice
	err := c.call(ctx, "create_asset_invoice", http.MethodPost, "/v1/asset-invoices", map[string]any{
		"asset_id": assetID,
		"amount":   amount,
		"memo":     memo,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *tapdClient) PayAssetInvoice(ctx context.Context, paymentRequest string) error {
	return c.call(ctx, "pay_asset_invoice", http.MethodPost, "/v1/asset-invoices/pay", map[string]any{
		"payment_request": paymentRequest,
	}, nil)
}
