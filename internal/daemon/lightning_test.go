package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arkrelay/gateway/internal/lnd"
	"github.com/arkrelay/gateway/internal/resilience"
	"github.com/arkrelay/gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

func fastLightningPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
}

type fakeLightningClient struct {
	payResult  *lnd.PaymentResult
	payErr     error
	addResult  *lnd.AddInvoiceResult
	addErr     error
	settleOK   bool
	settleErr  error
	closeCalls int
}

func (f *fakeLightningClient) PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*lnd.PaymentResult, error) {
	return f.payResult, f.payErr
}
func (f *fakeLightningClient) DecodeInvoice(ctx context.Context, bolt11 string) (*lnd.Invoice, error) {
	return &lnd.Invoice{AmountSats: 1000}, nil
}
func (f *fakeLightningClient) SendOnChain(ctx context.Context, address string, amountSats int64, targetConf int32) (*lnd.OnChainResult, error) {
	return &lnd.OnChainResult{TxHash: "deadbeef"}, nil
}
func (f *fakeLightningClient) NewAddress(ctx context.Context) (string, error) {
	return "bc1qexample", nil
}
func (f *fakeLightningClient) AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*lnd.AddInvoiceResult, error) {
	return f.addResult, f.addErr
}
func (f *fakeLightningClient) SubscribeInvoiceSettled(ctx context.Context, paymentHash string, pollInterval time.Duration) (bool, error) {
	return f.settleOK, f.settleErr
}
func (f *fakeLightningClient) GetWalletBalance(ctx context.Context) (*lnd.WalletBalance, error) {
	return &lnd.WalletBalance{TotalSats: 50000}, nil
}
func (f *fakeLightningClient) GetChannelBalance(ctx context.Context) (*lnd.ChannelBalance, error) {
	return &lnd.ChannelBalance{LocalSats: 20000}, nil
}
func (f *fakeLightningClient) GetLiquidity(ctx context.Context) (*lnd.Liquidity, error) {
	return &lnd.Liquidity{OutboundSats: 20000, InboundSats: 5000, OnChainSats: 30000}, nil
}
func (f *fakeLightningClient) GetInfo(ctx context.Context) (*lnd.NodeInfo, error) {
	return &lnd.NodeInfo{Alias: "gateway"}, nil
}
func (f *fakeLightningClient) Close() error {
	f.closeCalls++
	return nil
}

func TestLightningAdapter_AddInvoice(t *testing.T) {
	fake := &fakeLightningClient{addResult: &lnd.AddInvoiceResult{PaymentRequest: "lnbc...", PaymentHash: "abc"}}
	adapter := NewLightningAdapter(fake)

	result, err := adapter.AddInvoice(context.Background(), 100000, "lift", 900)
	require.NoError(t, err)
	assert.Equal(t, "lnbc...", result.PaymentRequest)
}

func TestLightningAdapter_PayInvoice_RetriesThenFails(t *testing.T) {
	fake := &fakeLightningClient{payErr: errors.New("node offline")}
	adapter := NewLightningAdapterWithPolicy(fake, fastLightningPolicy())

	_, err := adapter.PayInvoice(context.Background(), "lnbc1...", 10)
	require.Error(t, err)
}

func TestLightningAdapter_Health(t *testing.T) {
	fake := &fakeLightningClient{}
	adapter := NewLightningAdapter(fake)
	h := adapter.Health()
	assert.Equal(t, "lightning", h.Name)
	assert.True(t, h.Healthy)
}

func TestLightningAdapter_Close(t *testing.T) {
	fake := &fakeLightningClient{}
	adapter := NewLightningAdapter(fake)
	require.NoError(t, adapter.Close())
	assert.Equal(t, 1, fake.closeCalls)
}
