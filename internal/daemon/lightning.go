package daemon

import (
	"context"
	"time"

	"github.com/arkrelay/gateway/internal/lnd"
	"github.com/arkrelay/gateway/internal/resilience"
)

// LightningAdapter wraps a lnd.LightningClient with the shared retry and
// circuit-breaker policy, conforming to the uniform adapter shape the rest
// of the daemon package presents. The underlying payment and
// balance semantics are unchanged; this layer only adds resilience and
// health reporting.
type LightningAdapter interface {
	Adapter

	PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*lnd.PaymentResult, error)
	DecodeInvoice(ctx context.Context, bolt11 string) (*lnd.Invoice, error)
	AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*lnd.AddInvoiceResult, error)
	SendOnChain(ctx context.Context, address string, amountSats int64, targetConf int32) (*lnd.OnChainResult, error)
	NewAddress(ctx context.Context) (string, error)
	GetWalletBalance(ctx context.Context) (*lnd.WalletBalance, error)
	GetChannelBalance(ctx context.Context) (*lnd.ChannelBalance, error)
	GetLiquidity(ctx context.Context) (*lnd.Liquidity, error)
	GetInfo(ctx context.Context) (*lnd.NodeInfo, error)
	SubscribeInvoiceSettled(ctx context.Context, paymentHash string, pollInterval time.Duration) (bool, error)
	Close() error
}

type lightningAdapter struct {
	client  lnd.LightningClient
	retry   *resilience.RetryManager
	breaker *resilience.CircuitBreaker
}

// NewLightningAdapter wraps an already-connected lnd.LightningClient — an
// interface rather than the concrete *lnd.Client so tests can substitute a
// fake without dialing a real node.
func NewLightningAdapter(client lnd.LightningClient) LightningAdapter {
	return NewLightningAdapterWithPolicy(client, resilience.DefaultRetryPolicy())
}

// NewLightningAdapterWithPolicy is NewLightningAdapter with an overridable
// retry policy, primarily so tests can avoid the default's multi-second
// backoff schedule.
func NewLightningAdapterWithPolicy(client lnd.LightningClient, policy resilience.RetryPolicy) LightningAdapter {
	return &lightningAdapter{
		client:  client,
		retry:   resilience.NewRetryManager("lightning", policy, resilience.IsUnavailable),
		breaker: resilience.NewCircuitBreaker("lightning", 5, 30*time.Second, 1),
	}
}

func (a *lightningAdapter) Name() string { return "lightning" }

func (a *lightningAdapter) Health() HealthStatus {
	return HealthStatus{Name: "lightning", Healthy: a.breaker.State() != resilience.StateOpen, Circuit: a.breaker.State().String(), CheckedAt: time.Now()}
}

func (a *lightningAdapter) PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*lnd.PaymentResult, error) {
	return resilience.ExecuteWithResult(ctx, a.retry, "pay_invoice", func() (*lnd.PaymentResult, error) {
		var result *lnd.PaymentResult
		err := a.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = a.client.PayInvoice(ctx, bolt11, maxFeeSats)
			return wrapTransportErr(innerErr)
		})
		return result, err
	})
}

func (a *lightningAdapter) DecodeInvoice(ctx context.Context, bolt11 string) (*lnd.Invoice, error) {
	var result *lnd.Invoice
	err := a.breaker.Execute(func() error {
		var innerErr error
		result, innerErr = a.client.DecodeInvoice(ctx, bolt11)
		return wrapTransportErr(innerErr)
	})
	return result, err
}

func (a *lightningAdapter) AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*lnd.AddInvoiceResult, error) {
	return resilience.ExecuteWithResult(ctx, a.retry, "add_invoice", func() (*lnd.AddInvoiceResult, error) {
		var result *lnd.AddInvoiceResult
		err := a.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = a.client.AddInvoice(ctx, amountSats, memo, expirySeconds)
			return wrapTransportErr(innerErr)
		})
		return result, err
	})
}

func (a *lightningAdapter) SendOnChain(ctx context.Context, address string, amountSats int64, targetConf int32) (*lnd.OnChainResult, error) {
	return resilience.ExecuteWithResult(ctx, a.retry, "send_onchain", func() (*lnd.OnChainResult, error) {
		var result *lnd.OnChainResult
		err := a.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = a.client.SendOnChain(ctx, address, amountSats, targetConf)
			return wrapTransportErr(innerErr)
		})
		return result, err
	})
}

func (a *lightningAdapter) NewAddress(ctx context.Context) (string, error) {
	return resilience.ExecuteWithResult(ctx, a.retry, "new_address", func() (string, error) {
		var addr string
		err := a.breaker.Execute(func() error {
			var innerErr error
			addr, innerErr = a.client.NewAddress(ctx)
			return wrapTransportErr(innerErr)
		})
		return addr, err
	})
}

func (a *lightningAdapter) GetWalletBalance(ctx context.Context) (*lnd.WalletBalance, error) {
	var result *lnd.WalletBalance
	err := a.breaker.Execute(func() error {
		var innerErr error
		result, innerErr = a.client.GetWalletBalance(ctx)
		return wrapTransportErr(innerErr)
	})
	return result, err
}

func (a *lightningAdapter) GetChannelBalance(ctx context.Context) (*lnd.ChannelBalance, error) {
	var result *lnd.ChannelBalance
	err := a.breaker.Execute(func() error {
		var innerErr error
		result, innerErr = a.client.GetChannelBalance(ctx)
		return wrapTransportErr(innerErr)
	})
	return result, err
}

func (a *lightningAdapter) GetLiquidity(ctx context.Context) (*lnd.Liquidity, error) {
	var result *lnd.Liquidity
	err := a.breaker.Execute(func() error {
		var innerErr error
		result, innerErr = a.client.GetLiquidity(ctx)
		return wrapTransportErr(innerErr)
	})
	return result, err
}

func (a *lightningAdapter) GetInfo(ctx context.Context) (*lnd.NodeInfo, error) {
	var result *lnd.NodeInfo
	err := a.breaker.Execute(func() error {
		var innerErr error
		result, innerErr = a.client.GetInfo(ctx)
		return wrapTransportErr(innerErr)
	})
	return result, err
}

func (a *lightningAdapter) SubscribeInvoiceSettled(ctx context.Context, paymentHash string, pollInterval time.Duration) (bool, error) {
	return a.client.SubscribeInvoiceSettled(ctx, paymentHash, pollInterval)
}

func (a *lightningAdapter) Close() error {
	return a.client.Close()
}

// wrapTransportErr marks a non-nil error as retryable/unavailable. The LND
// gRPC client does not distinguish transport from protocol errors at this
// layer, so any error from a call is treated as transient — a stricter
// status-code classification belongs to a future gRPC interceptor.
func wrapTransportErr(err error) error {
	if err == nil {
		return nil
	}
	return &wrappedUnavailable{err: err}
}

type wrappedUnavailable struct{ err error }

func (w *wrappedUnavailable) Error() string { return w.err.Error() }
func (w *wrappedUnavailable) Unwrap() error { return w.err }
func (w *wrappedUnavailable) Is(target error) bool {
	return target == resilience.ErrUnavailable
}
