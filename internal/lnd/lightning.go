package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
)

// Typed payment errors the Lightning manager branches on: expiry and
// zero-amount are user-input problems surfaced before any sats move,
// no-route and timeout are network conditions worth distinct handling.
var (
	ErrInvoiceExpired = errors.New("lnd: invoice is expired")
	ErrZeroAmount     = errors.New("lnd: zero-amount invoices are not supported")
	ErrNoRoute        = errors.New("lnd: no route to destination")
	ErrPaymentTimeout = errors.New("lnd: payment timed out before a terminal state")
)

// PayInvoice pays a BOLT11 invoice using the Router sub-server's
// SendPaymentV2 streaming RPC: decode-and-reject bad invoices up front,
// then stream status updates until a terminal state. A non-positive
// maxFeeSats falls back to the configured routing-fee ceiling.
func (c *Client) PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*PaymentResult, error) {
	invoice, err := c.DecodeInvoice(ctx, bolt11)
	if err != nil {
		return nil, err
	}
	if invoice.IsExpired {
		return nil, ErrInvoiceExpired
	}
	if invoice.AmountSats == 0 {
		return nil, ErrZeroAmount
	}
	if maxFeeSats <= 0 {
		maxFeeSats = c.cfg.MaxPaymentFeeSats
	}

	payCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.PaymentTimeoutSeconds)*time.Second)
	defer cancel()

	stream, err := c.routerClient.SendPaymentV2(payCtx, &routerrpc.SendPaymentRequest{
		PaymentRequest: bolt11,
		TimeoutSeconds: int32(c.cfg.PaymentTimeoutSeconds),
		FeeLimitSat:    maxFeeSats,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initiate payment: %w", err)
	}

	return c.awaitTerminalPayment(payCtx, stream)
}

// awaitTerminalPayment drains the payment stream until SUCCEEDED or
// FAILED, translating the deadline into the typed timeout error so
// callers don't have to unwrap a context error off a stream error.
func (c *Client) awaitTerminalPayment(ctx context.Context, stream routerrpc.Router_SendPaymentV2Client) (*PaymentResult, error) {
	for {
		payment, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrPaymentTimeout
			}
			return nil, fmt.Errorf("payment stream error: %w", err)
		}

		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return &PaymentResult{
				PaymentHash:     payment.PaymentHash,
				PaymentPreimage: payment.PaymentPreimage,
				FeeSats:         payment.FeeSat,
				Status:          PaymentSucceeded,
			}, nil

		case lnrpc.Payment_FAILED:
			result := &PaymentResult{
				PaymentHash: payment.PaymentHash,
				Status:      PaymentFailed,
			}
			if payment.FailureReason == lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE {
				return result, ErrNoRoute
			}
			return result, fmt.Errorf("payment failed: %s", payment.FailureReason)

		case lnrpc.Payment_IN_FLIGHT, lnrpc.Payment_INITIATED:
			continue

		default:
			return nil, fmt.Errorf("unexpected payment status: %s", payment.Status)
		}
	}
}

// DecodeInvoice decodes a BOLT11 invoice string without paying it, the
// validation step the off-ramp runs before admitting a sweep ceremony.
func (c *Client) DecodeInvoice(ctx context.Context, bolt11 string) (*Invoice, error) {
	resp, err := c.lnClient.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: bolt11})
	if err != nil {
		return nil, fmt.Errorf("failed to decode invoice: %w", err)
	}

	expiresAt := time.Unix(resp.Timestamp, 0).Add(time.Duration(resp.Expiry) * time.Second)

	return &Invoice{
		Destination: resp.Destination,
		AmountSats:  resp.NumSatoshis,
		PaymentHash: resp.PaymentHash,
		Expiry:      resp.Expiry,
		Description: resp.Description,
		IsExpired:   time.Now().After(expiresAt),
	}, nil
}

// AddInvoice creates a BOLT11 invoice payable to this node for amountSats,
// expiring after expirySeconds. Used by the lift flow to collect Lightning
// funds in exchange for a VTXO minted on the settlement layer.
func (c *Client) AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*AddInvoiceResult, error) {
	if amountSats <= 0 {
		return nil, ErrZeroAmount
	}

	resp, err := c.lnClient.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:   memo,
		Value:  amountSats,
		Expiry: expirySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	return &AddInvoiceResult{
		PaymentRequest: resp.PaymentRequest,
		PaymentHash:    hex.EncodeToString(resp.RHash),
		AddIndex:       resp.AddIndex,
	}, nil
}

// SubscribeInvoiceSettled blocks until the invoice identified by paymentHash
// (hex-encoded) is settled, the context is cancelled, or an error occurs. It
// polls LookupInvoice rather than holding open LND's SubscribeInvoices stream,
// so callers can run one goroutine per pending invoice without managing a
// shared subscription's backlog.
func (c *Client) SubscribeInvoiceSettled(ctx context.Context, paymentHash string, pollInterval time.Duration) (bool, error) {
	rHash, err := hex.DecodeString(paymentHash)
	if err != nil {
		return false, fmt.Errorf("invalid payment hash: %w", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		inv, err := c.lnClient.LookupInvoice(ctx, &lnrpc.PaymentHash{RHash: rHash})
		if err != nil {
			return false, fmt.Errorf("failed to look up invoice: %w", err)
		}

		switch inv.State {
		case lnrpc.Invoice_SETTLED:
			return true, nil
		case lnrpc.Invoice_CANCELED:
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}
