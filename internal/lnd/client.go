// Package lnd provides a gRPC client wrapper for interacting with an LND node.
//
// This package abstracts the Lightning Network Daemon (LND) behind a clean
// interface so the rest of the codebase depends on LightningClient, not on
// LND internals. The daemon adapter layers retry and circuit-breaker policy
// on top; this package only speaks gRPC.
package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Config holds the LND connection settings, populated from the
// config.toml [lnd] section.
type Config struct {
	GRPCHost              string // "localhost" or an in-cluster service name
	GRPCPort              string // 10009
	TLSCertPath           string // Path to LND's tls.cert
	MacaroonPath          string // Path to admin.macaroon (or custom-baked macaroon)
	Network               string // "mainnet", "testnet", "regtest"
	PaymentTimeoutSeconds int    // Max time for Lightning payment settlement (default: 30)
	MaxPaymentFeeSats     int64  // Max routing fee in sats (default: 100)
}

// LightningClient is the surface the Lightning adapter and the lift/land
// flows depend on, kept as an interface so tests can substitute a fake
// without dialing a node.
type LightningClient interface {
	// ---- Lightning payments ----

	// PayInvoice pays a BOLT11 invoice and returns the payment result,
	// the off-ramp payout path.
	PayInvoice(ctx context.Context, bolt11 string, maxFeeSats int64) (*PaymentResult, error)

	// DecodeInvoice decodes a BOLT11 invoice string without paying it,
	// used to validate a user-submitted invoice before the sweep ceremony.
	DecodeInvoice(ctx context.Context, bolt11 string) (*Invoice, error)

	// ---- On-chain transactions ----

	// SendOnChain sends BTC from the LND wallet to a destination address.
	// targetConf controls fee rate: 2=next block, 6=~1h, 144=~1day.
	SendOnChain(ctx context.Context, address string, amountSats int64, targetConf int32) (*OnChainResult, error)

	// NewAddress generates a new on-chain address from LND's wallet, used
	// when topping up the node's on-chain float.
	NewAddress(ctx context.Context) (string, error)

	// AddInvoice creates a BOLT11 invoice payable to this node, the
	// on-ramp entry point: the user pays it and receives a VTXO.
	AddInvoice(ctx context.Context, amountSats int64, memo string, expirySeconds int64) (*AddInvoiceResult, error)

	// SubscribeInvoiceSettled blocks until the invoice identified by
	// paymentHash settles, is canceled, or ctx is done.
	SubscribeInvoiceSettled(ctx context.Context, paymentHash string, pollInterval time.Duration) (bool, error)

	// ---- Balances & health ----

	// GetWalletBalance returns the on-chain wallet balance (confirmed +
	// unconfirmed).
	GetWalletBalance(ctx context.Context) (*WalletBalance, error)

	// GetChannelBalance returns the total balance across all Lightning
	// channels, the outbound-liquidity figure the off-ramp checks.
	GetChannelBalance(ctx context.Context) (*ChannelBalance, error)

	// GetLiquidity aggregates channel and on-chain balances into the
	// admission figure the off-ramp and operator CLI read.
	GetLiquidity(ctx context.Context) (*Liquidity, error)

	// GetInfo returns basic LND node information (alias, pubkey, synced
	// status), used for health checks and startup validation.
	GetInfo(ctx context.Context) (*NodeInfo, error)

	// Close closes the underlying gRPC connection.
	Close() error
}

// PaymentResultStatus is the terminal (or in-flight) state of one
// attempted payment.
type PaymentResultStatus int

const (
	PaymentSucceeded PaymentResultStatus = iota
	PaymentFailed
	PaymentInFlight
)

type PaymentResult struct {
	PaymentHash     string              // hex-encoded payment hash (32 bytes)
	PaymentPreimage string              // hex-encoded preimage (proof of payment)
	FeeSats         int64               // Routing fee paid in satoshis
	Status          PaymentResultStatus
}

type Invoice struct {
	Destination string // Recipient node public key
	AmountSats  int64  // Invoice amount in satoshis (0 = any amount)
	PaymentHash string // Hex-encoded payment hash
	Expiry      int64  // Seconds until invoice expires
	Description string // Invoice description/memo
	IsExpired   bool   // true if invoice has expired
}

type OnChainResult struct {
	TxHash string // Hex-encoded transaction hash (64 chars)
}

type AddInvoiceResult struct {
	PaymentRequest string // BOLT11 invoice string to hand to the payer
	PaymentHash    string // Hex-encoded payment hash (32 bytes)
	AddIndex       uint64 // LND's invoice add_index, used for settlement subscriptions
}

type WalletBalance struct {
	ConfirmedSats   int64 // On-chain confirmed balance
	UnconfirmedSats int64 // On-chain unconfirmed (pending) balance
	TotalSats       int64 // Confirmed + Unconfirmed
}

type ChannelBalance struct {
	LocalSats  int64 // Our side of channels (spendable via Lightning)
	RemoteSats int64 // Remote side of channels (receivable capacity)
}

type NodeInfo struct {
	Alias         string
	PubKey        string
	SyncedToChain bool
	SyncedToGraph bool
	BlockHeight   uint32
	NumChannels   uint32
}

// macaroonCredential implements grpc.PerRPCCredentials.
// It attaches the hex-encoded macaroon as gRPC metadata on every RPC call,
// so LND can authenticate and authorize the request.
type macaroonCredential struct {
	macaroon string // hex-encoded serialized macaroon
}

// GetRequestMetadata is called by gRPC before each RPC. It returns the
// "macaroon" key with the hex-encoded value that LND expects.
func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

// RequireTransportSecurity returns true because macaroons are sensitive
// credentials that must only be sent over TLS-encrypted connections.
func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

type Client struct {
	conn         *grpc.ClientConn       // gRPC connection (reused for all calls)
	lnClient     lnrpc.LightningClient  // Auto-generated gRPC stub
	routerClient routerrpc.RouterClient // Router sub-server client (SendPaymentV2)
	cfg          Config                 // Connection & behavior config
}

func NewClient(cfg Config) (*Client, error) {
	// NewClientTLSFromFile reads the PEM cert file and builds TLS credentials.
	// First arg is the file path (not contents), second is the server name
	// override ("" = use the name from the cert).
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("could not load tls cert from %s: %w", cfg.TLSCertPath, err)
	}

	fileMacaroonData, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon file %s: %w", cfg.MacaroonPath, err)
	}
	macaroonCreds := macaroonCredential{macaroon: hex.EncodeToString(fileMacaroonData)}

	url := cfg.GRPCHost + ":" + cfg.GRPCPort
	conn, err := grpc.NewClient(url, grpc.WithTransportCredentials(creds), grpc.WithPerRPCCredentials(macaroonCreds))
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", url, err)
	}

	lnClient := lnrpc.NewLightningClient(conn)

	// Validate connection by calling GetInfo — fails fast if LND is not
	// running, wallet is locked, or credentials are wrong.
	info, err := lnClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to LND (is it running? wallet unlocked?): %w", err)
	}

	fmt.Printf("LND connected — alias=%s pubkey=%s height=%d synced_chain=%t synced_graph=%t\n",
		info.Alias, info.IdentityPubkey, info.BlockHeight, info.SyncedToChain, info.SyncedToGraph)

	if !info.SyncedToChain {
		fmt.Println("WARNING: LND is not synced to chain — payments may fail until sync completes")
	}

	return &Client{
		conn:         conn,
		lnClient:     lnClient,
		routerClient: routerrpc.NewRouterClient(conn),
		cfg:          cfg,
	}, nil
}

// Close closes the underlying gRPC connection to LND.
func (c *Client) Close() error {
	return c.conn.Close()
}
