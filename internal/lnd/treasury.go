package lnd

import (
	"context"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
)

// Liquidity aggregates the node's spendable funds across layers: the
// off-ramp draws on OutboundSats, lifts are received against InboundSats,
// and OnChainSats is the float available for channel management.
type Liquidity struct {
	OutboundSats int64
	InboundSats  int64
	OnChainSats  int64
}

// Total returns everything the node could deploy, channel and on-chain.
func (l Liquidity) Total() int64 {
	return l.OutboundSats + l.OnChainSats
}

// GetChannelBalance returns the balance across all open Lightning channels.
//   - LocalSats:  our side — sats we can send via Lightning right now
//   - RemoteSats: their side — sats we can receive via Lightning right now
//
// LocalSats is the outbound liquidity the off-ramp draws on when it pays
// a user's invoice.
func (c *Client) GetChannelBalance(ctx context.Context) (*ChannelBalance, error) {
	resp, err := c.lnClient.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to get channel balance: %w", err)
	}

	var localSats, remoteSats int64
	if resp.LocalBalance != nil {
		localSats = int64(resp.LocalBalance.Sat)
	}
	if resp.RemoteBalance != nil {
		remoteSats = int64(resp.RemoteBalance.Sat)
	}

	return &ChannelBalance{
		LocalSats:  localSats,
		RemoteSats: remoteSats,
	}, nil
}

// GetLiquidity aggregates channel and on-chain balances into one
// admission figure. The off-ramp checks OutboundSats before admitting a
// sweep; the operator CLI surfaces the whole split.
func (c *Client) GetLiquidity(ctx context.Context) (*Liquidity, error) {
	channels, err := c.GetChannelBalance(ctx)
	if err != nil {
		return nil, err
	}
	wallet, err := c.GetWalletBalance(ctx)
	if err != nil {
		return nil, err
	}

	return &Liquidity{
		OutboundSats: channels.LocalSats,
		InboundSats:  channels.RemoteSats,
		OnChainSats:  wallet.ConfirmedSats,
	}, nil
}

// GetInfo returns basic LND node information. Used at startup (NewClient)
// for health validation and by the adapter's health reporting.
func (c *Client) GetInfo(ctx context.Context) (*NodeInfo, error) {
	resp, err := c.lnClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to get node info: %w", err)
	}

	return &NodeInfo{
		Alias:         resp.Alias,
		PubKey:        resp.IdentityPubkey,
		SyncedToChain: resp.SyncedToChain,
		SyncedToGraph: resp.SyncedToGraph,
		BlockHeight:   resp.BlockHeight,
		NumChannels:   resp.NumActiveChannels,
	}, nil
}
