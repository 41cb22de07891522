package lnd

import (
	"context"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/lnrpc"
)

// dustLimitSats is the network's minimum economically-relayable output.
const dustLimitSats = 546

// sendLabel tags gateway-originated sends in LND's transaction list so
// operator tooling can separate them from manual wallet activity.
const sendLabel = "arkrelay-gateway"

// SendOnChain sends BTC from LND's on-chain wallet to a destination
// address, labeled for later reconciliation. targetConf controls fee
// estimation: 2=next block, 6=~1h (default), 144=~1day.
func (c *Client) SendOnChain(ctx context.Context, address string, amountSats int64, targetConf int32) (*OnChainResult, error) {
	if address == "" {
		return nil, errors.New("address must not be empty")
	}
	if amountSats < dustLimitSats {
		return nil, fmt.Errorf("amount %d is below dust limit (%d sats)", amountSats, dustLimitSats)
	}
	if targetConf <= 0 {
		targetConf = 6
	}

	resp, err := c.lnClient.SendCoins(ctx, &lnrpc.SendCoinsRequest{
		Addr:       address,
		Amount:     amountSats,
		TargetConf: targetConf,
		Label:      sendLabel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send on-chain coins: %w", err)
	}

	return &OnChainResult{TxHash: resp.Txid}, nil
}

// NewAddress generates a fresh taproot deposit address from LND's HD
// wallet, matching the taproot-native outputs the rest of the gateway
// produces.
func (c *Client) NewAddress(ctx context.Context) (string, error) {
	resp, err := c.lnClient.NewAddress(ctx, &lnrpc.NewAddressRequest{
		Type: lnrpc.AddressType_TAPROOT_PUBKEY,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate new address: %w", err)
	}

	return resp.Address, nil
}

// GetWalletBalance returns LND's on-chain wallet balance split into confirmed
// and unconfirmed amounts.
func (c *Client) GetWalletBalance(ctx context.Context) (*WalletBalance, error) {
	resp, err := c.lnClient.WalletBalance(ctx, &lnrpc.WalletBalanceRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet balance: %w", err)
	}

	return &WalletBalance{
		ConfirmedSats:   resp.ConfirmedBalance,
		UnconfirmedSats: resp.UnconfirmedBalance,
		TotalSats:       resp.TotalBalance,
	}, nil
}
