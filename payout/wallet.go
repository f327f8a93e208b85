package payout

import (
	"context"
	"fmt"
	"math/big"

	"trondeal/crypto"
	"trondeal/tron"
)

// FundingWallet signs and broadcasts TRX transfers from the arbiter
// account. It funds multisig activation and the energy fallback.
type FundingWallet struct {
	key    *crypto.PrivateKey
	client *tron.Client
}

func NewFundingWallet(key *crypto.PrivateKey, client *tron.Client) *FundingWallet {
	return &FundingWallet{key: key, client: client}
}

// Address returns the funding wallet's account address.
func (w *FundingWallet) Address() crypto.Address { return w.key.Address() }

// SendTRX transfers amountSun to the target and returns the broadcast tx
// id.
func (w *FundingWallet) SendTRX(ctx context.Context, to crypto.Address, amountSun *big.Int) (string, error) {
	tx, err := w.client.BuildTRXTransfer(ctx, w.Address(), to, amountSun)
	if err != nil {
		return "", fmt.Errorf("payout: build trx transfer: %w", err)
	}
	if err := tx.Sign(w.key); err != nil {
		return "", err
	}
	return w.client.Broadcast(ctx, tx)
}
