package blockchain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/singnet/snet-mpe-go/pkg/errs"
)

// GetChannelState reads the current channel record from the MPE contract.
// A zero sender address means the channel does not exist (or was claimed and
// zeroed), which surfaces errs.ErrDataNotAvailable.
func (evm *EVMClient) GetChannelState(ctx context.Context, channelID *big.Int) (*MultiPartyEscrowChannel, error) {
	ch, err := evm.MPE.Channels(&bind.CallOpts{Context: ctx}, channelID)
	if err != nil {
		return nil, err
	}
	var zero common.Address
	if ch.Sender == zero {
		return nil, fmt.Errorf("%w: channel %s has no sender", errs.ErrDataNotAvailable, channelID)
	}
	zap.L().Debug("Channel state from blockchain", zap.Any("channel", ch))
	return &ch, nil
}

// EscrowBalance reads the MPE-internal escrow balance of addr.
func (evm *EVMClient) EscrowBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return evm.MPE.Balances(&bind.CallOpts{Context: ctx, From: addr}, addr)
}

// channelOpenFromReceipt extracts the ChannelOpen event from a mined
// transaction's logs. OpenChannel and DepositAndOpenChannel both emit exactly
// one such event; its ChannelId is the id the contract assigned.
func (evm *EVMClient) channelOpenFromReceipt(ctx context.Context, txHash common.Hash) (*ChannelOpenEvent, error) {
	receipt, err := evm.WaitForTransaction(ctx, txHash, receiptMaxBackoff)
	if err != nil {
		return nil, err
	}
	for _, log := range receipt.Logs {
		if log.Address != evm.MPE.Address() {
			continue
		}
		ev, err := evm.MPE.ParseChannelOpen(*log)
		if err != nil {
			continue
		}
		zap.L().Debug("Channel opened", zap.Any("openEvent", ev))
		return ev, nil
	}
	return nil, fmt.Errorf("%w: no ChannelOpen event in tx %s", errs.ErrTransactionFailed, txHash)
}

// OpenChannel opens a new channel funded from the sender's existing escrow
// balance and returns the ChannelOpen event once the transaction is mined.
// The account signs for itself (sender == signer).
func (evm *EVMClient) OpenChannel(ctx context.Context, acc *Account, recipient common.Address, groupID [32]byte, amount, expiration *big.Int) (*ChannelOpenEvent, error) {
	opts, err := acc.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := evm.MPE.OpenChannel(opts, acc.Address, recipient, groupID, amount, expiration)
	if err != nil {
		return nil, err
	}
	return evm.channelOpenFromReceipt(ctx, tx.Hash())
}

// DepositAndOpenChannel deposits amount into the escrow and opens a channel in
// one transaction, raising the token allowance first if it is too low.
func (evm *EVMClient) DepositAndOpenChannel(ctx context.Context, acc *Account, recipient common.Address, groupID [32]byte, amount, expiration *big.Int) (*ChannelOpenEvent, error) {
	if err := evm.ensureAllowance(ctx, acc, amount); err != nil {
		return nil, err
	}
	opts, err := acc.TransactOpts(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := evm.MPE.DepositAndOpenChannel(opts, acc.Address, recipient, groupID, amount, expiration)
	if err != nil {
		return nil, err
	}
	return evm.channelOpenFromReceipt(ctx, tx.Hash())
}

// ChannelAddFunds adds amount to the channel, topping up the sender's escrow
// balance beforehand when it does not cover the amount.
func (evm *EVMClient) ChannelAddFunds(ctx context.Context, acc *Account, channelID, amount *big.Int) error {
	if err := evm.ensureEscrowBalance(ctx, acc, amount); err != nil {
		return err
	}
	opts, err := acc.TransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := evm.MPE.ChannelAddFunds(opts, channelID, amount)
	if err != nil {
		return err
	}
	_, err = evm.waitMined(ctx, tx)
	return err
}

// ChannelExtend moves the channel expiration forward to newExpiration.
func (evm *EVMClient) ChannelExtend(ctx context.Context, acc *Account, channelID, newExpiration *big.Int) error {
	opts, err := acc.TransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := evm.MPE.ChannelExtend(opts, channelID, newExpiration)
	if err != nil {
		return err
	}
	_, err = evm.waitMined(ctx, tx)
	return err
}

// ChannelExtendAndAddFunds extends the channel and adds amount in one
// transaction, topping up the escrow balance beforehand when needed.
func (evm *EVMClient) ChannelExtendAndAddFunds(ctx context.Context, acc *Account, channelID, newExpiration, amount *big.Int) error {
	if err := evm.ensureEscrowBalance(ctx, acc, amount); err != nil {
		return err
	}
	opts, err := acc.TransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := evm.MPE.ChannelExtendAndAddFunds(opts, channelID, newExpiration, amount)
	if err != nil {
		return err
	}
	_, err = evm.waitMined(ctx, tx)
	return err
}

// ChannelClaimTimeout returns the remaining channel value to the sender once
// the channel's expiration block has passed.
func (evm *EVMClient) ChannelClaimTimeout(ctx context.Context, acc *Account, channelID *big.Int) error {
	opts, err := acc.TransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := evm.MPE.ChannelClaimTimeout(opts, channelID)
	if err != nil {
		return err
	}
	_, err = evm.waitMined(ctx, tx)
	return err
}

// Deposit moves amount from the account's token balance into the escrow,
// raising the allowance first if it is too low.
func (evm *EVMClient) Deposit(ctx context.Context, acc *Account, amount *big.Int) error {
	if err := evm.ensureAllowance(ctx, acc, amount); err != nil {
		return err
	}
	opts, err := acc.TransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := evm.MPE.Deposit(opts, amount)
	if err != nil {
		return err
	}
	_, err = evm.waitMined(ctx, tx)
	return err
}

// Withdraw moves amount from the escrow back to the account's token balance.
func (evm *EVMClient) Withdraw(ctx context.Context, acc *Account, amount *big.Int) error {
	opts, err := acc.TransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := evm.MPE.Withdraw(opts, amount)
	if err != nil {
		return err
	}
	_, err = evm.waitMined(ctx, tx)
	return err
}

// ensureAllowance checks the ERC-20 token allowance from the account to the
// escrow. If the current allowance is less than need, it submits an Approve
// transaction for max uint256 and waits for it to be mined, so subsequent
// deposits do not need another approval.
func (evm *EVMClient) ensureAllowance(ctx context.Context, acc *Account, need *big.Int) error {
	allowance, err := acc.Allowance(ctx)
	if err != nil {
		return err
	}
	if allowance != nil && allowance.Cmp(need) >= 0 {
		return nil
	}
	opts, err := acc.TransactOpts(ctx)
	if err != nil {
		return err
	}
	tx, err := evm.FetchToken.Approve(opts, evm.MPE.Address(), maxUint256)
	if err != nil {
		return err
	}
	_, err = evm.waitMined(ctx, tx)
	return err
}

// ensureEscrowBalance deposits the difference when the account's escrow
// balance does not cover need.
func (evm *EVMClient) ensureEscrowBalance(ctx context.Context, acc *Account, need *big.Int) error {
	bal, err := acc.EscrowBalance(ctx)
	if err != nil {
		return err
	}
	if bal.Cmp(need) >= 0 {
		return nil
	}
	missing := new(big.Int).Sub(need, bal)
	zap.L().Debug("Escrow balance below requested amount, depositing",
		zap.String("balance", bal.String()), zap.String("missing", missing.String()))
	return evm.Deposit(ctx, acc, missing)
}

// PastOpenChannels scans ChannelOpen events for (sender == signer, recipient,
// groupID) from fromBlock up to the current head. It returns the matching
// events in chain order together with the head block number, so callers can
// resume subsequent scans from head+1.
func (evm *EVMClient) PastOpenChannels(ctx context.Context, sender, recipient common.Address, groupID [32]byte, fromBlock uint64) ([]*ChannelOpenEvent, uint64, error) {
	head, err := evm.GetCurrentBlockNumberCtx(ctx)
	if err != nil {
		return nil, 0, err
	}
	end := head.Uint64()
	if fromBlock > end {
		return nil, end, nil
	}

	events, err := evm.MPE.FilterChannelOpen(
		&bind.FilterOpts{Start: fromBlock, End: &end, Context: ctx},
		[]common.Address{sender}, []common.Address{recipient}, [][32]byte{groupID},
	)
	if err != nil {
		return nil, 0, err
	}

	// The signer is not an indexed topic; drop channels signed by other keys.
	filtered := events[:0]
	for _, ev := range events {
		if ev.Signer == sender {
			filtered = append(filtered, ev)
		}
	}
	return filtered, end, nil
}
