package payment

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/singnet/snet-mpe-go/pkg/blockchain"
	"github.com/singnet/snet-mpe-go/pkg/errs"
	"github.com/singnet/snet-mpe-go/pkg/model"
)

// basePaidStrategy holds the channel-selection machinery shared by the paid
// and prepaid strategies.
type basePaidStrategy struct {
	ledger   Ledger
	registry *ChannelRegistry
	acc      *blockchain.Account
	mpeAddr  common.Address

	group     *model.ServiceGroup
	recipient common.Address
	groupID   [32]byte

	// blockOffset is the extra expiry buffer, in blocks, applied when a
	// channel is opened or extended.
	blockOffset uint64

	// preselectedChannelID bypasses selection and reconciliation entirely;
	// the caller takes responsibility for the channel being usable.
	preselectedChannelID *big.Int
}

func newBasePaidStrategy(ledger Ledger, states ChannelStateClient, acc *blockchain.Account, mpeAddr common.Address, group *model.ServiceGroup, blockOffset, fromBlock uint64) (*basePaidStrategy, error) {
	recipient, err := group.Payment.Recipient()
	if err != nil {
		return nil, err
	}
	groupID, err := blockchain.DecodePaymentGroupID(group.GroupID)
	if err != nil {
		return nil, fmt.Errorf("%w: group id %q: %v", errs.ErrConversionFailed, group.GroupID, err)
	}
	return &basePaidStrategy{
		ledger:      ledger,
		registry:    NewChannelRegistry(ledger, states, acc, mpeAddr, recipient, groupID, fromBlock),
		acc:         acc,
		mpeAddr:     mpeAddr,
		group:       group,
		recipient:   recipient,
		groupID:     groupID,
		blockOffset: blockOffset,
	}, nil
}

// SetPreselectedChannel pins selection to the given channel id. Pass nil to
// restore normal selection.
func (b *basePaidStrategy) SetPreselectedChannel(id *big.Int) {
	b.preselectedChannelID = id
}

// selectChannel returns a channel known-good for a call batch of callCount
// calls at the group's fixed price, opening, funding or extending a channel
// on-chain as required:
//
//  1. Refresh tracked channels (load new ones, then resync all).
//  2. A preselected channel, if set and tracked, is returned as-is.
//  3. With no tracked channels, open a new one: depositAndOpenChannel when
//     the required amount exceeds the current escrow balance, plain
//     openChannel otherwise.
//  4. Otherwise take the first tracked channel and reconcile it: extend when
//     the expiry falls short, add funds when the balance falls short, both in
//     one transaction when both do. Sufficiency and validity are inclusive
//     (>=) at the boundary.
func (b *basePaidStrategy) selectChannel(ctx context.Context, callCount uint64) (*PaymentChannel, error) {
	if err := b.registry.LoadOpenChannels(ctx); err != nil {
		return nil, err
	}
	if err := b.registry.UpdateChannelStates(ctx); err != nil {
		return nil, err
	}

	price, err := b.group.FixedPrice()
	if err != nil {
		return nil, err
	}
	if callCount == 0 {
		callCount = 1
	}
	requiredAmount := new(big.Int).Mul(price, new(big.Int).SetUint64(callCount))

	if b.preselectedChannelID != nil {
		ch := b.registry.ByID(b.preselectedChannelID)
		if ch == nil {
			return nil, fmt.Errorf("%w: preselected channel %s is not tracked", errs.ErrDataNotAvailable, b.preselectedChannelID)
		}
		return ch, nil
	}

	currentBlock, err := b.ledger.GetCurrentBlockNumberCtx(ctx)
	if err != nil {
		return nil, err
	}
	threshold := b.group.Payment.PaymentExpirationThreshold
	if threshold == nil {
		return nil, fmt.Errorf("%w: payment expiration threshold not set for group %q", errs.ErrDataNotAvailable, b.group.GroupName)
	}
	defaultExpiry := new(big.Int).Add(currentBlock, threshold)
	extendedExpiry := blockchain.GetNewExpiration(currentBlock, threshold, b.blockOffset)

	channels := b.registry.Channels()
	if len(channels) == 0 {
		return b.openChannel(ctx, requiredAmount, extendedExpiry)
	}

	ch := channels[0]
	snap := ch.Snapshot()
	hasFunds := snap.HasSufficientFunds(requiredAmount)
	isValid := snap.IsValid(defaultExpiry)

	switch {
	case hasFunds && isValid:
		return ch, nil
	case hasFunds:
		if err := ch.Extend(ctx, extendedExpiry); err != nil {
			return nil, err
		}
	case isValid:
		topUp := new(big.Int).Sub(requiredAmount, snap.AvailableAmount)
		if err := ch.AddFunds(ctx, topUp); err != nil {
			return nil, err
		}
	default:
		topUp := new(big.Int).Sub(requiredAmount, snap.AvailableAmount)
		if err := ch.ExtendAndAddFunds(ctx, extendedExpiry, topUp); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// openChannel opens a fresh channel funded with requiredAmount until expiry,
// depositing into the escrow first when its balance cannot cover the amount.
func (b *basePaidStrategy) openChannel(ctx context.Context, requiredAmount, expiry *big.Int) (*PaymentChannel, error) {
	escrowBalance, err := b.ledger.EscrowBalance(ctx, b.acc.Address)
	if err != nil {
		return nil, err
	}

	var ev *blockchain.ChannelOpenEvent
	if requiredAmount.Cmp(escrowBalance) > 0 {
		ev, err = b.ledger.DepositAndOpenChannel(ctx, b.acc, b.recipient, b.groupID, requiredAmount, expiry)
	} else {
		ev, err = b.ledger.OpenChannel(ctx, b.acc, b.recipient, b.groupID, requiredAmount, expiry)
	}
	if err != nil {
		return nil, err
	}
	zap.L().Info("Opened payment channel",
		zap.String("channelID", ev.ChannelId.String()),
		zap.String("amount", requiredAmount.String()),
		zap.String("expiry", expiry.String()))
	return b.registry.Track(ev), nil
}
