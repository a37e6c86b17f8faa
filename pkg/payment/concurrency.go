package payment

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/singnet/snet-mpe-go/pkg/blockchain"
	"github.com/singnet/snet-mpe-go/pkg/daemon"
)

// ConcurrencyManager negotiates prepaid auth tokens with the daemon and
// manages the signed-amount ratchet behind them. A token grants a planned
// amount of spend; while usage stays below the plan the same token keeps
// serving concurrent calls.
type ConcurrencyManager struct {
	ledger  Ledger
	tokens  TokenClient
	acc     *blockchain.Account
	mpeAddr common.Address
}

// NewConcurrencyManager builds a token negotiator for the given account.
func NewConcurrencyManager(ledger Ledger, tokens TokenClient, acc *blockchain.Account, mpeAddr common.Address) *ConcurrencyManager {
	return &ConcurrencyManager{ledger: ledger, tokens: tokens, acc: acc, mpeAddr: mpeAddr}
}

// GetToken returns a token authorizing price worth of calls on the channel.
//
// When the channel already has a non-zero signed amount, the daemon is first
// probed with a zero increment: if the existing grant still has headroom
// (usedAmount < plannedAmount), its token is reused without committing more
// funds. Otherwise a fresh token is requested for currentSignedAmount + price.
// Failures surface to the caller; falling back to per-call payment is the
// caller's decision.
func (m *ConcurrencyManager) GetToken(ctx context.Context, ch *PaymentChannel, price *big.Int) (string, error) {
	snap := ch.Snapshot()

	if snap.CurrentSignedAmount.Sign() != 0 {
		grant, err := m.requestToken(ctx, snap, big.NewInt(0))
		if err != nil {
			return "", err
		}
		ch.setGrant(grant)
		if grant.UsedAmount < grant.PlannedAmount {
			zap.L().Debug("Reusing prepaid token with remaining headroom",
				zap.Uint64("used", grant.UsedAmount),
				zap.Uint64("planned", grant.PlannedAmount))
			return grant.Token, nil
		}
	}

	grant, err := m.requestToken(ctx, snap, price)
	if err != nil {
		return "", err
	}
	ch.setGrant(grant)
	return grant.Token, nil
}

// requestToken asks the daemon for a token covering the channel's current
// signed amount plus increment. The claim signature is wrapped in a second
// signature over (claimSignature || currentBlock) to bound it to a recent
// block and prevent replay.
func (m *ConcurrencyManager) requestToken(ctx context.Context, snap ChannelSnapshot, increment *big.Int) (*daemon.TokenGrant, error) {
	currentBlock, err := m.ledger.GetCurrentBlockNumberCtx(ctx)
	if err != nil {
		return nil, err
	}

	amount := new(big.Int).Add(snap.CurrentSignedAmount, increment)
	claimSig := claimSignature(m.acc, m.mpeAddr, snap.ID, snap.Nonce, amount)
	blockBoundSig := m.acc.Sign(
		blockchain.BytesField(claimSig),
		blockchain.Uint256Field(currentBlock),
	)

	return m.tokens.GetToken(ctx, &daemon.TokenRequest{
		ChannelID:      snap.ID.Uint64(),
		CurrentNonce:   snap.Nonce.Uint64(),
		SignedAmount:   amount.Uint64(),
		Signature:      blockBoundSig,
		CurrentBlock:   currentBlock.Uint64(),
		ClaimSignature: claimSig,
	})
}
