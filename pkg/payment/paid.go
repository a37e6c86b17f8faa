package payment

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc/metadata"

	"github.com/singnet/snet-mpe-go/pkg/blockchain"
	"github.com/singnet/snet-mpe-go/pkg/model"
)

// claimSignature signs the canonical MPE claim tuple
//
//	concat("__MPE_claim_message", MPEAddress, channelID, nonce, amount)
//
// authorizing the daemon to withdraw up to amount on (channelID, nonce).
func claimSignature(acc *blockchain.Account, mpeAddr common.Address, channelID, nonce, amount *big.Int) []byte {
	return acc.Sign(
		blockchain.StringField(PrefixInSignature),
		blockchain.AddressField(mpeAddr),
		blockchain.Uint256Field(channelID),
		blockchain.Uint256Field(nonce),
		blockchain.Uint256Field(amount),
	)
}

// PaidStrategy implements the "escrow" payment flow: every call commits to a
// new cumulative signed amount (previous amount + per-call price) and attaches
// the claim signature the daemon redeems against the ledger.
type PaidStrategy struct {
	*basePaidStrategy

	mu      sync.Mutex
	channel *PaymentChannel
}

// NewPaidStrategy builds a pay-per-call strategy for the given service group.
// Channel selection and reconciliation happen on Refresh (or lazily on the
// first GRPCMetadata call).
func NewPaidStrategy(ledger Ledger, states ChannelStateClient, acc *blockchain.Account, mpeAddr common.Address, group *model.ServiceGroup, blockOffset, fromBlock uint64) (*PaidStrategy, error) {
	base, err := newBasePaidStrategy(ledger, states, acc, mpeAddr, group, blockOffset, fromBlock)
	if err != nil {
		return nil, err
	}
	return &PaidStrategy{basePaidStrategy: base}, nil
}

// Refresh selects (and, when needed, funds or extends) the channel used for
// subsequent calls.
func (p *PaidStrategy) Refresh(ctx context.Context) error {
	ch, err := p.selectChannel(ctx, 1)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.channel = ch
	p.mu.Unlock()
	return nil
}

// GRPCMetadata returns a child context carrying the escrow payment headers:
// channel id, nonce, the advanced cumulative amount and its claim signature.
func (p *PaidStrategy) GRPCMetadata(ctx context.Context) (context.Context, error) {
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch == nil {
		if err := p.Refresh(ctx); err != nil {
			return nil, err
		}
		p.mu.Lock()
		ch = p.channel
		p.mu.Unlock()
	}

	price, err := p.group.FixedPrice()
	if err != nil {
		return nil, err
	}
	nonce, amount := ch.CommitNextAmount(price)
	signature := claimSignature(p.acc, p.mpeAddr, ch.ID, nonce, amount)

	md := metadata.Pairs(
		PaymentTypeHeader, EscrowPaymentType,
		PaymentChannelIDHeader, ch.ID.String(),
		PaymentChannelNonceHeader, nonce.String(),
		PaymentChannelAmountHeader, amount.String(),
		PaymentChannelSignatureHeader, string(signature),
	)
	return metadata.NewOutgoingContext(ctx, md), nil
}
