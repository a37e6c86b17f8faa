package payment

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/grpc/metadata"

	"github.com/singnet/snet-mpe-go/pkg/blockchain"
	"github.com/singnet/snet-mpe-go/pkg/errs"
	"github.com/singnet/snet-mpe-go/pkg/model"
)

// PrepaidStrategy implements the "prepaid-call" flow: the client commits to a
// batch of calls up front (per-call price times the call allowance), exchanges
// the claim for a daemon-issued token via the ConcurrencyManager, and attaches
// that token to each call. Suited to concurrent calls, since the token is
// valid until its planned amount is used up.
type PrepaidStrategy struct {
	*basePaidStrategy

	concurrency   *ConcurrencyManager
	callAllowance uint64

	mu      sync.Mutex
	channel *PaymentChannel
	token   string
}

// NewPrePaidStrategy builds a prepaid strategy batching callAllowance calls
// per token. Call Refresh before issuing RPCs to obtain the token.
func NewPrePaidStrategy(ledger Ledger, states ChannelStateClient, tokens TokenClient, acc *blockchain.Account, mpeAddr common.Address, group *model.ServiceGroup, callAllowance, blockOffset, fromBlock uint64) (*PrepaidStrategy, error) {
	base, err := newBasePaidStrategy(ledger, states, acc, mpeAddr, group, blockOffset, fromBlock)
	if err != nil {
		return nil, err
	}
	if callAllowance == 0 {
		callAllowance = 1
	}
	return &PrepaidStrategy{
		basePaidStrategy: base,
		concurrency:      NewConcurrencyManager(ledger, tokens, acc, mpeAddr),
		callAllowance:    callAllowance,
	}, nil
}

// Refresh selects/reconciles a channel funded for the whole call batch and
// negotiates a prepaid token for it.
func (p *PrepaidStrategy) Refresh(ctx context.Context) error {
	ch, err := p.selectChannel(ctx, p.callAllowance)
	if err != nil {
		return err
	}

	price, err := p.group.FixedPrice()
	if err != nil {
		return err
	}
	batchPrice := new(big.Int).Mul(price, new(big.Int).SetUint64(p.callAllowance))

	token, err := p.concurrency.GetToken(ctx, ch, batchPrice)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.channel = ch
	p.token = token
	p.mu.Unlock()
	return nil
}

// GRPCMetadata returns a child context carrying the prepaid-call headers:
// payment type, channel id, nonce and the daemon-issued auth token.
func (p *PrepaidStrategy) GRPCMetadata(ctx context.Context) (context.Context, error) {
	p.mu.Lock()
	ch, token := p.channel, p.token
	p.mu.Unlock()
	if ch == nil || token == "" {
		if err := p.Refresh(ctx); err != nil {
			return nil, err
		}
		p.mu.Lock()
		ch, token = p.channel, p.token
		p.mu.Unlock()
	}
	if ch == nil || token == "" {
		return nil, fmt.Errorf("%w: no prepaid token negotiated", errs.ErrDataNotAvailable)
	}

	snap := ch.Snapshot()
	md := metadata.Pairs(
		PaymentTypeHeader, PrepaidPaymentType,
		PaymentChannelIDHeader, ch.ID.String(),
		PaymentChannelNonceHeader, snap.Nonce.String(),
		PrePaidAuthTokenHeader, token,
	)
	return metadata.NewOutgoingContext(ctx, md), nil
}
