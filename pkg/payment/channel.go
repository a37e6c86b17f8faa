package payment

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/singnet/snet-mpe-go/pkg/blockchain"
	"github.com/singnet/snet-mpe-go/pkg/daemon"
	"github.com/singnet/snet-mpe-go/pkg/errs"
)

// PaymentChannel is the in-memory mirror of one on-chain MPE channel plus the
// daemon's authoritative spend state. All mutations of nonce and signed
// amount go through the channel's mutex, so at most one claim/top-up is in
// flight per channel at a time.
type PaymentChannel struct {
	ID *big.Int

	ledger  Ledger
	states  ChannelStateClient
	acc     *blockchain.Account
	mpeAddr common.Address

	mu                  sync.Mutex
	nonce               *big.Int
	currentSignedAmount *big.Int
	expiry              *big.Int
	amountDeposited     *big.Int
	plannedAmount       *big.Int
	usedAmount          *big.Int
}

// ChannelSnapshot is a consistent copy of a channel's tracked state.
type ChannelSnapshot struct {
	ID                  *big.Int
	Nonce               *big.Int
	CurrentSignedAmount *big.Int
	Expiry              *big.Int
	AmountDeposited     *big.Int
	AvailableAmount     *big.Int
	PlannedAmount       *big.Int
	UsedAmount          *big.Int
}

// NewPaymentChannel builds an untracked channel mirror with zeroed state.
// Callers usually follow up with SyncState or seed it from a ChannelOpen event.
func NewPaymentChannel(id *big.Int, ledger Ledger, states ChannelStateClient, acc *blockchain.Account, mpeAddr common.Address) *PaymentChannel {
	return &PaymentChannel{
		ID:                  id,
		ledger:              ledger,
		states:              states,
		acc:                 acc,
		mpeAddr:             mpeAddr,
		nonce:               big.NewInt(0),
		currentSignedAmount: big.NewInt(0),
		expiry:              big.NewInt(0),
		amountDeposited:     big.NewInt(0),
		plannedAmount:       big.NewInt(0),
		usedAmount:          big.NewInt(0),
	}
}

// newChannelFromOpenEvent seeds a channel mirror from its ChannelOpen event.
func newChannelFromOpenEvent(ev *blockchain.ChannelOpenEvent, ledger Ledger, states ChannelStateClient, acc *blockchain.Account, mpeAddr common.Address) *PaymentChannel {
	ch := NewPaymentChannel(ev.ChannelId, ledger, states, acc, mpeAddr)
	ch.nonce = new(big.Int).Set(ev.Nonce)
	ch.amountDeposited = new(big.Int).Set(ev.Amount)
	ch.expiry = new(big.Int).Set(ev.Expiration)
	return ch
}

// Snapshot returns a consistent copy of the channel state.
func (c *PaymentChannel) Snapshot() ChannelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ChannelSnapshot{
		ID:                  new(big.Int).Set(c.ID),
		Nonce:               new(big.Int).Set(c.nonce),
		CurrentSignedAmount: new(big.Int).Set(c.currentSignedAmount),
		Expiry:              new(big.Int).Set(c.expiry),
		AmountDeposited:     new(big.Int).Set(c.amountDeposited),
		AvailableAmount:     new(big.Int).Sub(c.amountDeposited, c.currentSignedAmount),
		PlannedAmount:       new(big.Int).Set(c.plannedAmount),
		UsedAmount:          new(big.Int).Set(c.usedAmount),
	}
}

// HasSufficientFunds reports whether the channel's available amount covers
// required. The boundary is inclusive: exactly-enough funds count as
// sufficient.
func (s ChannelSnapshot) HasSufficientFunds(required *big.Int) bool {
	return s.AvailableAmount.Cmp(required) >= 0
}

// IsValid reports whether the channel's expiry reaches requiredExpiry. The
// boundary is inclusive: expiry exactly at the threshold counts as valid.
func (s ChannelSnapshot) IsValid(requiredExpiry *big.Int) bool {
	return s.Expiry.Cmp(requiredExpiry) >= 0
}

// AddFunds adds amount to the channel on-chain and, once mined, reflects the
// new deposit locally. The channel mutex is held for the duration of the
// transaction so no claim is signed against a value in flux.
func (c *PaymentChannel) AddFunds(ctx context.Context, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ledger.ChannelAddFunds(ctx, c.acc, c.ID, amount); err != nil {
		return err
	}
	c.amountDeposited = new(big.Int).Add(c.amountDeposited, amount)
	return nil
}

// Extend moves the channel expiration to newExpiry on-chain.
func (c *PaymentChannel) Extend(ctx context.Context, newExpiry *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ledger.ChannelExtend(ctx, c.acc, c.ID, newExpiry); err != nil {
		return err
	}
	c.expiry = new(big.Int).Set(newExpiry)
	return nil
}

// ExtendAndAddFunds extends the channel and adds amount in one transaction.
func (c *PaymentChannel) ExtendAndAddFunds(ctx context.Context, newExpiry, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ledger.ChannelExtendAndAddFunds(ctx, c.acc, c.ID, newExpiry, amount); err != nil {
		return err
	}
	c.expiry = new(big.Int).Set(newExpiry)
	c.amountDeposited = new(big.Int).Add(c.amountDeposited, amount)
	return nil
}

// ClaimTimeout returns the channel's remaining value to the sender once the
// expiration block has passed.
func (c *PaymentChannel) ClaimTimeout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.ChannelClaimTimeout(ctx, c.acc, c.ID)
}

// CommitNextAmount advances the locally tracked signed amount by price and
// returns the (nonce, amount) pair a claim signature must commit to. The
// advance and the read are one critical section, so two concurrent calls can
// never compute overlapping claim amounts.
func (c *PaymentChannel) CommitNextAmount(price *big.Int) (nonce, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentSignedAmount = new(big.Int).Add(c.currentSignedAmount, price)
	return new(big.Int).Set(c.nonce), new(big.Int).Set(c.currentSignedAmount)
}

// SyncState refreshes the mirror from both sources of truth: the on-chain
// channel record (nonce, value, expiration) and the daemon's signed state
// (current signed amount). The two reads run concurrently. On any failure the
// previous (possibly stale) state is kept untouched and the error wraps
// errs.ErrDataNotAvailable.
func (c *PaymentChannel) SyncState(ctx context.Context) error {
	currentBlock, err := c.ledger.GetCurrentBlockNumberCtx(ctx)
	if err != nil {
		return fmt.Errorf("%w: block number: %v", errs.ErrDataNotAvailable, err)
	}

	var (
		wg         sync.WaitGroup
		onchain    *blockchain.MultiPartyEscrowChannel
		onchainErr error
		remote     *daemon.ChannelState
		remoteErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		onchain, onchainErr = c.ledger.GetChannelState(ctx, c.ID)
	}()
	go func() {
		defer wg.Done()
		remote, remoteErr = GetChannelStateFromDaemon(ctx, c.states, c.acc, c.mpeAddr, c.ID, currentBlock)
	}()
	wg.Wait()

	if onchainErr != nil {
		return fmt.Errorf("%w: on-chain channel %s: %v", errs.ErrDataNotAvailable, c.ID, onchainErr)
	}
	if remoteErr != nil {
		return fmt.Errorf("%w: daemon state for channel %s: %v", errs.ErrDataNotAvailable, c.ID, remoteErr)
	}
	if onchain.Value == nil || onchain.Nonce == nil || onchain.Expiration == nil ||
		remote.CurrentNonce == nil || remote.CurrentSignedAmount == nil {
		return fmt.Errorf("%w: incomplete channel state for %s", errs.ErrDataNotAvailable, c.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The chain owns the channel's structure; the daemon owns spend, because
	// it sees claims beyond this client's own signed commitments.
	c.nonce = new(big.Int).Set(onchain.Nonce)
	c.amountDeposited = new(big.Int).Set(onchain.Value)
	c.expiry = new(big.Int).Set(onchain.Expiration)
	c.currentSignedAmount = new(big.Int).Set(remote.CurrentSignedAmount)
	zap.L().Debug("Synced channel state",
		zap.String("channelID", c.ID.String()),
		zap.String("nonce", c.nonce.String()),
		zap.String("signedAmount", c.currentSignedAmount.String()),
		zap.String("deposited", c.amountDeposited.String()))
	return nil
}

// setGrant records the daemon's planned/used bookkeeping for the current
// prepaid grant on this channel.
func (c *PaymentChannel) setGrant(grant *daemon.TokenGrant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plannedAmount = new(big.Int).SetUint64(grant.PlannedAmount)
	c.usedAmount = new(big.Int).SetUint64(grant.UsedAmount)
}
