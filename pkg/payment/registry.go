package payment

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/singnet/snet-mpe-go/pkg/blockchain"
)

// ChannelRegistry tracks the channels this account has opened against one
// (recipient, groupID) pair. Channels are discovered from ChannelOpen events;
// each scan resumes from the block after the last one read, so restarts and
// repeated refreshes never rescan history.
type ChannelRegistry struct {
	ledger  Ledger
	states  ChannelStateClient
	acc     *blockchain.Account
	mpeAddr common.Address

	recipient common.Address
	groupID   [32]byte

	mu            sync.Mutex
	channels      []*PaymentChannel // discovery order; selection takes the first
	byID          map[string]*PaymentChannel
	nextReadBlock uint64
}

// NewChannelRegistry builds a registry scanning from fromBlock (0 = genesis).
func NewChannelRegistry(ledger Ledger, states ChannelStateClient, acc *blockchain.Account, mpeAddr, recipient common.Address, groupID [32]byte, fromBlock uint64) *ChannelRegistry {
	return &ChannelRegistry{
		ledger:        ledger,
		states:        states,
		acc:           acc,
		mpeAddr:       mpeAddr,
		recipient:     recipient,
		groupID:       groupID,
		byID:          make(map[string]*PaymentChannel),
		nextReadBlock: fromBlock,
	}
}

// LoadOpenChannels scans for ChannelOpen events since the last read block and
// tracks any channels not yet known. Already-tracked channels are untouched.
func (r *ChannelRegistry) LoadOpenChannels(ctx context.Context) error {
	r.mu.Lock()
	from := r.nextReadBlock
	r.mu.Unlock()

	events, lastBlock, err := r.ledger.PastOpenChannels(ctx, r.acc.Address, r.recipient, r.groupID, from)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range events {
		if _, known := r.byID[ev.ChannelId.String()]; known {
			continue
		}
		ch := newChannelFromOpenEvent(ev, r.ledger, r.states, r.acc, r.mpeAddr)
		r.channels = append(r.channels, ch)
		r.byID[ch.ID.String()] = ch
		zap.L().Debug("Tracking payment channel",
			zap.String("channelID", ch.ID.String()),
			zap.Uint64("openBlock", ev.Raw.BlockNumber))
	}
	if lastBlock+1 > r.nextReadBlock {
		r.nextReadBlock = lastBlock + 1
	}
	return nil
}

// UpdateChannelStates resyncs every tracked channel against the chain and the
// daemon, sequentially, after LoadOpenChannels so newly found channels are
// included.
func (r *ChannelRegistry) UpdateChannelStates(ctx context.Context) error {
	for _, ch := range r.Channels() {
		if err := ch.SyncState(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Channels returns the tracked channels in discovery order.
func (r *ChannelRegistry) Channels() []*PaymentChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PaymentChannel, len(r.channels))
	copy(out, r.channels)
	return out
}

// ByID returns the tracked channel with the given id, or nil.
func (r *ChannelRegistry) ByID(id *big.Int) *PaymentChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id.String()]
}

// Track registers a channel just opened by this client from its ChannelOpen
// event and returns the tracked mirror.
func (r *ChannelRegistry) Track(ev *blockchain.ChannelOpenEvent) *PaymentChannel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, known := r.byID[ev.ChannelId.String()]; known {
		return existing
	}
	ch := newChannelFromOpenEvent(ev, r.ledger, r.states, r.acc, r.mpeAddr)
	r.channels = append(r.channels, ch)
	r.byID[ch.ID.String()] = ch
	return ch
}
