// Package payment implements the payment-channel lifecycle and
// call-authorization engine: tracked channel state and sync, channel
// selection with on-chain reconciliation, and the free/paid/prepaid
// strategies that turn a selected channel into gRPC metadata the daemon
// accepts as payment.
package payment

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/singnet/snet-mpe-go/pkg/blockchain"
	"github.com/singnet/snet-mpe-go/pkg/daemon"
)

// Strategy abstracts a payment/authentication mechanism used by the SDK when
// invoking daemon methods over gRPC. Implementations include FreeStrategy
// (free-call tokens), PaidStrategy (MPE escrow), and PrepaidStrategy.
//
// Typical flow per request:
//  1. Call Refresh(ctx) to select/reconcile a channel and renew tokens.
//  2. Wrap the outbound context with GRPCMetadata(ctx) and pass it to the RPC.
type Strategy interface {
	// GRPCMetadata decorates the provided context with the required gRPC
	// headers (payment type, channel ID/nonce/amount, signatures, tokens).
	// It returns a derived context to use for the RPC invocation, or an error
	// when the headers cannot be produced (no channel selected, chain
	// unreachable, signing failure).
	GRPCMetadata(ctx context.Context) (context.Context, error)
	// Refresh updates internal state (channel selection, token issuance or
	// renewal) prior to making calls. Implementations should be idempotent
	// and cheap when no refresh is required.
	Refresh(ctx context.Context) error
}

// Ledger is the on-chain escrow surface the payment engine depends on. It is
// implemented by *blockchain.EVMClient; tests substitute a recording fake.
type Ledger interface {
	GetCurrentBlockNumberCtx(ctx context.Context) (*big.Int, error)
	GetChannelState(ctx context.Context, channelID *big.Int) (*blockchain.MultiPartyEscrowChannel, error)
	EscrowBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	OpenChannel(ctx context.Context, acc *blockchain.Account, recipient common.Address, groupID [32]byte, amount, expiration *big.Int) (*blockchain.ChannelOpenEvent, error)
	DepositAndOpenChannel(ctx context.Context, acc *blockchain.Account, recipient common.Address, groupID [32]byte, amount, expiration *big.Int) (*blockchain.ChannelOpenEvent, error)
	ChannelAddFunds(ctx context.Context, acc *blockchain.Account, channelID, amount *big.Int) error
	ChannelExtend(ctx context.Context, acc *blockchain.Account, channelID, newExpiration *big.Int) error
	ChannelExtendAndAddFunds(ctx context.Context, acc *blockchain.Account, channelID, newExpiration, amount *big.Int) error
	ChannelClaimTimeout(ctx context.Context, acc *blockchain.Account, channelID *big.Int) error
	PastOpenChannels(ctx context.Context, sender, recipient common.Address, groupID [32]byte, fromBlock uint64) ([]*blockchain.ChannelOpenEvent, uint64, error)
}

// ChannelStateClient is the daemon RPC used to read a channel's signed state.
type ChannelStateClient interface {
	GetChannelState(ctx context.Context, channelID *big.Int, currentBlock uint64, signature []byte) (*daemon.ChannelState, error)
}

// TokenClient is the daemon RPC that issues prepaid auth tokens.
type TokenClient interface {
	GetToken(ctx context.Context, req *daemon.TokenRequest) (*daemon.TokenGrant, error)
}

// FreeCallClient is the daemon RPC surface for free-call tokens and quota.
type FreeCallClient interface {
	GetFreeCallToken(ctx context.Context, req *daemon.FreeCallTokenRequest) (*daemon.FreeCallToken, error)
	GetFreeCallsAvailable(ctx context.Context, req *daemon.FreeCallStateRequest) (uint64, error)
}

// GetChannelStateFromDaemon queries the daemon for the latest signed state of
// a payment channel. It signs the freshness-bound message
//
//	concat("__get_channel_state", MPEAddress, channelID, currentBlockNumber)
//
// with the account key; the daemon verifies the signature belongs to the
// channel's sender or signer before answering.
func GetChannelStateFromDaemon(ctx context.Context, client ChannelStateClient, acc *blockchain.Account, mpeAddr common.Address, channelID, currentBlock *big.Int) (*daemon.ChannelState, error) {
	signature := acc.Sign(
		blockchain.StringField(PrefixGetChannelState),
		blockchain.AddressField(mpeAddr),
		blockchain.Uint256Field(channelID),
		blockchain.Uint256Field(currentBlock),
	)
	return client.GetChannelState(ctx, channelID, currentBlock.Uint64(), signature)
}
