package payment

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"

	"github.com/singnet/snet-mpe-go/pkg/blockchain"
	"github.com/singnet/snet-mpe-go/pkg/daemon"
	"github.com/singnet/snet-mpe-go/pkg/errs"
)

// FreeStrategy implements the "free-call" authentication flow against the
// daemon. It obtains a short-lived free-call token from the daemon's
// FreeCallState service and attaches the required gRPC metadata (token, user
// address, signed message, current block) to each request. The strategy is
// read-only with respect to the escrow: it never opens, funds or extends a
// channel.
type FreeStrategy struct {
	orgID     string
	serviceID string
	groupID   string
	userID    string

	ledger Ledger
	client FreeCallClient
	acc    *blockchain.Account

	// tokenLifetime requests a token lifetime in blocks; nil leaves the
	// choice to the daemon.
	tokenLifetime *uint64

	mu          sync.Mutex
	token       []byte
	tokenExpiry uint64
}

// NewFreeStrategy constructs a FreeStrategy for the given org/service/group.
// The ledger is used only to read the current block number for freshness-bound
// signatures.
func NewFreeStrategy(ledger Ledger, client FreeCallClient, acc *blockchain.Account, orgID, serviceID, groupID string, tokenLifetime *uint64) *FreeStrategy {
	return &FreeStrategy{
		orgID:         orgID,
		serviceID:     serviceID,
		groupID:       groupID,
		ledger:        ledger,
		client:        client,
		acc:           acc,
		tokenLifetime: tokenLifetime,
	}
}

// Refresh requests (or renews) a free-call token from the daemon, signing a
// block-bound issuance message with the account key.
func (f *FreeStrategy) Refresh(ctx context.Context) error {
	number, err := f.ledger.GetCurrentBlockNumberCtx(ctx)
	if err != nil {
		return err
	}
	currentBlock := number.Uint64()

	signature := f.acc.SignBytes(f.msgForNewFreeCallToken(currentBlock))
	token, err := f.client.GetFreeCallToken(ctx, &daemon.FreeCallTokenRequest{
		UserID:        f.userID,
		Address:       f.acc.Address.Hex(),
		Signature:     signature,
		CurrentBlock:  currentBlock,
		TokenLifetime: f.tokenLifetime,
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.token = token.Token
	f.tokenExpiry = token.ExpirationBlockNumber
	f.mu.Unlock()
	zap.L().Debug("Obtained free-call token",
		zap.Uint64("expiryBlock", token.ExpirationBlockNumber))
	return nil
}

// GRPCMetadata returns a child context carrying the free-call headers: payment
// type, token and its expiry block, user address, current block and a
// signature binding all of them.
func (f *FreeStrategy) GRPCMetadata(ctx context.Context) (context.Context, error) {
	f.mu.Lock()
	token := f.token
	f.mu.Unlock()
	if len(token) == 0 {
		if err := f.Refresh(ctx); err != nil {
			return nil, err
		}
		f.mu.Lock()
		token = f.token
		f.mu.Unlock()
	}
	if len(token) == 0 {
		return nil, fmt.Errorf("%w: no free-call token issued", errs.ErrDataNotAvailable)
	}

	number, err := f.ledger.GetCurrentBlockNumberCtx(ctx)
	if err != nil {
		return nil, err
	}
	currentBlock := number.Uint64()
	signature := f.acc.SignBytes(f.msgForFreeCall(currentBlock, token))

	f.mu.Lock()
	expiry := f.tokenExpiry
	f.mu.Unlock()

	md := metadata.Pairs(
		PaymentTypeHeader, FreeCallPaymentType,
		FreeCallAuthTokenHeader, string(token),
		FreeCallAuthTokenExpiryBlockNumberHeader, strconv.FormatUint(expiry, 10),
		FreeCallUserAddressHeader, f.acc.Address.Hex(),
		PaymentChannelSignatureHeader, string(signature),
		CurrentBlockNumberHeader, strconv.FormatUint(currentBlock, 10),
	)
	if f.userID != "" {
		md.Set(FreeCallUserIdHeader, f.userID)
	}
	return metadata.NewOutgoingContext(ctx, md), nil
}

// GetFreeCallsAvailable queries the daemon for the remaining free-call quota
// of the current user/token pair.
func (f *FreeStrategy) GetFreeCallsAvailable(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	token := f.token
	f.mu.Unlock()
	if len(token) == 0 {
		if err := f.Refresh(ctx); err != nil {
			return 0, err
		}
		f.mu.Lock()
		token = f.token
		f.mu.Unlock()
	}

	number, err := f.ledger.GetCurrentBlockNumberCtx(ctx)
	if err != nil {
		return 0, err
	}
	currentBlock := number.Uint64()

	return f.client.GetFreeCallsAvailable(ctx, &daemon.FreeCallStateRequest{
		UserID:       f.userID,
		Address:      f.acc.Address.Hex(),
		Token:        token,
		Signature:    f.acc.SignBytes(f.msgForFreeCall(currentBlock, token)),
		CurrentBlock: currentBlock,
	})
}

// msgForNewFreeCallToken builds the message authorizing issuance of a new
// free-call token: prefix, hex user address, org/service/group IDs and the
// current block number.
func (f *FreeStrategy) msgForNewFreeCallToken(currentBlock uint64) []byte {
	return blockchain.EncodeFields(
		blockchain.StringField(FreeCallPrefixSignature),
		blockchain.StringField(f.acc.Address.Hex()),
		blockchain.StringField(f.orgID),
		blockchain.StringField(f.serviceID),
		blockchain.StringField(f.groupID),
		blockchain.Uint256Field(new(big.Int).SetUint64(currentBlock)),
	)
}

// msgForFreeCall is the issuance message with the current token appended; it
// authorizes spending one free call with that token.
func (f *FreeStrategy) msgForFreeCall(currentBlock uint64, token []byte) []byte {
	return append(f.msgForNewFreeCallToken(currentBlock), token...)
}

// SetUserID switches free-call identification from the signing address to a
// platform user id.
func (f *FreeStrategy) SetUserID(userID string) {
	f.userID = userID
}
