// Package daemon is the gRPC client for the service daemon's escrow APIs:
// channel state queries, prepaid token issuance, and free-call token/quota
// management. It carries no generated stubs; the daemon .proto sources are
// embedded and compiled at runtime, and messages are built with dynamicpb.
package daemon

import (
	"context"
	_ "embed"
	"fmt"
	"math/big"
	"sync"

	"github.com/bufbuild/protocompile/linker"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	sdkgrpc "github.com/singnet/snet-mpe-go/pkg/grpc"
)

//go:embed state_service.proto
var stateServiceProto string

//go:embed token_service.proto
var tokenServiceProto string

// descriptors compiles the embedded daemon protos once per process.
var descriptors = sync.OnceValues(func() (linker.Files, error) {
	return sdkgrpc.GetProtoDescriptors(map[string]string{
		"state_service.proto": stateServiceProto,
		"token_service.proto": tokenServiceProto,
	})
})

// Client invokes the daemon's escrow services over an existing connection.
// The same connection the application RPCs use can be shared here.
type Client struct {
	conn  grpc.ClientConnInterface
	files linker.Files
}

// NewClient builds a daemon client on top of conn.
func NewClient(conn grpc.ClientConnInterface) (*Client, error) {
	files, err := descriptors()
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, files: files}, nil
}

// ChannelState is the daemon's signed view of a payment channel.
type ChannelState struct {
	CurrentNonce        *big.Int
	CurrentSignedAmount *big.Int
}

// TokenGrant is a prepaid auth token together with the daemon's bookkeeping
// for the grant it belongs to.
type TokenGrant struct {
	ChannelID     uint64
	Token         string
	PlannedAmount uint64
	UsedAmount    uint64
}

// TokenRequest asks the daemon to issue a prepaid token for a signed claim.
type TokenRequest struct {
	ChannelID      uint64
	CurrentNonce   uint64
	SignedAmount   uint64
	Signature      []byte
	CurrentBlock   uint64
	ClaimSignature []byte
}

// FreeCallTokenRequest asks the daemon to issue a free-call token.
type FreeCallTokenRequest struct {
	UserID        string
	Address       string
	Signature     []byte
	CurrentBlock  uint64
	TokenLifetime *uint64
}

// FreeCallToken is a daemon-issued free-call token and its expiry block.
type FreeCallToken struct {
	Token                 []byte
	TokenHex              string
	ExpirationBlockNumber uint64
}

// FreeCallStateRequest queries the remaining free-call quota for a user.
type FreeCallStateRequest struct {
	UserID       string
	Address      string
	Token        []byte
	Signature    []byte
	CurrentBlock uint64
}

// GetChannelState returns the daemon's latest (nonce, signed amount) for the
// channel. Empty reply fields decode to zero, which is the daemon's answer for
// a channel it has not yet seen a claim on.
func (c *Client) GetChannelState(ctx context.Context, channelID *big.Int, currentBlock uint64, signature []byte) (*ChannelState, error) {
	out, err := c.invoke(ctx, "GetChannelState", func(in *dynamicpb.Message) {
		setBytes(in, "channel_id", channelID.Bytes())
		setBytes(in, "signature", signature)
		setUint64(in, "current_block", currentBlock)
	})
	if err != nil {
		return nil, err
	}
	return &ChannelState{
		CurrentNonce:        new(big.Int).SetBytes(getBytes(out, "current_nonce")),
		CurrentSignedAmount: new(big.Int).SetBytes(getBytes(out, "current_signed_amount")),
	}, nil
}

// GetToken exchanges a signed claim for a prepaid auth token.
func (c *Client) GetToken(ctx context.Context, req *TokenRequest) (*TokenGrant, error) {
	out, err := c.invoke(ctx, "GetToken", func(in *dynamicpb.Message) {
		setUint64(in, "channel_id", req.ChannelID)
		setUint64(in, "current_nonce", req.CurrentNonce)
		setUint64(in, "signed_amount", req.SignedAmount)
		setBytes(in, "signature", req.Signature)
		setUint64(in, "current_block", req.CurrentBlock)
		setBytes(in, "claim_signature", req.ClaimSignature)
	})
	if err != nil {
		return nil, err
	}
	return &TokenGrant{
		ChannelID:     getUint64(out, "channel_id"),
		Token:         getString(out, "token"),
		PlannedAmount: getUint64(out, "planned_amount"),
		UsedAmount:    getUint64(out, "used_amount"),
	}, nil
}

// GetFreeCallToken requests a new free-call token for the signing user.
func (c *Client) GetFreeCallToken(ctx context.Context, req *FreeCallTokenRequest) (*FreeCallToken, error) {
	out, err := c.invoke(ctx, "GetFreeCallToken", func(in *dynamicpb.Message) {
		setString(in, "user_id", req.UserID)
		setString(in, "address", req.Address)
		setBytes(in, "signature", req.Signature)
		setUint64(in, "current_block", req.CurrentBlock)
		if req.TokenLifetime != nil {
			setUint64(in, "token_lifetime_in_blocks", *req.TokenLifetime)
		}
	})
	if err != nil {
		return nil, err
	}
	return &FreeCallToken{
		Token:                 getBytes(out, "token"),
		TokenHex:              getString(out, "token_hex"),
		ExpirationBlockNumber: getUint64(out, "expiration_block_number"),
	}, nil
}

// GetFreeCallsAvailable returns the remaining free-call quota for the user.
func (c *Client) GetFreeCallsAvailable(ctx context.Context, req *FreeCallStateRequest) (uint64, error) {
	out, err := c.invoke(ctx, "GetFreeCallsAvailable", func(in *dynamicpb.Message) {
		setString(in, "user_id", req.UserID)
		setString(in, "address", req.Address)
		setBytes(in, "free_call_token", req.Token)
		setBytes(in, "signature", req.Signature)
		setUint64(in, "current_block", req.CurrentBlock)
	})
	if err != nil {
		return 0, err
	}
	return getUint64(out, "free_calls_available"), nil
}

// invoke resolves methodName in the embedded descriptors, fills the input
// message via set, and performs the unary call.
func (c *Client) invoke(ctx context.Context, methodName string, set func(in *dynamicpb.Message)) (*dynamicpb.Message, error) {
	fd, methodDesc, err := sdkgrpc.FindMethod(c.files, methodName)
	if err != nil {
		return nil, err
	}
	in := dynamicpb.NewMessage(methodDesc.Input())
	set(in)
	out := dynamicpb.NewMessage(methodDesc.Output())

	fullMethod := "/" + string(fd.Package()) + "." + string(methodDesc.Parent().Name()) + "/" + methodName
	if err := c.conn.Invoke(ctx, fullMethod, in, out); err != nil {
		return nil, fmt.Errorf("daemon %s: %w", methodName, err)
	}
	return out, nil
}

func field(m *dynamicpb.Message, name string) protoreflect.FieldDescriptor {
	return m.Descriptor().Fields().ByName(protoreflect.Name(name))
}

func setBytes(m *dynamicpb.Message, name string, v []byte) {
	m.Set(field(m, name), protoreflect.ValueOfBytes(v))
}

func setString(m *dynamicpb.Message, name, v string) {
	m.Set(field(m, name), protoreflect.ValueOfString(v))
}

func setUint64(m *dynamicpb.Message, name string, v uint64) {
	m.Set(field(m, name), protoreflect.ValueOfUint64(v))
}

func getBytes(m *dynamicpb.Message, name string) []byte {
	return m.Get(field(m, name)).Bytes()
}

func getString(m *dynamicpb.Message, name string) string {
	return m.Get(field(m, name)).String()
}

func getUint64(m *dynamicpb.Message, name string) uint64 {
	return m.Get(field(m, name)).Uint()
}
