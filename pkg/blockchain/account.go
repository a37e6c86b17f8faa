package blockchain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/singnet/snet-mpe-go/pkg/errs"
)

// FieldKind enumerates the value kinds that can appear in a signed message.
type FieldKind int

const (
	// StringKind encodes the value as raw UTF-8 bytes, no length prefix.
	StringKind FieldKind = iota
	// AddressKind encodes the value as the 20-byte address.
	AddressKind
	// Uint256Kind encodes the value as a 32-byte big-endian unsigned integer.
	Uint256Kind
	// BytesKind appends the value bytes unchanged.
	BytesKind
)

// Field is one element of a message to be signed. Messages are the
// concatenation of their fields' encodings, in order, with no separators.
type Field struct {
	Kind    FieldKind
	String  string
	Address common.Address
	Uint256 *big.Int
	Bytes   []byte
}

// StringField builds a Field holding a UTF-8 string.
func StringField(s string) Field { return Field{Kind: StringKind, String: s} }

// AddressField builds a Field holding a 20-byte address.
func AddressField(a common.Address) Field { return Field{Kind: AddressKind, Address: a} }

// Uint256Field builds a Field holding a 32-byte big-endian integer.
func Uint256Field(v *big.Int) Field { return Field{Kind: Uint256Kind, Uint256: v} }

// BytesField builds a Field holding raw bytes.
func BytesField(b []byte) Field { return Field{Kind: BytesKind, Bytes: b} }

// EncodeFields concatenates the canonical encodings of the given fields.
func EncodeFields(fields ...Field) []byte {
	var out []byte
	for _, f := range fields {
		switch f.Kind {
		case StringKind:
			out = append(out, f.String...)
		case AddressKind:
			out = append(out, f.Address.Bytes()...)
		case Uint256Kind:
			out = append(out, BigIntToBytes(f.Uint256)...)
		case BytesKind:
			out = append(out, f.Bytes...)
		}
	}
	return out
}

// Account wraps a sender identity: its ECDSA key, derived address, and the
// chain client used to submit its transactions. The same key signs both
// transactions and off-chain payment messages.
type Account struct {
	Address common.Address

	privateKey *ecdsa.PrivateKey
	evm        *EVMClient
}

// NewAccount builds an Account from a hex-encoded private key.
func NewAccount(evm *EVMClient, privateKeyHex string) (*Account, error) {
	address, key, err := ParsePrivateKeyECDSA(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return &Account{Address: address, privateKey: key, evm: evm}, nil
}

// NewAccountFromKey builds an Account from an already-parsed private key.
func NewAccountFromKey(evm *EVMClient, key *ecdsa.PrivateKey) (*Account, error) {
	addr := GetAddressFromPrivateKeyECDSA(key)
	if addr == nil {
		return nil, fmt.Errorf("%w: nil private key", errs.ErrDataNotAvailable)
	}
	return &Account{Address: *addr, privateKey: key, evm: evm}, nil
}

// Sign produces a personal-sign signature over the concatenation of fields.
func (a *Account) Sign(fields ...Field) []byte {
	return GetSignature(EncodeFields(fields...), a.privateKey)
}

// SignBytes produces a personal-sign signature over a raw message.
func (a *Account) SignBytes(message []byte) []byte {
	return GetSignature(message, a.privateKey)
}

// TransactOpts builds keyed transaction options for this account bound to ctx.
// GasLimit is left at zero so the node estimates gas.
func (a *Account) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	chainID, err := a.evm.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	opts, err := bind.NewKeyedTransactorWithChainID(a.privateKey, chainID)
	if err != nil {
		return nil, err
	}
	opts.Context = ctx
	return opts, nil
}

// EscrowBalance reads this account's MPE-internal balance.
func (a *Account) EscrowBalance(ctx context.Context) (*big.Int, error) {
	return a.evm.MPE.Balances(&bind.CallOpts{Context: ctx, From: a.Address}, a.Address)
}

// TokenBalance reads this account's ERC-20 token balance.
func (a *Account) TokenBalance(ctx context.Context) (*big.Int, error) {
	return a.evm.FetchToken.BalanceOf(&bind.CallOpts{Context: ctx, From: a.Address}, a.Address)
}

// Allowance reads the amount the escrow may transfer on this account's behalf.
func (a *Account) Allowance(ctx context.Context) (*big.Int, error) {
	return a.evm.FetchToken.Allowance(&bind.CallOpts{Context: ctx, From: a.Address}, a.Address, a.evm.MPE.Address())
}
