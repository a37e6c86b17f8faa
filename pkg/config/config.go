// Package config defines the runtime configuration for the SDK, including
// Ethereum network settings, RPC endpoint, storage gateways, payment options,
// and operation timeouts. It also provides validation and defaulting helpers.
package config

import (
	"crypto/ecdsa"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Config holds all SDK settings required to initialize blockchain and service clients.
// Use Validate to fill implicit defaults and to check for required fields.
type Config struct {
	// Network selects the target chain (chain ID and human-readable name).
	Network Network `json:"network" yaml:"network"`
	// RPCAddr is the Ethereum RPC/WS endpoint URL (required).
	RPCAddr string `json:"rpc_addr" yaml:"rpc_addr"`
	// PrivateKey is the hex-encoded ECDSA private key used for signed operations
	// (optional if you only do free calls / read-only operations).
	PrivateKey string `json:"private_key" yaml:"private_key"`
	// LighthouseURL is the HTTP gateway used to fetch Filecoin-backed content.
	// Default: https://gateway.lighthouse.storage/ipfs/
	LighthouseURL string `json:"lighthouse_url" yaml:"lighthouse_url"`
	// IpfsURL is the HTTP API endpoint of the IPFS node used to read files.
	// Default: https://ipfs.singularitynet.io:443
	IpfsURL string `json:"ipfs_url" yaml:"ipfs_url"`
	// Debug enables verbose logging.
	Debug bool `json:"debug" yaml:"debug"`
	// Payment configures channel selection and concurrency behavior.
	Payment Payment `json:"payment" yaml:"payment"`
	// Timeouts configures per-operation timeouts. See Timeouts.WithDefaults for defaults.
	Timeouts Timeouts `json:"timeouts" yaml:"timeouts"`
}

// Network describes a blockchain network (chain ID and name). ChainID is used
// for EIP-155 signing; Name is informational.
type Network struct {
	ChainID string `json:"chain_id"`
	Name    string `json:"network_name"`
}

// Sepolia is a predefined Network for Ethereum Sepolia testnet.
var Sepolia = Network{
	ChainID: "11155111",
	Name:    "sepolia",
}

// Main is a predefined Network for Ethereum mainnet.
var Main = Network{
	ChainID: "1",
	Name:    "main",
}

// Payment controls how the SDK selects and maintains payment channels.
// Zero values are replaced by WithDefaults.
type Payment struct {
	// ConcurrentCalls enables the prepaid (token-based) strategy for paid
	// calls. When false, paid calls use per-call escrow signatures. The choice
	// is fixed at service-client construction time.
	ConcurrentCalls bool `json:"concurrent_calls" yaml:"concurrent_calls"`
	// CallAllowance is the number of calls provisioned per signed allowance
	// when funding a channel for prepaid calls. Default: 1.
	CallAllowance uint64 `json:"call_allowance" yaml:"call_allowance"`
	// BlockOffset is the number of blocks added past the group's expiration
	// threshold when opening or extending a channel. Default: 240.
	BlockOffset uint64 `json:"block_offset" yaml:"block_offset"`
	// ChannelsFromBlock is the first block scanned for ChannelOpen events when
	// discovering previously opened channels. The channel registry records the
	// last scanned block and resumes from it on subsequent loads. Default: 0.
	ChannelsFromBlock uint64 `json:"channels_from_block" yaml:"channels_from_block"`
	// FreeCallUserID identifies the caller to the daemon for free calls by a
	// platform user id instead of the signing address. Optional.
	FreeCallUserID string `json:"free_call_user_id" yaml:"free_call_user_id"`
}

// WithDefaults returns a copy of p with zero values replaced by defaults.
func (p Payment) WithDefaults() Payment {
	pp := p
	if pp.CallAllowance == 0 {
		pp.CallAllowance = 1
	}
	if pp.BlockOffset == 0 {
		pp.BlockOffset = 240
	}
	return pp
}

// Timeouts controls SDK operation deadlines.
// Zero values will be replaced by sane defaults in WithDefaults.
type Timeouts struct {
	Dial            time.Duration // gRPC/Web3 dial/connect
	GRPCUnary       time.Duration // RPC
	ChainRead       time.Duration // eth_call, balance etc
	ChainSubmit     time.Duration // send tx
	ReceiptWait     time.Duration // wait tx
	StrategyRefresh time.Duration // refresh strategy
	PaymentEnsure   time.Duration // ensure payment channel
}

// Validate normalizes the configuration by applying implicit defaults for
// LighthouseURL, IpfsURL, Network (defaults to Sepolia) and Payment, and
// verifies that RPCAddr is provided. Returns an error when RPCAddr is empty.
func (c *Config) Validate() error {

	if c.LighthouseURL == "" {
		c.LighthouseURL = "https://gateway.lighthouse.storage/ipfs/"
	}

	if c.IpfsURL == "" {
		c.IpfsURL = "https://ipfs.singularitynet.io:443"
	}

	if c.Network.ChainID == "" {
		c.Network = Sepolia
	}

	c.Payment = c.Payment.WithDefaults()

	if c.RPCAddr == "" {
		return errors.New("RPC address is required")
	}

	return nil
}

// GetPrivateKey parses the configured hex private key. Returns nil when the
// key is unset or malformed; callers that need signing must check for nil.
func (c *Config) GetPrivateKey() *ecdsa.PrivateKey {
	if c.PrivateKey == "" {
		return nil
	}
	pk, err := crypto.HexToECDSA(c.PrivateKey)
	if err != nil {
		return nil
	}
	return pk
}

// WithDefaults returns a copy of t with zero values replaced by defaults:
//
//	Dial:            5s
//	GRPCUnary:       5s
//	ChainRead:       12s
//	ChainSubmit:     25s
//	ReceiptWait:     90s
//	StrategyRefresh: 5s
//	PaymentEnsure:   120s
func (t Timeouts) WithDefaults() Timeouts {
	tt := t
	if tt.Dial == 0 {
		tt.Dial = 5 * time.Second
	}
	if tt.GRPCUnary == 0 {
		tt.GRPCUnary = 5 * time.Second
	}
	if tt.ChainRead == 0 {
		tt.ChainRead = 12 * time.Second
	}
	if tt.ChainSubmit == 0 {
		tt.ChainSubmit = 25 * time.Second
	}
	if tt.ReceiptWait == 0 {
		tt.ReceiptWait = 90 * time.Second
	}
	if tt.StrategyRefresh == 0 {
		tt.StrategyRefresh = 5 * time.Second
	}
	if tt.PaymentEnsure == 0 {
		tt.PaymentEnsure = 120 * time.Second
	}
	return tt
}
