// Package sdk exposes the high-level SDK entry points. It wires together
// blockchain access (registry/MPE), metadata storage backends
// (IPFS/Lighthouse), dynamic gRPC invocation, and payment strategy setup.
package sdk

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/singnet/snet-mpe-go/pkg/blockchain"
	"github.com/singnet/snet-mpe-go/pkg/config"
	"github.com/singnet/snet-mpe-go/pkg/storage"
)

// SnetSDK is the public surface for constructing per-service clients and
// releasing resources.
type SnetSDK interface {
	// NewServiceClient creates a client bound to the given org/service/group.
	// It fetches metadata from the on-chain registry and storage, enriches the
	// service group with the organization's payment details, and dials the
	// group's first endpoint.
	NewServiceClient(orgID, serviceID, groupName string) (Service, error)

	// GetOrganizations lists all organization ids registered on-chain.
	GetOrganizations() ([]string, error)

	// GetServices lists the service ids registered under an organization.
	GetServices(orgID string) ([]string, error)

	// Close releases resources associated with the SDK instance.
	Close()
}

// init configures a default global zap logger for the SDK. Applications may
// replace it with zap.ReplaceGlobals(...) if they need custom logging.
func init() {
	c := zap.Config{
		Level:            zap.NewAtomicLevelAt(zap.InfoLevel),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := c.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

// Core is the concrete SDK implementation: the initialized EVM client, the
// metadata store, the signing account (nil without a configured key) and the
// validated runtime configuration.
type Core struct {
	*config.Config

	evm     *blockchain.EVMClient
	store   storage.Storage
	account *blockchain.Account
}

// NewSDK initializes the SDK Core with validated configuration and a connected
// EVM client. It applies default timeout values and aborts the process if the
// configuration is invalid or the Ethereum client cannot be initialized.
func NewSDK(cfg *config.Config) SnetSDK {
	if err := cfg.Validate(); err != nil {
		zap.L().Fatal("Invalid config", zap.Error(err))
	}
	cfg.Timeouts = cfg.Timeouts.WithDefaults()

	evm, err := blockchain.InitEvm(cfg.Network.ChainID, cfg.RPCAddr)
	if err != nil {
		zap.L().Fatal("Init ethereum client failed", zap.Error(err))
	}

	var account *blockchain.Account
	if cfg.PrivateKey != "" {
		account, err = blockchain.NewAccount(evm, cfg.PrivateKey)
		if err != nil {
			zap.L().Warn("Signed operations disabled: private key parsing failed", zap.Error(err))
		} else if cfg.Debug {
			zap.L().Debug("Signer address", zap.String("addr", account.Address.Hex()))
		}
	}

	return &Core{
		Config:  cfg,
		evm:     evm,
		store:   storage.NewStorage(cfg.IpfsURL, cfg.LighthouseURL),
		account: account,
	}
}

// Evm returns the EVM client for custom blockchain operations.
func (c *Core) Evm() *blockchain.EVMClient {
	return c.evm
}

// Account returns the signing account, or nil when no key is configured.
func (c *Core) Account() *blockchain.Account {
	return c.account
}

// GetOrganizations lists all organization ids registered on-chain.
func (c *Core) GetOrganizations() ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeouts.ChainRead)
	defer cancel()
	return c.evm.GetOrganizations(ctx), nil
}

// GetServices lists the service ids registered under an organization.
func (c *Core) GetServices(orgID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeouts.ChainRead)
	defer cancel()
	return c.evm.GetServices(ctx, orgID), nil
}

// Close shuts down the underlying Ethereum RPC client.
func (c *Core) Close() {
	c.evm.Close()
}

// withTimeout returns a derived context with the given timeout, or a plain
// cancelable context when d <= 0.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
