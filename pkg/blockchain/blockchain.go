// Package blockchain provides Go bindings and helpers to interact with
// SingularityNET contracts on EVM chains. It initializes an Ethereum client,
// wires bound-contract wrappers for Registry, MultiPartyEscrow (MPE) and the
// FetchToken ERC-20, exposes the payment-channel ledger operations (open,
// extend, add funds, claim timeout) with receipt-confirmed transactions, and
// includes utilities for bytes32 conversions and Ethereum-compatible message
// signatures.
package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	contracts "github.com/singnet/snet-ecosystem-contracts"
	"go.uber.org/zap"

	"github.com/singnet/snet-mpe-go/pkg/errs"
)

var (
	// HashPrefix32Bytes is the standard Ethereum personal-sign prefix for 32-byte
	// messages: "\x19Ethereum Signed Message:\n32".
	// See Geth reference:
	// https://github.com/ethereum/go-ethereum/blob/bf468a81ec261745b25206b2a596eb0ee0a24a74/internal/ethapi/api.go#L361
	HashPrefix32Bytes = []byte("\x19Ethereum Signed Message:\n32")
)

// EVMClient holds a connected ethclient.Client and bound-contract wrappers for
// the core SingularityNET contracts: Registry, MultiPartyEscrow (MPE) and the
// FetchToken ERC-20 held by the escrow.
type EVMClient struct {
	Client     *ethclient.Client
	Registry   *Registry
	MPE        *MultiPartyEscrow
	FetchToken *FetchToken

	chainIDOnce sync.Once
	chainID     *big.Int
	chainIDErr  error
}

// networks is a helper type that mirrors the JSON payload produced by
// snet-ecosystem-contracts (network name -> contract address).
type networks map[string]struct {
	Address string `json:"address"`
}

// contractAddress resolves the deployed address of a contract on the given
// network from the address books embedded in snet-ecosystem-contracts.
func contractAddress(contract contracts.SnetContract, network string) (common.Address, error) {
	var n networks
	if err := json.Unmarshal(contracts.GetNetworks(contract), &n); err != nil {
		return common.Address{}, fmt.Errorf("%w: networks payload: %v", errs.ErrContractUnavailable, err)
	}
	entry, ok := n[network]
	if !ok || entry.Address == "" {
		return common.Address{}, fmt.Errorf("%w: no deployment on network %q", errs.ErrContractUnavailable, network)
	}
	return common.HexToAddress(entry.Address), nil
}

// InitEvm dials an Ethereum endpoint and initializes bound-contract wrappers
// for Registry and MultiPartyEscrow using addresses resolved from
// snet-ecosystem-contracts for the given network. It also discovers the
// FetchToken address via MPE and binds it.
//
// Parameters:
//   - network: chain/network key as used by snet-ecosystem-contracts (e.g. "11155111").
//   - endpoint: RPC/WS endpoint URL to dial.
//
// Returns a ready-to-use EVMClient or an error.
func InitEvm(network, endpoint string) (*EVMClient, error) {
	registryAddress, err := contractAddress(contracts.Registry, network)
	if err != nil {
		return nil, err
	}
	mpeAddress, err := contractAddress(contracts.MultiPartyEscrow, network)
	if err != nil {
		return nil, err
	}

	var evm = new(EVMClient)

	evm.Client, err = ethclient.Dial(endpoint)
	if err != nil {
		zap.L().Error("Failed to ethdial", zap.Error(err))
		return nil, err
	}

	evm.Registry, err = NewRegistry(registryAddress, evm.Client)
	if err != nil {
		return nil, err
	}

	evm.MPE, err = NewMultiPartyEscrow(mpeAddress, evm.Client)
	if err != nil {
		return nil, err
	}

	tokenAddr, err := evm.MPE.Token(&bind.CallOpts{})
	if err != nil {
		zap.L().Error("Failed to get token address", zap.Error(err))
		return nil, fmt.Errorf("%w: token address: %v", errs.ErrContractUnavailable, err)
	}

	evm.FetchToken, err = NewFetchToken(tokenAddr, evm.Client)
	if err != nil {
		zap.L().Error("Failed to bind FetchToken", zap.Error(err))
		return nil, err
	}

	return evm, nil
}

// ChainID returns the connected chain's id, fetching it once and caching.
func (evm *EVMClient) ChainID(ctx context.Context) (*big.Int, error) {
	evm.chainIDOnce.Do(func() {
		evm.chainID, evm.chainIDErr = evm.Client.ChainID(ctx)
	})
	return evm.chainID, evm.chainIDErr
}

// Close releases the underlying RPC connection.
func (evm *EVMClient) Close() {
	if evm.Client != nil {
		evm.Client.Close()
	}
}

// GetCurrentBlockNumber returns the latest block number using a non-cancellable
// background context. Prefer GetCurrentBlockNumberCtx if you need cancellation.
func (evm *EVMClient) GetCurrentBlockNumber() (*big.Int, error) {
	return evm.GetCurrentBlockNumberCtx(context.Background())
}

// GetCurrentBlockNumberCtx returns the latest block number using the provided context.
func (evm *EVMClient) GetCurrentBlockNumberCtx(ctx context.Context) (*big.Int, error) {
	header, err := evm.Client.HeaderByNumber(ctx, nil)
	if err != nil {
		zap.L().Error("failed to get last block number", zap.Error(err))
		return nil, err
	}
	return header.Number, nil
}

// GetOrganizations returns organization IDs from the on-chain Registry.
// On error, it logs and returns nil.
func (evm *EVMClient) GetOrganizations(ctx context.Context) []string {
	organizations, err := evm.Registry.ListOrganizations(&bind.CallOpts{Context: ctx})
	if err != nil {
		zap.L().Error("Failed to list organizations", zap.Error(err))
		return nil
	}
	return Bytes32ArrayToStrings(organizations)
}

// GetServices returns service IDs for the given organization ID.
// If the organization is not found or a read error occurs, it logs and returns nil.
func (evm *EVMClient) GetServices(ctx context.Context, orgID string) []string {
	services, err := evm.Registry.ListServicesForOrganization(&bind.CallOpts{Context: ctx}, StringToBytes32(orgID))
	if err != nil {
		zap.L().Error("Failed to list services", zap.Error(err))
		return nil
	}
	if !services.Found {
		zap.L().Error("Organization not found", zap.String("OrganizationID", orgID))
		return nil
	}
	return Bytes32ArrayToStrings(services.ServiceIds)
}

// GetOrgMetadataURI returns the organization metadata URI recorded in the
// Registry for the given orgID.
func (evm *EVMClient) GetOrgMetadataURI(ctx context.Context, orgID string) (string, error) {
	org, err := evm.Registry.GetOrganizationById(&bind.CallOpts{Context: ctx}, StringToBytes32(orgID))
	if err != nil {
		return "", err
	}
	if !org.Found {
		return "", fmt.Errorf("%w: organization %q not registered", errs.ErrDataNotAvailable, orgID)
	}
	return string(org.OrgMetadataURI), nil
}

// GetServiceMetadataURI returns the service metadata URI (hash) recorded in
// the Registry for the given (orgID, srvID).
func (evm *EVMClient) GetServiceMetadataURI(ctx context.Context, orgID, srvID string) (string, error) {
	reg, err := evm.Registry.GetServiceRegistrationById(&bind.CallOpts{Context: ctx}, StringToBytes32(orgID), StringToBytes32(srvID))
	if err != nil {
		return "", err
	}
	if !reg.Found {
		return "", fmt.Errorf("%w: service %q/%q not registered", errs.ErrDataNotAvailable, orgID, srvID)
	}
	return string(reg.MetadataURI), nil
}
