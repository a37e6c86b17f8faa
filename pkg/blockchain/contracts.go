package blockchain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	contracts "github.com/singnet/snet-ecosystem-contracts"

	"github.com/singnet/snet-mpe-go/pkg/errs"
)

// ContractBackend is the subset of ethclient functionality the contract
// wrappers need (calls, transactions and log filtering).
type ContractBackend interface {
	bind.ContractCaller
	bind.ContractTransactor
	bind.ContractFilterer
}

// parseContractABI loads and parses the embedded ABI for the given contract
// from snet-ecosystem-contracts.
func parseContractABI(contract contracts.SnetContract) (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(string(contracts.GetABIClean(contract))))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("%w: parsing ABI: %v", errs.ErrContractUnavailable, err)
	}
	return parsed, nil
}

// MultiPartyEscrow wraps the MPE contract behind a bound contract instance.
// All value-moving methods return the submitted transaction; callers are
// responsible for waiting until it is mined.
type MultiPartyEscrow struct {
	address  common.Address
	abi      abi.ABI
	contract *bind.BoundContract
}

// NewMultiPartyEscrow binds the MPE contract at the given address.
func NewMultiPartyEscrow(address common.Address, backend ContractBackend) (*MultiPartyEscrow, error) {
	parsed, err := parseContractABI(contracts.MultiPartyEscrow)
	if err != nil {
		return nil, err
	}
	return &MultiPartyEscrow{
		address:  address,
		abi:      parsed,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// Address returns the bound contract address.
func (mpe *MultiPartyEscrow) Address() common.Address {
	return mpe.address
}

// MultiPartyEscrowChannel is the on-chain channel record (field order matches
// the contract's PaymentChannel struct).
type MultiPartyEscrowChannel struct {
	Sender     common.Address
	Signer     common.Address
	Recipient  common.Address
	GroupId    [32]byte
	Value      *big.Int
	Nonce      *big.Int
	Expiration *big.Int
}

// Channels reads the channel record with the given id.
func (mpe *MultiPartyEscrow) Channels(opts *bind.CallOpts, channelId *big.Int) (MultiPartyEscrowChannel, error) {
	var out []interface{}
	err := mpe.contract.Call(opts, &out, "channels", channelId)
	if err != nil {
		return MultiPartyEscrowChannel{}, err
	}
	return MultiPartyEscrowChannel{
		Sender:     *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Signer:     *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Recipient:  *abi.ConvertType(out[2], new(common.Address)).(*common.Address),
		GroupId:    *abi.ConvertType(out[3], new([32]byte)).(*[32]byte),
		Value:      abi.ConvertType(out[4], new(big.Int)).(*big.Int),
		Nonce:      abi.ConvertType(out[5], new(big.Int)).(*big.Int),
		Expiration: abi.ConvertType(out[6], new(big.Int)).(*big.Int),
	}, nil
}

// Balances reads the MPE-internal escrow balance of addr.
func (mpe *MultiPartyEscrow) Balances(opts *bind.CallOpts, addr common.Address) (*big.Int, error) {
	var out []interface{}
	if err := mpe.contract.Call(opts, &out, "balances", addr); err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// NextChannelId reads the id the next opened channel will be assigned.
func (mpe *MultiPartyEscrow) NextChannelId(opts *bind.CallOpts) (*big.Int, error) {
	var out []interface{}
	if err := mpe.contract.Call(opts, &out, "nextChannelId"); err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// Token reads the address of the ERC-20 token the escrow holds.
func (mpe *MultiPartyEscrow) Token(opts *bind.CallOpts) (common.Address, error) {
	var out []interface{}
	if err := mpe.contract.Call(opts, &out, "token"); err != nil {
		return common.Address{}, err
	}
	return *abi.ConvertType(out[0], new(common.Address)).(*common.Address), nil
}

// Deposit moves value from the sender's token balance into the escrow.
func (mpe *MultiPartyEscrow) Deposit(opts *bind.TransactOpts, value *big.Int) (*types.Transaction, error) {
	return mpe.contract.Transact(opts, "deposit", value)
}

// Withdraw moves value from the escrow back to the sender's token balance.
func (mpe *MultiPartyEscrow) Withdraw(opts *bind.TransactOpts, value *big.Int) (*types.Transaction, error) {
	return mpe.contract.Transact(opts, "withdraw", value)
}

// OpenChannel opens a channel funded from the sender's escrow balance.
func (mpe *MultiPartyEscrow) OpenChannel(opts *bind.TransactOpts, signer, recipient common.Address, groupId [32]byte, value, expiration *big.Int) (*types.Transaction, error) {
	return mpe.contract.Transact(opts, "openChannel", signer, recipient, groupId, value, expiration)
}

// DepositAndOpenChannel deposits value into the escrow and opens a channel in
// a single transaction.
func (mpe *MultiPartyEscrow) DepositAndOpenChannel(opts *bind.TransactOpts, signer, recipient common.Address, groupId [32]byte, value, expiration *big.Int) (*types.Transaction, error) {
	return mpe.contract.Transact(opts, "depositAndOpenChannel", signer, recipient, groupId, value, expiration)
}

// ChannelAddFunds adds amount to the channel from the sender's escrow balance.
func (mpe *MultiPartyEscrow) ChannelAddFunds(opts *bind.TransactOpts, channelId, amount *big.Int) (*types.Transaction, error) {
	return mpe.contract.Transact(opts, "channelAddFunds", channelId, amount)
}

// ChannelExtend moves the channel expiration to newExpiration.
func (mpe *MultiPartyEscrow) ChannelExtend(opts *bind.TransactOpts, channelId, newExpiration *big.Int) (*types.Transaction, error) {
	return mpe.contract.Transact(opts, "channelExtend", channelId, newExpiration)
}

// ChannelExtendAndAddFunds extends the channel and adds funds in one transaction.
func (mpe *MultiPartyEscrow) ChannelExtendAndAddFunds(opts *bind.TransactOpts, channelId, newExpiration, amount *big.Int) (*types.Transaction, error) {
	return mpe.contract.Transact(opts, "channelExtendAndAddFunds", channelId, newExpiration, amount)
}

// ChannelClaimTimeout returns the channel's remaining value to the sender once
// the expiration block has passed.
func (mpe *MultiPartyEscrow) ChannelClaimTimeout(opts *bind.TransactOpts, channelId *big.Int) (*types.Transaction, error) {
	return mpe.contract.Transact(opts, "channelClaimTimeout", channelId)
}

// ChannelOpenEvent mirrors the contract's ChannelOpen event.
type ChannelOpenEvent struct {
	ChannelId  *big.Int
	Nonce      *big.Int
	Sender     common.Address
	Signer     common.Address
	Recipient  common.Address
	GroupId    [32]byte
	Amount     *big.Int
	Expiration *big.Int
	Raw        types.Log
}

// FilterChannelOpen scans past ChannelOpen events filtered by the indexed
// sender/recipient/groupId topics and returns them in chain order.
func (mpe *MultiPartyEscrow) FilterChannelOpen(opts *bind.FilterOpts, senders, recipients []common.Address, groupIds [][32]byte) ([]*ChannelOpenEvent, error) {
	senderQ := make([]interface{}, len(senders))
	for i, s := range senders {
		senderQ[i] = s
	}
	recipientQ := make([]interface{}, len(recipients))
	for i, r := range recipients {
		recipientQ[i] = r
	}
	groupQ := make([]interface{}, len(groupIds))
	for i, g := range groupIds {
		groupQ[i] = g
	}

	logs, sub, err := mpe.contract.FilterLogs(opts, "ChannelOpen", senderQ, recipientQ, groupQ)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	var events []*ChannelOpenEvent
	for {
		select {
		case log, ok := <-logs:
			if !ok {
				return events, nil
			}
			ev := new(ChannelOpenEvent)
			if err := mpe.contract.UnpackLog(ev, "ChannelOpen", log); err != nil {
				return nil, err
			}
			ev.Raw = log
			events = append(events, ev)
		case err := <-sub.Err():
			if err != nil {
				return nil, err
			}
			return events, nil
		}
	}
}

// ParseChannelOpen decodes a ChannelOpen event from a single log entry, or
// returns an error if the log does not match.
func (mpe *MultiPartyEscrow) ParseChannelOpen(log types.Log) (*ChannelOpenEvent, error) {
	ev := new(ChannelOpenEvent)
	if err := mpe.contract.UnpackLog(ev, "ChannelOpen", log); err != nil {
		return nil, err
	}
	ev.Raw = log
	return ev, nil
}

// FetchToken wraps the ERC-20 token contract used by the escrow.
type FetchToken struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewFetchToken binds the token contract at the given address.
func NewFetchToken(address common.Address, backend ContractBackend) (*FetchToken, error) {
	parsed, err := parseContractABI(contracts.FetchToken)
	if err != nil {
		return nil, err
	}
	return &FetchToken{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// Address returns the bound token contract address.
func (t *FetchToken) Address() common.Address {
	return t.address
}

// BalanceOf reads the token balance of owner.
func (t *FetchToken) BalanceOf(opts *bind.CallOpts, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "balanceOf", owner); err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// Allowance reads the amount spender may transfer on behalf of owner.
func (t *FetchToken) Allowance(opts *bind.CallOpts, owner, spender common.Address) (*big.Int, error) {
	var out []interface{}
	if err := t.contract.Call(opts, &out, "allowance", owner, spender); err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(big.Int)).(*big.Int), nil
}

// Approve raises the spender's allowance to value.
func (t *FetchToken) Approve(opts *bind.TransactOpts, spender common.Address, value *big.Int) (*types.Transaction, error) {
	return t.contract.Transact(opts, "approve", spender, value)
}

// Registry wraps the on-chain service registry.
type Registry struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewRegistry binds the Registry contract at the given address.
func NewRegistry(address common.Address, backend ContractBackend) (*Registry, error) {
	parsed, err := parseContractABI(contracts.Registry)
	if err != nil {
		return nil, err
	}
	return &Registry{
		address:  address,
		contract: bind.NewBoundContract(address, parsed, backend, backend, backend),
	}, nil
}

// ListOrganizations returns all registered organization ids.
func (r *Registry) ListOrganizations(opts *bind.CallOpts) ([][32]byte, error) {
	var out []interface{}
	if err := r.contract.Call(opts, &out, "listOrganizations"); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new([][32]byte)).(*[][32]byte), nil
}

// ServicesForOrganization is the reply of listServicesForOrganization.
type ServicesForOrganization struct {
	Found      bool
	ServiceIds [][32]byte
}

// ListServicesForOrganization returns the service ids registered under orgId.
func (r *Registry) ListServicesForOrganization(opts *bind.CallOpts, orgId [32]byte) (ServicesForOrganization, error) {
	var out []interface{}
	if err := r.contract.Call(opts, &out, "listServicesForOrganization", orgId); err != nil {
		return ServicesForOrganization{}, err
	}
	return ServicesForOrganization{
		Found:      *abi.ConvertType(out[0], new(bool)).(*bool),
		ServiceIds: *abi.ConvertType(out[1], new([][32]byte)).(*[][32]byte),
	}, nil
}

// OrganizationRecord is the reply of getOrganizationById.
type OrganizationRecord struct {
	Found          bool
	Id             [32]byte
	OrgMetadataURI []byte
	Owner          common.Address
	Members        []common.Address
	ServiceIds     [][32]byte
}

// GetOrganizationById reads the registry record for orgId.
func (r *Registry) GetOrganizationById(opts *bind.CallOpts, orgId [32]byte) (OrganizationRecord, error) {
	var out []interface{}
	if err := r.contract.Call(opts, &out, "getOrganizationById", orgId); err != nil {
		return OrganizationRecord{}, err
	}
	return OrganizationRecord{
		Found:          *abi.ConvertType(out[0], new(bool)).(*bool),
		Id:             *abi.ConvertType(out[1], new([32]byte)).(*[32]byte),
		OrgMetadataURI: *abi.ConvertType(out[2], new([]byte)).(*[]byte),
		Owner:          *abi.ConvertType(out[3], new(common.Address)).(*common.Address),
		Members:        *abi.ConvertType(out[4], new([]common.Address)).(*[]common.Address),
		ServiceIds:     *abi.ConvertType(out[5], new([][32]byte)).(*[][32]byte),
	}, nil
}

// ServiceRegistration is the reply of getServiceRegistrationById.
type ServiceRegistration struct {
	Found       bool
	Id          [32]byte
	MetadataURI []byte
}

// GetServiceRegistrationById reads the registry record for (orgId, serviceId).
func (r *Registry) GetServiceRegistrationById(opts *bind.CallOpts, orgId, serviceId [32]byte) (ServiceRegistration, error) {
	var out []interface{}
	if err := r.contract.Call(opts, &out, "getServiceRegistrationById", orgId, serviceId); err != nil {
		return ServiceRegistration{}, err
	}
	return ServiceRegistration{
		Found:       *abi.ConvertType(out[0], new(bool)).(*bool),
		Id:          *abi.ConvertType(out[1], new([32]byte)).(*[32]byte),
		MetadataURI: *abi.ConvertType(out[2], new([]byte)).(*[]byte),
	}, nil
}
