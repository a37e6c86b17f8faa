package sdk

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	"github.com/singnet/snet-mpe-go/pkg/daemon"
	"github.com/singnet/snet-mpe-go/pkg/grpc"
	"github.com/singnet/snet-mpe-go/pkg/model"
	"github.com/singnet/snet-mpe-go/pkg/payment"
)

// Service is the high-level client API for invoking service methods with
// payment metadata injected per request.
type Service interface {
	// CallWithMap calls a service method using a JSON-like map for the request
	// body. Parameters are marshaled to JSON and converted to the input
	// protobuf message based on parsed descriptors.
	CallWithMap(method string, params map[string]any) (map[string]any, error)
	// CallWithJSON calls a service method using raw JSON bytes as the request
	// body; the result is returned as JSON bytes.
	CallWithJSON(method string, input []byte) ([]byte, error)
	// CallWithProto calls a service method with a concrete protobuf message
	// and returns the protobuf response.
	CallWithProto(method string, input proto.Message) (proto.Message, error)

	// SetPaidPaymentStrategy selects the escrow (MPE) strategy: each call
	// commits a new cumulative amount and signs it per request. Requires a
	// signer key.
	SetPaidPaymentStrategy() error
	// SetPrePaidPaymentStrategy selects the prepaid strategy and negotiates a
	// daemon token covering count calls up front. Requires a signer key.
	SetPrePaidPaymentStrategy(count uint64) error
	// SetFreePaymentStrategy selects the free-call strategy and fetches a
	// short-lived token. Optional extendBlocks requests a token lifetime in
	// blocks (the daemon may ignore or cap it).
	SetFreePaymentStrategy(extendBlocks ...uint64) error

	// GetFreeCallsAvailable returns the remaining free-call quota for the
	// current user.
	GetFreeCallsAvailable() (uint64, error)

	// GetCurrentServiceGroup returns the enriched service group this client
	// is bound to.
	GetCurrentServiceGroup() *model.ServiceGroup
	// GetServiceMetadata returns the full service metadata.
	GetServiceMetadata() *model.ServiceMetadata

	// RawGrpc returns direct access to the dynamic gRPC client.
	RawGrpc() *grpc.Client

	// Close releases the underlying gRPC connection.
	Close()
}

// paymentStrategyFactory constructs payment strategies for the service client.
// Test doubles implement this to intercept strategy creation.
type paymentStrategyFactory interface {
	Paid(s *ServiceClient) (payment.Strategy, error)
	PrePaid(s *ServiceClient, count uint64) (payment.Strategy, error)
	Free(s *ServiceClient, tokenLifetime *uint64) (payment.Strategy, error)
}

// defaultStrategyFactory provides the production strategy constructors.
type defaultStrategyFactory struct{}

func (defaultStrategyFactory) Paid(s *ServiceClient) (payment.Strategy, error) {
	if s.core.account == nil {
		return nil, errors.New("paid strategy requires a configured private key")
	}
	return payment.NewPaidStrategy(
		s.core.evm,
		s.daemonClient,
		s.core.account,
		s.ServiceMetadata.GetMpeAddr(),
		s.Group,
		s.core.Payment.BlockOffset,
		s.core.Payment.ChannelsFromBlock,
	)
}

func (defaultStrategyFactory) PrePaid(s *ServiceClient, count uint64) (payment.Strategy, error) {
	if s.core.account == nil {
		return nil, errors.New("prepaid strategy requires a configured private key")
	}
	return payment.NewPrePaidStrategy(
		s.core.evm,
		s.daemonClient,
		s.daemonClient,
		s.core.account,
		s.ServiceMetadata.GetMpeAddr(),
		s.Group,
		count,
		s.core.Payment.BlockOffset,
		s.core.Payment.ChannelsFromBlock,
	)
}

func (defaultStrategyFactory) Free(s *ServiceClient, tokenLifetime *uint64) (payment.Strategy, error) {
	if s.core.account == nil {
		return nil, errors.New("free-call strategy requires a configured private key")
	}
	free := payment.NewFreeStrategy(
		s.core.evm,
		s.daemonClient,
		s.core.account,
		s.OrgID,
		s.ServiceID,
		s.Group.GroupID,
		tokenLifetime,
	)
	if s.core.Payment.FreeCallUserID != "" {
		free.SetUserID(s.core.Payment.FreeCallUserID)
	}
	return free, nil
}

// ServiceClient is the concrete Service implementation: fetched metadata, a
// dynamic gRPC client to the service endpoint, a daemon client on the same
// connection, and the active payment strategy.
type ServiceClient struct {
	core *Core

	OrgID           string
	ServiceID       string
	OrgMetadata     *model.OrganizationMetaData
	ServiceMetadata *model.ServiceMetadata
	Group           *model.ServiceGroup

	grpcClient   *grpc.Client
	daemonClient *daemon.Client

	mu         sync.Mutex
	strategy   payment.Strategy
	strategies paymentStrategyFactory
}

// NewServiceClient fetches org and service metadata, enriches the requested
// group with the organization's payment details, and dials the group's first
// endpoint. The daemon client shares the application connection.
func (c *Core) NewServiceClient(orgID, serviceID, groupName string) (Service, error) {
	ctx, cancel := withTimeout(context.Background(), c.Timeouts.ChainRead)
	defer cancel()

	orgMeta, err := c.evm.FetchOrgMetadata(ctx, c.store, orgID)
	if err != nil {
		return nil, err
	}
	srvMeta, err := c.evm.FetchServiceMetadata(ctx, c.store, orgID, serviceID)
	if err != nil {
		return nil, err
	}

	group, err := srvMeta.Group(groupName)
	if err != nil {
		return nil, err
	}
	if err := model.EnrichGroup(group, orgMeta); err != nil {
		return nil, err
	}
	if len(group.Endpoints) == 0 {
		return nil, fmt.Errorf("no endpoints available for service group %q", group.GroupName)
	}

	// TODO: endpoint selection strategy (currently takes the first endpoint)
	grpcClient, err := grpc.NewClient(group.Endpoints[0], srvMeta.ProtoFiles)
	if err != nil {
		return nil, err
	}
	daemonClient, err := daemon.NewClient(grpcClient.GRPC)
	if err != nil {
		_ = grpcClient.Close()
		return nil, err
	}

	return &ServiceClient{
		core:            c,
		OrgID:           orgID,
		ServiceID:       serviceID,
		OrgMetadata:     orgMeta,
		ServiceMetadata: srvMeta,
		Group:           group,
		grpcClient:      grpcClient,
		daemonClient:    daemonClient,
	}, nil
}

// strategyFactory returns the strategy factory, defaulting to the production
// constructors.
func (s *ServiceClient) strategyFactory() paymentStrategyFactory {
	if s.strategies == nil {
		s.strategies = defaultStrategyFactory{}
	}
	return s.strategies
}

func (s *ServiceClient) setStrategy(strategy payment.Strategy) {
	s.mu.Lock()
	s.strategy = strategy
	s.mu.Unlock()
}

func (s *ServiceClient) currentStrategy() payment.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy
}

// SetPaidPaymentStrategy selects the escrow strategy. Channel selection and
// reconciliation happen lazily on the first call.
func (s *ServiceClient) SetPaidPaymentStrategy() error {
	strategy, err := s.strategyFactory().Paid(s)
	if err != nil {
		return fmt.Errorf("failed to create paid strategy: %w", err)
	}
	s.setStrategy(strategy)
	return nil
}

// SetPrePaidPaymentStrategy selects the prepaid strategy and immediately
// refreshes the daemon-issued token for count calls.
func (s *ServiceClient) SetPrePaidPaymentStrategy(count uint64) error {
	if count == 0 {
		count = s.core.Payment.CallAllowance
	}
	strategy, err := s.strategyFactory().PrePaid(s, count)
	if err != nil {
		return fmt.Errorf("failed to create prepaid strategy: %w", err)
	}

	ctx, cancel := withTimeout(context.Background(), s.core.Timeouts.PaymentEnsure)
	defer cancel()
	if err := strategy.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh prepaid strategy: %w", err)
	}
	s.setStrategy(strategy)
	return nil
}

// SetFreePaymentStrategy selects the free-call strategy and fetches a token.
func (s *ServiceClient) SetFreePaymentStrategy(extendBlocks ...uint64) error {
	strategy, err := s.strategyFactory().Free(s, optionalUint64(extendBlocks...))
	if err != nil {
		return err
	}

	ctx, cancel := withTimeout(context.Background(), s.core.Timeouts.StrategyRefresh)
	defer cancel()
	if err := strategy.Refresh(ctx); err != nil {
		return err
	}
	s.setStrategy(strategy)
	return nil
}

// GetFreeCallsAvailable returns the remaining free-call quota for the current
// user, regardless of the active payment strategy.
func (s *ServiceClient) GetFreeCallsAvailable() (uint64, error) {
	free, ok := s.currentStrategy().(*payment.FreeStrategy)
	if !ok {
		strategy, err := s.strategyFactory().Free(s, nil)
		if err != nil {
			return 0, err
		}
		free, ok = strategy.(*payment.FreeStrategy)
		if !ok {
			return 0, errors.New("free-call strategy unavailable")
		}
	}

	ctx, cancel := withTimeout(context.Background(), s.core.Timeouts.StrategyRefresh)
	defer cancel()
	available, err := free.GetFreeCallsAvailable(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get free calls available: %w", err)
	}
	return available, nil
}

// setDefaultStrategy picks a strategy when none was configured explicitly:
// free calls first while the group offers them, falling back to prepaid or
// escrow depending on the concurrency configuration.
func (s *ServiceClient) setDefaultStrategy() error {
	if s.currentStrategy() != nil {
		return nil
	}

	var fallback payment.Strategy
	var err error
	if s.core.Payment.ConcurrentCalls {
		fallback, err = s.strategyFactory().PrePaid(s, s.core.Payment.CallAllowance)
	} else {
		fallback, err = s.strategyFactory().Paid(s)
	}
	if err != nil {
		return err
	}

	if s.Group.FreeCalls > 0 {
		freeStrategy, err := s.strategyFactory().Free(s, nil)
		switch {
		case err != nil:
			zap.L().Debug("Free-call strategy unavailable, using paying strategy", zap.Error(err))
		default:
			if free, ok := freeStrategy.(*payment.FreeStrategy); ok {
				s.setStrategy(payment.NewDefaultStrategy(free, fallback))
			} else {
				s.setStrategy(freeStrategy)
			}
			return nil
		}
	}

	s.setStrategy(fallback)
	return nil
}

// callContext ensures a strategy is active and returns the RPC context with
// payment metadata attached.
func (s *ServiceClient) callContext() (context.Context, context.CancelFunc, error) {
	if err := s.setDefaultStrategy(); err != nil {
		return nil, nil, fmt.Errorf("can't auto-select payment strategy; call SetPaidPaymentStrategy, SetPrePaidPaymentStrategy, or SetFreePaymentStrategy manually: %w", err)
	}

	ctx, cancel := withTimeout(context.Background(), s.core.Timeouts.GRPCUnary)
	callCtx, err := s.currentStrategy().GRPCMetadata(ctx)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed to build payment metadata: %w", err)
	}
	return callCtx, cancel, nil
}

// CallWithMap invokes a method with a map-based request. Payment metadata is
// injected by the active strategy.
func (s *ServiceClient) CallWithMap(method string, params map[string]any) (map[string]any, error) {
	ctx, cancel, err := s.callContext()
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := s.grpcClient.CallWithMap(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("gRPC call failed: %w", err)
	}
	return resp, nil
}

// CallWithJSON invokes a method with raw JSON request bytes.
func (s *ServiceClient) CallWithJSON(method string, input []byte) ([]byte, error) {
	ctx, cancel, err := s.callContext()
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := s.grpcClient.CallWithJSON(ctx, method, input)
	if err != nil {
		return nil, fmt.Errorf("gRPC call failed: %w", err)
	}
	return resp, nil
}

// CallWithProto invokes a method with a concrete protobuf request message.
func (s *ServiceClient) CallWithProto(method string, input proto.Message) (proto.Message, error) {
	ctx, cancel, err := s.callContext()
	if err != nil {
		return nil, err
	}
	defer cancel()

	resp, err := s.grpcClient.CallWithProto(ctx, method, input)
	if err != nil {
		return nil, fmt.Errorf("gRPC call failed: %w", err)
	}
	return resp, nil
}

// GetCurrentServiceGroup returns the enriched service group.
func (s *ServiceClient) GetCurrentServiceGroup() *model.ServiceGroup {
	return s.Group
}

// GetServiceMetadata returns the full service metadata.
func (s *ServiceClient) GetServiceMetadata() *model.ServiceMetadata {
	return s.ServiceMetadata
}

// RawGrpc returns direct access to the dynamic gRPC client.
func (s *ServiceClient) RawGrpc() *grpc.Client {
	return s.grpcClient
}

// Close releases the underlying gRPC connection. Safe to call multiple times.
func (s *ServiceClient) Close() {
	if s.grpcClient != nil {
		_ = s.grpcClient.Close()
	}
}

// optionalUint64 returns a pointer to the first value if provided, or nil.
func optionalUint64(v ...uint64) *uint64 {
	if len(v) > 0 {
		return &v[0]
	}
	return nil
}
