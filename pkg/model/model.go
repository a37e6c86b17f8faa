// Package model defines data structures for organization and service metadata
// used by the SDK: organizations, groups, pricing, and payment configuration.
// These structs mirror the JSON documents referenced on-chain (via URIs in
// Registry) and stored in IPFS/Filecoin. All fields are typed; validation and
// conversion happen once at the metadata boundary.
package model

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/singnet/snet-mpe-go/pkg/errs"
)

// FixedPriceModel is the pricing model selected for per-call escrow payments.
const FixedPriceModel = "fixed_price"

// OrganizationMetaData describes an organization and its groups as found in
// organization metadata. Note: the type name retains the original spelling
// from existing metadata ("MetaData") for compatibility.
type OrganizationMetaData struct {
	OrgName string               `json:"org_name"`
	OrgID   string               `json:"org_id"`
	Groups  []*OrganizationGroup `json:"groups"`
}

// Group returns the organization group with the given name, or an error
// wrapping errs.ErrDataNotAvailable when no such group exists.
func (o *OrganizationMetaData) Group(groupName string) (*OrganizationGroup, error) {
	for _, g := range o.Groups {
		if g.GroupName == groupName {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: group %q in organization %q", errs.ErrDataNotAvailable, groupName, o.OrgID)
}

// OrganizationGroup represents a logical group within an organization,
// including the payment configuration channels are opened against.
type OrganizationGroup struct {
	ID             string  `json:"group_id"`
	GroupName      string  `json:"group_name"`
	PaymentDetails Payment `json:"payment"`
}

// Payment captures payment parameters for a group: the recipient address and
// the expiration threshold (in blocks) for channels.
type Payment struct {
	PaymentAddress             string   `json:"payment_address"`
	PaymentExpirationThreshold *big.Int `json:"payment_expiration_threshold"`
}

// Recipient parses the group's payment address. Fails with
// errs.ErrDataNotAvailable when the address is missing.
func (p Payment) Recipient() (common.Address, error) {
	if p.PaymentAddress == "" {
		return common.Address{}, fmt.Errorf("%w: payment_address", errs.ErrDataNotAvailable)
	}
	return common.HexToAddress(p.PaymentAddress), nil
}

// ServiceMetadata describes a service, its groups and pricing, and the API
// source bundle. ProtoFiles is filled at runtime after fetching and extracting
// the API sources.
type ServiceMetadata struct {
	Version          int               `json:"version"`
	DisplayName      string            `json:"display_name"`
	Encoding         string            `json:"encoding"`
	ServiceType      string            `json:"service_type"`
	Groups           []*ServiceGroup   `json:"groups"`
	ModelIpfsHash    string            `json:"model_ipfs_hash"`
	ServiceApiSource string            `json:"service_api_source"`
	MPEAddress       string            `json:"mpe_address"`
	ProtoFiles       map[string]string `json:"-"`
}

// GetMpeAddr returns the MPE contract address parsed from MPEAddress.
func (s *ServiceMetadata) GetMpeAddr() common.Address {
	return common.HexToAddress(s.MPEAddress)
}

// Group returns the service group with the given name, or an error wrapping
// errs.ErrDataNotAvailable when no such group exists.
func (s *ServiceMetadata) Group(groupName string) (*ServiceGroup, error) {
	for _, g := range s.Groups {
		if g.GroupName == groupName {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: group %q in service %q", errs.ErrDataNotAvailable, groupName, s.DisplayName)
}

// ServiceGroup contains endpoint(s), pricing, and free-call configuration for
// a concrete deployment of a service. Payment holds the group's payment
// details after enrichment from the matching organization group.
type ServiceGroup struct {
	GroupID        string    `json:"group_id"`
	GroupName      string    `json:"group_name"`
	Pricing        []Pricing `json:"pricing"`
	Endpoints      []string  `json:"endpoints"`
	FreeCalls      int       `json:"free_calls"`
	FreeCallSigner string    `json:"free_call_signer_address"`

	// Payment is copied from the organization group by EnrichGroup. It is not
	// part of the service metadata document itself.
	Payment Payment `json:"-"`
}

// Pricing defines a price model for a service. For fixed pricing, PriceInCogs
// carries the per-call price; more complex models are encoded in Details.
type Pricing struct {
	PriceModel  string           `json:"price_model"`
	PriceInCogs *big.Int         `json:"price_in_cogs,omitempty"`
	Default     bool             `json:"default,omitempty"`
	Details     []PricingDetails `json:"details,omitempty"`
}

// PricingDetails lists per-method pricing for a given service name.
type PricingDetails struct {
	ServiceName   string          `json:"service_name"`
	MethodPricing []MethodPricing `json:"method_pricing"`
}

// MethodPricing is a single method-to-price mapping (price in cogs).
type MethodPricing struct {
	MethodName  string   `json:"method_name"`
	PriceInCogs *big.Int `json:"price_in_cogs"`
}

// FixedPrice returns the group's fixed per-call price in cogs. It selects the
// pricing entry whose model is "fixed_price" and fails with
// errs.ErrDataNotAvailable when no such entry (or its price) exists. There is
// no default price: an unknown price must never be treated as zero.
func (g *ServiceGroup) FixedPrice() (*big.Int, error) {
	for _, p := range g.Pricing {
		if p.PriceModel != FixedPriceModel {
			continue
		}
		if p.PriceInCogs == nil {
			return nil, fmt.Errorf("%w: price_in_cogs for fixed_price model in group %q", errs.ErrDataNotAvailable, g.GroupName)
		}
		return p.PriceInCogs, nil
	}
	return nil, fmt.Errorf("%w: fixed_price pricing in group %q", errs.ErrDataNotAvailable, g.GroupName)
}

// EnrichGroup copies payment_address and payment_expiration_threshold from the
// matching organization group (by group name) into the service group. Service
// metadata documents do not repeat payment details, so strategies must only
// use groups that went through this step. Fails with errs.ErrDataNotAvailable
// when the organization has no matching group or no threshold configured.
func EnrichGroup(srv *ServiceGroup, org *OrganizationMetaData) error {
	grp, err := org.Group(srv.GroupName)
	if err != nil {
		return err
	}
	if grp.PaymentDetails.PaymentExpirationThreshold == nil {
		return fmt.Errorf("%w: payment_expiration_threshold in group %q", errs.ErrDataNotAvailable, grp.GroupName)
	}
	srv.GroupID = grp.ID
	srv.Payment = grp.PaymentDetails
	return nil
}
