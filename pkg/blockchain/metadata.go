package blockchain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/singnet/snet-mpe-go/pkg/model"
	"github.com/singnet/snet-mpe-go/pkg/storage"
)

// FetchOrgMetadata resolves the organization metadata URI from the Registry
// and fetches and parses the metadata JSON from distributed storage.
func (evm *EVMClient) FetchOrgMetadata(ctx context.Context, store storage.Storage, orgID string) (*model.OrganizationMetaData, error) {
	orgHash, err := evm.GetOrgMetadataURI(ctx, orgID)
	if err != nil {
		return nil, err
	}

	rawOrgMetadata, err := store.ReadFile(ctx, orgHash)
	if err != nil {
		return nil, fmt.Errorf("can't read orgMetadata file: %w", err)
	}

	var orgMetadata model.OrganizationMetaData
	if err := json.Unmarshal(rawOrgMetadata, &orgMetadata); err != nil {
		return nil, fmt.Errorf("can't parse orgMetadata: %w", err)
	}
	orgMetadata.OrgID = orgID

	return &orgMetadata, nil
}

// FetchServiceMetadata resolves the service metadata URI from the Registry and
// fetches and parses the metadata JSON, including the service's .proto bundle
// (ServiceApiSource, falling back to the legacy ModelIpfsHash field).
func (evm *EVMClient) FetchServiceMetadata(ctx context.Context, store storage.Storage, orgID, srvID string) (*model.ServiceMetadata, error) {
	hash, err := evm.GetServiceMetadataURI(ctx, orgID, srvID)
	if err != nil {
		return nil, err
	}

	rawMetadata, err := store.ReadFile(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("can't read serviceMetadata file: %w", err)
	}

	var serviceMetadata model.ServiceMetadata
	if err := json.Unmarshal(rawMetadata, &serviceMetadata); err != nil {
		return nil, fmt.Errorf("can't parse serviceMetadata: %w", err)
	}

	var rawFile []byte

	// Backward compatibility: older metadata may use ModelIpfsHash.
	if serviceMetadata.ModelIpfsHash != "" {
		rawFile, err = store.ReadFile(ctx, serviceMetadata.ModelIpfsHash)
	}
	if serviceMetadata.ServiceApiSource != "" {
		rawFile, err = store.ReadFile(ctx, serviceMetadata.ServiceApiSource)
	}
	if err != nil {
		return nil, fmt.Errorf("can't read api source (proto) files: %w", err)
	}

	if rawFile != nil {
		serviceMetadata.ProtoFiles, err = storage.ParseProtoFiles(rawFile)
		if err != nil {
			return nil, fmt.Errorf("can't parse proto files: %w", err)
		}
	}

	return &serviceMetadata, nil
}
