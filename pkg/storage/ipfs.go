package storage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipfs/kubo/client/rpc"
	"go.uber.org/zap"

	"github.com/singnet/snet-mpe-go/pkg/errs"
)

// ParseProtoFiles extracts .proto files from a tar or tar.gz archive.
//
// The input is inspected for a gzip magic header; if present, it is
// transparently decompressed before reading tar entries. Directory entries
// are ignored (the daemon does not support directories in bundles), and any
// non-.proto regular files are skipped. The returned map preserves the
// filenames (including any subdirectories) as keys, with file contents as
// values.
func ParseProtoFiles(compressedFile []byte) (protos map[string]string, err error) {
	var reader io.Reader = bytes.NewReader(compressedFile)

	if isGzipFile(compressedFile) {
		zap.L().Debug("Detected gzip-compressed tar file, decompressing...")
		gzr, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress gzip: %w", err)
		}
		defer func(gzr *gzip.Reader) {
			err = gzr.Close()
			if err != nil {
				zap.L().Error("failed to close gzip reader", zap.Error(err))
			}
		}(gzr)
		reader = gzr
	}

	tarReader := tar.NewReader(reader)
	protos = make(map[string]string)

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			zap.L().Error("Failed to read tar entry", zap.Error(err))
			return nil, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			zap.L().Warn("Directory found in archive, daemon don't support dirs", zap.String("name", header.Name))
		case tar.TypeReg:
			data, err := io.ReadAll(tarReader)
			if err != nil {
				zap.L().Error("Failed to read file from tar", zap.Error(err))
				return nil, err
			}
			if !strings.HasSuffix(header.Name, ".proto") {
				zap.L().Info("Detected not .proto file in archive, skipping", zap.String("name", header.Name))
				continue
			}
			protos[header.Name] = string(data)
		default:
			err = fmt.Errorf("unknown file type %c in file %s", header.Typeflag, header.Name)
			zap.L().Error(err.Error())
			return nil, err
		}
	}
	return protos, nil
}

// isGzipFile reports whether data appears to be gzip-compressed,
// based on the 0x1F 0x8B magic bytes.
func isGzipFile(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1F && data[1] == 0x8B
}

// ipfsFetcher is the concrete implementation of IPFSFetcher using Kubo HTTP API.
type ipfsFetcher struct {
	api *rpc.HttpApi
}

// newIPFSFetcher creates a new IPFS fetcher with the given HTTP API client.
func newIPFSFetcher(api *rpc.HttpApi) IPFSFetcher {
	return &ipfsFetcher{api: api}
}

// Fetch retrieves content by CID from IPFS using the configured Kubo HTTP API
// client. The supplied hash is parsed as a CID and retrieved via `ipfs cat`.
// The method then performs a best-effort verification by recomputing a CID
// from (original CID bytes + content) and comparing it with the requested CID.
func (f *ipfsFetcher) Fetch(ctx context.Context, hash string) ([]byte, error) {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
	}

	if f.api == nil {
		return nil, fmt.Errorf("%w: ipfs client not configured", errs.ErrStorageFetchFailed)
	}

	cID, err := cid.Parse(hash)
	if err != nil {
		return nil, fmt.Errorf("%w: bad cid %q: %v", errs.ErrStorageFetchFailed, hash, err)
	}

	resp, err := f.api.Request("cat", cID.String()).Send(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: ipfs cat %s: %v", errs.ErrStorageFetchFailed, hash, err)
	}
	defer func(resp *rpc.Response) {
		if cerr := resp.Close(); cerr != nil {
			zap.L().Error("error closing ipfs response", zap.String("hash", hash), zap.Error(cerr))
		}
	}(resp)

	if resp.Error != nil {
		return nil, fmt.Errorf("%w: ipfs cat %s: %v", errs.ErrStorageFetchFailed, hash, resp.Error)
	}
	fileContent, err := io.ReadAll(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", errs.ErrStorageFetchFailed, hash, err)
	}

	// Recompute a CID over (cid bytes + content) to catch gateway corruption.
	_, c, err := cid.CidFromBytes(append(cID.Bytes(), fileContent...))
	if err != nil {
		return nil, fmt.Errorf("%w: hashing %s: %v", errs.ErrStorageFetchFailed, hash, err)
	}
	if !c.Equals(cID) {
		zap.L().Error("IPFS hash verification failed",
			zap.String("expectedHash", hash),
			zap.String("hashFromIPFSContent", c.String()))
	}

	return fileContent, nil
}

// GetLighthouseFile fetches a blob from a Lighthouse HTTP gateway by simple
// GET of {endpoint}{cID}. Non-2xx statuses surface errs.ErrStorageFetchFailed.
func GetLighthouseFile(ctx context.Context, endpoint, cID string) ([]byte, error) {
	zap.L().Debug("Getting lighthouse file", zap.String("cid", cID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+cID, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageFetchFailed, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageFetchFailed, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			zap.L().Error("error closing lighthouse response", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: gateway status %s for %s", errs.ErrStorageFetchFailed, resp.Status, cID)
	}
	return io.ReadAll(resp.Body)
}

// NewIPFSClient constructs a Kubo HTTP API client pointed at url.
// The client uses a short HTTP timeout suitable for metadata and API-source downloads.
func NewIPFSClient(url string) (client *rpc.HttpApi, err error) {
	httpClient := http.Client{
		Timeout: 5 * time.Second,
	}
	client, err = rpc.NewURLApiWithClient(url, &httpClient)
	if err != nil {
		zap.L().Error("Connection failed to IPFS", zap.String("url", url), zap.Error(err))
	}
	return client, err
}
