// Package errs defines the sentinel errors shared across the SDK. Callers can
// classify failures with errors.Is; packages wrap these sentinels with
// fmt.Errorf("%w: ...") to add operation context.
package errs

import "errors"

var (
	// ErrContractUnavailable indicates that a contract binding could not be
	// initialized (missing ABI method or no address for the network). It is a
	// construction-time failure: no client is returned alongside it.
	ErrContractUnavailable = errors.New("contract unavailable")

	// ErrDataNotAvailable indicates that a required field was missing or empty
	// in a metadata document, chain record, or daemon reply. The operation can
	// be retried once the upstream data is fixed.
	ErrDataNotAvailable = errors.New("required data not available")

	// ErrTransactionFailed indicates that a transaction was mined but reverted,
	// or could not be signed/submitted.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrConversionFailed indicates malformed hex, bytes or numeric input.
	ErrConversionFailed = errors.New("conversion failed")

	// ErrStorageFetchFailed indicates that content could not be retrieved from
	// IPFS or the Lighthouse gateway.
	ErrStorageFetchFailed = errors.New("storage fetch failed")
)
