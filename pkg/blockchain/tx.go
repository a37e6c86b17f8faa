package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/singnet/snet-mpe-go/pkg/errs"
)

// receiptMaxBackoff caps the receipt-poll interval for channel transactions.
const receiptMaxBackoff = 30 * time.Second

// GetNewExpiration returns a new expiration block = current + threshold + small offset.
// The extra offset gives a buffer to avoid near-expiry channels.
func GetNewExpiration(currentBlockNumber, threshold *big.Int, blockOffset uint64) *big.Int {
	return new(big.Int).Add(new(big.Int).Add(currentBlockNumber, threshold), new(big.Int).SetUint64(blockOffset))
}

// WaitForTransaction polls for a transaction receipt with exponential backoff,
// until receipt is available, context is done, or an error occurs. If maxBackoff
// is non-zero, backoff will not exceed it. A reverted transaction surfaces
// errs.ErrTransactionFailed.
func (evm *EVMClient) WaitForTransaction(ctx context.Context, txHash common.Hash, maxBackoff time.Duration) (*types.Receipt, error) {
	backoff := time.Second
	for {
		receipt, err := evm.Client.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusFailed {
				return nil, fmt.Errorf("%w: tx reverted: %s", errs.ErrTransactionFailed, txHash)
			}
			return receipt, nil
		case errors.Is(err, ethereum.NotFound):
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff = nextBackoff(backoff, maxBackoff)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, err
		default:
			return nil, fmt.Errorf("receipt error: %w", err)
		}
	}
}

// nextBackoff doubles the poll interval and clamps it at maxBackoff. A zero
// maxBackoff leaves the growth uncapped.
func nextBackoff(backoff, maxBackoff time.Duration) time.Duration {
	backoff *= 2
	if maxBackoff != 0 && backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// waitMined submits no transaction itself; it confirms tx and returns the receipt.
func (evm *EVMClient) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return evm.WaitForTransaction(ctx, tx.Hash(), receiptMaxBackoff)
}
