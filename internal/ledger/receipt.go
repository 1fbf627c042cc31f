package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// receiptReader is the part of ethclient.Client the receipt wait needs.
type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var errReceiptTimeout = errors.New("no receipt before confirmation deadline")

// waitForReceipt polls until the transaction is mined, the timeout elapses or
// ctx is cancelled. A transaction the node drops is indistinguishable from a
// slow one, so the timeout is what turns it into a failure.
func waitForReceipt(ctx context.Context, client receiptReader, hash common.Hash, interval, timeout time.Duration) (*types.Receipt, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errReceiptTimeout
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
