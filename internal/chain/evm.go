package chain

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/circle-fin/usdc-flow-tracker/internal/metrics"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// EVMFilter mirrors ethereum.FilterQuery's fields the pollers need: a block
// range, one contract address, and up to three indexed topics.
type EVMFilter struct {
	FromBlock *big.Int
	ToBlock   *big.Int
	Address   common.Address
	Topics    [][]common.Hash
}

// EVMAdapter is the uniform read interface over EVM JSON-RPC, grounded on
// the teacher's ethclient usage in internal/services/blockchain_transaction_service.go,
// with a cenkalti/backoff retry wrapper added since go-ethereum's client has
// no built-in retry of its own.
type EVMAdapter struct {
	chainID string
	client  *ethclient.Client

	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// NewEVMAdapter dials rpcURL and returns a ready adapter.
func NewEVMAdapter(chainID, rpcURL string) (*EVMAdapter, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, err
	}
	return &EVMAdapter{
		chainID:        chainID,
		client:         client,
		maxAttempts:    3,
		backoffInitial: 500 * time.Millisecond,
		backoffMax:     5 * time.Second,
	}, nil
}

func (a *EVMAdapter) withRetry(ctx context.Context, method string, fn func() error) error {
	metrics.ChainAdapterRequests.WithLabelValues(a.chainID, method).Inc()
	start := time.Now()
	defer func() {
		metrics.ChainAdapterRequestDuration.WithLabelValues(a.chainID, method).Observe(time.Since(start).Seconds())
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.backoffInitial
	b.MaxInterval = a.backoffMax
	b.MaxElapsedTime = 0

	attempt := 0
	operation := func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if classifyEVMError(err) == ClassificationPermanent {
			metrics.ChainAdapterErrors.WithLabelValues(a.chainID, method, "permanent").Inc()
			return backoff.Permanent(err)
		}
		if attempt >= a.maxAttempts {
			metrics.ChainAdapterErrors.WithLabelValues(a.chainID, method, "transient").Inc()
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}

// classifyEVMError maps a go-ethereum client error to the transient/
// permanent taxonomy of spec.md §4.1. go-ethereum's rpc.HTTPError carries
// the HTTP status when the node responds through an HTTP transport.
func classifyEVMError(err error) Classification {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return HTTPStatusClassification(httpErr.StatusCode)
	}
	return ClassificationUnknown
}

// GetBlockNumber returns the current chain tip.
func (a *EVMAdapter) GetBlockNumber(ctx context.Context) (uint64, error) {
	var height uint64
	err := a.withRetry(ctx, "getBlockNumber", func() error {
		h, err := a.client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

// GetLogs returns logs matching filter. An empty slice (not an error) is
// returned when nothing matches.
func (a *EVMAdapter) GetLogs(ctx context.Context, filter EVMFilter) ([]types.Log, error) {
	var logs []types.Log
	err := a.withRetry(ctx, "getLogs", func() error {
		q := ethereum.FilterQuery{
			FromBlock: filter.FromBlock,
			ToBlock:   filter.ToBlock,
			Addresses: []common.Address{filter.Address},
			Topics:    filter.Topics,
		}
		l, err := a.client.FilterLogs(ctx, q)
		if err != nil {
			return err
		}
		logs = l
		return nil
	})
	return logs, err
}

// GetTransaction returns the transaction for hash, or (nil, false, nil) when
// the node doesn't know it yet - block-not-yet-mined is null, not an error,
// per spec.md §4.1.
func (a *EVMAdapter) GetTransaction(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	var tx *types.Transaction
	var pending bool
	err := a.withRetry(ctx, "getTransaction", func() error {
		t, isPending, err := a.client.TransactionByHash(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			tx = nil
			return nil
		}
		if err != nil {
			return err
		}
		tx = t
		pending = isPending
		return nil
	})
	return tx, pending, err
}

// GetTransactionReceipt returns the receipt for hash, or nil if not yet
// mined.
func (a *EVMAdapter) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := a.withRetry(ctx, "getTransactionReceipt", func() error {
		r, err := a.client.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		if err != nil {
			return err
		}
		receipt = r
		return nil
	})
	return receipt, err
}
