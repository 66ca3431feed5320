package rpc

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/skillforge/chainsync/internal/config"
)

// Compile-time check to ensure RetryClient implements the ChainClient interface.
var _ ChainClient = (*RetryClient)(nil)

// RetryClient decorates a ChainClient with per-call timeouts, retry with
// exponential backoff and request metrics. Errors that classify as
// non-retryable (decode errors, "too many results") surface to the caller
// after the first attempt.
type RetryClient struct {
	inner       ChainClient
	retry       *config.RetryConfig
	callTimeout time.Duration
}

// NewRetryClient wraps the given client. A nil retry config disables
// retries, a zero callTimeout disables per-call deadlines.
func NewRetryClient(inner ChainClient, retry *config.RetryConfig, callTimeout time.Duration) *RetryClient {
	return &RetryClient{
		inner:       inner,
		retry:       retry,
		callTimeout: callTimeout,
	}
}

// Close closes the underlying client.
func (c *RetryClient) Close() {
	c.inner.Close()
}

func (c *RetryClient) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	start := time.Now()
	RPCMethodInc(method)

	err := retryWithBackoff(ctx, c.retry, method, func() error {
		callCtx := ctx
		if c.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}

		return fn(callCtx)
	})

	RPCMethodDuration(method, time.Since(start))

	if err != nil {
		RPCMethodError(method, classifyError(err))
	}

	return err
}

func classifyError(err error) string {
	if tooMany, _ := IsTooManyResultsError(err); tooMany {
		return "too_many_results"
	}
	if retryableError(err) {
		return "transient"
	}
	return "permanent"
}

// FilterLogs retrieves logs matching the given filter query.
func (c *RetryClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.call(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = c.inner.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// HeaderByHeight retrieves the header for a specific block height.
func (c *RetryClient) HeaderByHeight(ctx context.Context, height uint64) (*types.Header, error) {
	var header *types.Header
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		header, err = c.inner.HeaderByHeight(ctx, height)
		return err
	})
	return header, err
}

// LatestHeader retrieves the latest block header.
func (c *RetryClient) LatestHeader(ctx context.Context) (*types.Header, error) {
	var header *types.Header
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		header, err = c.inner.LatestHeader(ctx)
		return err
	})
	return header, err
}

// FinalizedHeader retrieves the finalized block header.
func (c *RetryClient) FinalizedHeader(ctx context.Context) (*types.Header, error) {
	var header *types.Header
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		header, err = c.inner.FinalizedHeader(ctx)
		return err
	})
	return header, err
}

// SafeHeader retrieves the safe block header.
func (c *RetryClient) SafeHeader(ctx context.Context) (*types.Header, error) {
	var header *types.Header
	err := c.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		header, err = c.inner.SafeHeader(ctx)
		return err
	})
	return header, err
}

// BatchHeaders retrieves headers for multiple block heights in batch calls.
func (c *RetryClient) BatchHeaders(ctx context.Context, heights []uint64) ([]*types.Header, error) {
	var headers []*types.Header
	err := c.call(ctx, "eth_getBlockByNumber_batch", func(ctx context.Context) error {
		var err error
		headers, err = c.inner.BatchHeaders(ctx, heights)
		return err
	})
	return headers, err
}
