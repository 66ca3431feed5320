package rpc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// ChainClient defines the interface for chain RPC operations used by the
// sync engine. This abstraction allows for easier testing and alternative
// implementations.
type ChainClient interface {
	// Close closes the RPC client connection.
	Close()

	// FilterLogs retrieves logs matching the given filter query.
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)

	// HeaderByHeight retrieves the header for a specific block height.
	HeaderByHeight(ctx context.Context, height uint64) (*types.Header, error)

	// LatestHeader retrieves the latest block header.
	LatestHeader(ctx context.Context) (*types.Header, error)

	// FinalizedHeader retrieves the finalized block header.
	FinalizedHeader(ctx context.Context) (*types.Header, error)

	// SafeHeader retrieves the safe block header.
	SafeHeader(ctx context.Context) (*types.Header, error)

	// BatchHeaders retrieves headers for multiple block heights in batch calls.
	BatchHeaders(ctx context.Context, heights []uint64) ([]*types.Header, error)
}

// Compile-time check to ensure Client implements the ChainClient interface.
var _ ChainClient = (*Client)(nil)

// Client wraps the Ethereum RPC client with the operations the engine needs.
type Client struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// NewClient creates a new RPC client connected to the given endpoint.
func NewClient(ctx context.Context, endpoint string) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	return &Client{
		eth: ethclient.NewClient(rpcClient),
		rpc: rpcClient,
	}, nil
}

// Close closes the RPC client connection.
func (c *Client) Close() {
	c.eth.Close()
}

// FilterLogs retrieves logs matching the given filter query.
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return c.eth.FilterLogs(ctx, query)
}

// HeaderByHeight retrieves the header for a specific block height.
func (c *Client) HeaderByHeight(ctx context.Context, height uint64) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, big.NewInt(int64(height)))
}

// LatestHeader retrieves the latest block header.
func (c *Client) LatestHeader(ctx context.Context) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, nil)
}

// FinalizedHeader retrieves the finalized block header.
func (c *Client) FinalizedHeader(ctx context.Context) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
}

// SafeHeader retrieves the safe block header.
func (c *Client) SafeHeader(ctx context.Context) (*types.Header, error) {
	return c.eth.HeaderByNumber(ctx, big.NewInt(int64(rpc.SafeBlockNumber)))
}

// BatchHeaders retrieves headers for multiple block heights, chunked into
// batch calls of at most 100 requests.
func (c *Client) BatchHeaders(ctx context.Context, heights []uint64) ([]*types.Header, error) {
	const maxBatch = 100
	var allResults []*types.Header

	for i := 0; i < len(heights); i += maxBatch {
		end := min(i+maxBatch, len(heights))
		chunk := heights[i:end]

		batch := make([]rpc.BatchElem, len(chunk))
		results := make([]*types.Header, len(chunk))

		for j, height := range chunk {
			batch[j] = rpc.BatchElem{
				Method: "eth_getBlockByNumber",
				Args:   []any{toBlockNumArg(height), false}, // false = don't include transactions
				Result: &results[j],
			}
		}

		if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
			return nil, err
		}

		for _, elem := range batch {
			if elem.Error != nil {
				return nil, elem.Error
			}
		}

		allResults = append(allResults, results...)
	}

	return allResults, nil
}

// toBlockNumArg converts a block height to hex format.
func toBlockNumArg(height uint64) string {
	return fmt.Sprintf("0x%x", height)
}
