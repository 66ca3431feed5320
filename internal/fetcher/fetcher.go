package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/skillforge/chainsync/internal/logger"
	"github.com/skillforge/chainsync/internal/rpc"
)

// ErrCaughtUp signals that every block up to the confirmed tip has already
// been indexed. The sync loop reacts by going idle until the next poll.
var ErrCaughtUp = errors.New("caught up with confirmed tip")

// Finality modes supported by the target resolver.
const (
	FinalityFinalized = "finalized"
	FinalitySafe      = "safe"
	FinalityLatest    = "latest"
)

// Config contains configuration for the Fetcher.
type Config struct {
	// ChainID identifies the chain being fetched
	ChainID uint64

	// WindowSize is the maximum number of blocks per fetch window
	WindowSize uint64

	// Finality selects how the confirmed target height is resolved
	Finality string

	// ConfirmationDepth is the number of blocks held back from the tip.
	// Only used in "latest" mode.
	ConfirmationDepth uint64

	// Addresses are the contract addresses to filter
	Addresses []ethcommon.Address

	// Topics are the event topic filters, one topic set per position
	Topics [][]ethcommon.Hash
}

// Window is one gap-free fetch result. Headers cover every height in
// [FromBlock, ToBlock] and Logs are ordered by (block number, log index).
type Window struct {
	FromBlock uint64
	ToBlock   uint64

	// ConfirmedTip is the target height resolved when the window was planned
	ConfirmedTip uint64

	Headers []*types.Header
	Logs    []types.Log
}

// Fetcher plans and retrieves bounded windows of logs and headers.
type Fetcher struct {
	cfg Config
	rpc rpc.ChainClient
	log *logger.Logger
}

// NewFetcher creates a new Fetcher instance.
func NewFetcher(cfg Config, rpcClient rpc.ChainClient, log *logger.Logger) *Fetcher {
	return &Fetcher{
		cfg: cfg,
		rpc: rpcClient,
		log: log,
	}
}

// Next plans and fetches the next window starting at fromBlock. It returns
// ErrCaughtUp when fromBlock is past the confirmed tip. The returned
// window may be narrower than planned if the provider rejected the range.
func (f *Fetcher) Next(ctx context.Context, fromBlock uint64) (*Window, error) {
	target, err := f.ConfirmedTarget(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve confirmed target: %w", err)
	}

	if fromBlock > target {
		return nil, ErrCaughtUp
	}

	toBlock := min(fromBlock+f.cfg.WindowSize-1, target)

	window, err := f.FetchRange(ctx, fromBlock, toBlock)
	if err != nil {
		return nil, err
	}

	window.ConfirmedTip = target
	return window, nil
}

// FetchRange fetches logs and headers for a specific block range. The range
// shrinks automatically when the provider reports too many results, so the
// returned window's ToBlock may be lower than requested. FromBlock never
// moves: the window always extends the indexed prefix without gaps.
func (f *Fetcher) FetchRange(ctx context.Context, fromBlock, toBlock uint64) (*Window, error) {
	f.log.Debugf("fetching range from %d to %d", fromBlock, toBlock)

	logs, newTo, err := f.fetchLogsWithShrink(ctx, fromBlock, toBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs: %w", err)
	}

	heights := make([]uint64, 0, newTo-fromBlock+1)
	for height := fromBlock; height <= newTo; height++ {
		heights = append(heights, height)
	}

	headers, err := f.rpc.BatchHeaders(ctx, heights)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch headers: %w", err)
	}

	for i, header := range headers {
		if header == nil {
			return nil, fmt.Errorf("missing header for block %d", heights[i])
		}
		if header.Number.Uint64() != heights[i] {
			return nil, fmt.Errorf("header height mismatch: expected %d, got %d",
				heights[i], header.Number.Uint64())
		}
	}

	// Deterministic apply order regardless of provider ordering
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	for _, log := range logs {
		if log.BlockNumber < fromBlock || log.BlockNumber > newTo {
			return nil, fmt.Errorf("log for block %d outside fetched range [%d, %d]",
				log.BlockNumber, fromBlock, newTo)
		}
	}

	f.log.Infof("fetched range from %d to %d with %d logs", fromBlock, newTo, len(logs))

	return &Window{
		FromBlock: fromBlock,
		ToBlock:   newTo,
		Headers:   headers,
		Logs:      logs,
	}, nil
}

// ConfirmedTarget resolves the highest height eligible for indexing based
// on the configured finality mode.
func (f *Fetcher) ConfirmedTarget(ctx context.Context) (uint64, error) {
	switch f.cfg.Finality {
	case FinalityFinalized:
		header, err := f.rpc.FinalizedHeader(ctx)
		if err != nil {
			return 0, err
		}
		return header.Number.Uint64(), nil
	case FinalitySafe:
		header, err := f.rpc.SafeHeader(ctx)
		if err != nil {
			return 0, err
		}
		return header.Number.Uint64(), nil
	case FinalityLatest:
		header, err := f.rpc.LatestHeader(ctx)
		if err != nil {
			return 0, err
		}
		latest := header.Number.Uint64()
		if latest < f.cfg.ConfirmationDepth {
			return 0, nil
		}
		return latest - f.cfg.ConfirmationDepth, nil
	default:
		return 0, fmt.Errorf("invalid finality mode: %s", f.cfg.Finality)
	}
}

// FinalizedHeight returns the chain's finalized height, used to prune the
// block-hash ledger below the reorg horizon.
func (f *Fetcher) FinalizedHeight(ctx context.Context) (uint64, error) {
	header, err := f.rpc.FinalizedHeader(ctx)
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

// fetchLogsWithShrink fetches logs and automatically retries with a smaller
// range if too many results are returned. The provider's suggested range is
// honored when present, otherwise the range is split in half. The lower
// bound is pinned to fromBlock so the indexed prefix stays gap-free.
func (f *Fetcher) fetchLogsWithShrink(
	ctx context.Context,
	fromBlock, toBlock uint64,
) ([]types.Log, uint64, error) {
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(fromBlock)),
		ToBlock:   big.NewInt(int64(toBlock)),
		Addresses: f.cfg.Addresses,
		Topics:    f.cfg.Topics,
	}

	logs, err := f.rpc.FilterLogs(ctx, query)
	if err != nil {
		ok, errData := rpc.IsTooManyResultsError(err)
		if !ok {
			return nil, 0, err
		}

		var newTo uint64
		if _, suggestedTo, ok := rpc.ParseSuggestedBlockRange(errData); ok &&
			suggestedTo >= fromBlock && suggestedTo < toBlock {
			f.log.Infof("too many logs, retrying with suggested upper bound %d (original range %d to %d)",
				suggestedTo,
				fromBlock,
				toBlock,
			)
			newTo = suggestedTo
		} else {
			// No usable suggested range, split in half
			const splitBy = 2
			mid := (fromBlock + toBlock) / splitBy

			if mid == fromBlock || mid >= toBlock {
				// Can't split further (single block)
				return nil, 0, fmt.Errorf("cannot split range further, single block %d has too many logs", fromBlock)
			}

			f.log.Infof("too many logs, retrying with smaller block range from %d to %d (original range %d to %d)",
				fromBlock,
				mid,
				fromBlock,
				toBlock,
			)

			newTo = mid
		}

		return f.fetchLogsWithShrink(ctx, fromBlock, newTo)
	}

	return logs, toBlock, nil
}
