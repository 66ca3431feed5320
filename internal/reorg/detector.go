package reorg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/russross/meddler"
	internalcommon "github.com/skillforge/chainsync/internal/common"
	"github.com/skillforge/chainsync/internal/logger"
	"github.com/skillforge/chainsync/internal/metrics"
	"github.com/skillforge/chainsync/internal/rpc"
)

// LedgerEntry is one row of the block-hash ledger. The ledger covers the
// unfinalized suffix of the chain and is what reorg detection compares
// against.
type LedgerEntry struct {
	ChainID    uint64      `meddler:"chain_id"`
	Height     uint64      `meddler:"height"`
	BlockHash  common.Hash `meddler:"block_hash,hash"`
	ParentHash common.Hash `meddler:"parent_hash,hash"`
}

// Event is one audit row describing a handled reorganization.
type Event struct {
	ID                   int64       `meddler:"id,pk"`
	ChainID              uint64      `meddler:"chain_id"`
	DetectedAt           int64       `meddler:"detected_at"`
	DivergentHeight      uint64      `meddler:"divergent_height"`
	OldBlockHash         common.Hash `meddler:"old_block_hash,hash"`
	NewBlockHash         common.Hash `meddler:"new_block_hash,hash"`
	CommonAncestorHeight uint64      `meddler:"common_ancestor_height"`
	BlocksRolledBack     uint64      `meddler:"blocks_rolled_back"`
}

// Detector detects blockchain reorganizations for a single chain by
// tracking block hashes and parent linkage.
type Detector struct {
	db            *sql.DB
	rpc           rpc.ChainClient
	log           *logger.Logger
	chainID       uint64
	maxReorgDepth uint64
}

// NewDetector creates a new Detector for the given chain.
func NewDetector(db *sql.DB, rpcClient rpc.ChainClient, log *logger.Logger,
	chainID, maxReorgDepth uint64) *Detector {
	detector := &Detector{
		db:            db,
		rpc:           rpcClient,
		log:           log,
		chainID:       chainID,
		maxReorgDepth: maxReorgDepth,
	}

	metrics.ComponentHealthSet(internalcommon.ComponentReorgDetector, true)

	return detector
}

// VerifyWindow checks a fetched window of headers against the stored ledger
// and against the logs fetched for the same window. It verifies:
//  1. the first header's parent linkage to the stored predecessor
//  2. parent-hash continuity within the window
//  3. that log block hashes match the headers they claim to come from
//
// Any mismatch means the window was fetched across a reorganization and
// must be discarded; the returned ReorgDetectedError names the first
// height known to diverge.
func (d *Detector) VerifyWindow(ctx context.Context, headers []*types.Header, logs []types.Log) error {
	if len(headers) == 0 {
		return nil
	}

	firstHeight := headers[0].Number.Uint64()
	if firstHeight > 0 {
		stored, err := d.getEntry(d.db, firstHeight-1)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to query ledger entry %d: %w", firstHeight-1, err)
		}
		if err == nil && stored.BlockHash != headers[0].ParentHash {
			ReorgDetectedLog(d.chainID, 1)
			return NewReorgError(d.chainID, firstHeight-1,
				fmt.Sprintf("stored_hash=%s parent_hash=%s", stored.BlockHash.Hex(), headers[0].ParentHash.Hex()))
		}
	}

	for i := 1; i < len(headers); i++ {
		expectedParent := headers[i-1].Hash()
		actualParent := headers[i].ParentHash

		if actualParent != expectedParent {
			d.log.Warnf("chain discontinuity detected: block=%d prev_block=%d expected_parent=%s actual_parent=%s",
				headers[i].Number.Uint64(),
				headers[i-1].Number.Uint64(),
				expectedParent.Hex(),
				actualParent.Hex(),
			)
			ReorgDetectedLog(d.chainID, uint64(len(headers)-i))
			return NewReorgError(d.chainID, headers[i].Number.Uint64(),
				fmt.Sprintf("chain discontinuity between blocks %d and %d",
					headers[i-1].Number.Uint64(), headers[i].Number.Uint64()))
		}
	}

	headerHashes := make(map[uint64]common.Hash, len(headers))
	for _, header := range headers {
		headerHashes[header.Number.Uint64()] = header.Hash()
	}

	for _, log := range logs {
		headerHash, exists := headerHashes[log.BlockNumber]
		if !exists {
			continue
		}
		if log.BlockHash != headerHash {
			// Reorg happened between the two RPC calls
			d.log.Warnf("reorg detected during fetch: block=%d log_hash=%s header_hash=%s",
				log.BlockNumber,
				log.BlockHash.Hex(),
				headerHash.Hex(),
			)
			ReorgDetectedLog(d.chainID, 1)
			return NewReorgError(d.chainID, log.BlockNumber,
				fmt.Sprintf("log_hash=%s header_hash=%s", log.BlockHash.Hex(), headerHash.Hex()))
		}
	}

	return nil
}

// FindCommonAncestor walks the stored ledger backwards from the tip,
// comparing stored hashes against the chain's current view, and returns
// the highest stored entry whose hash still matches. If the walk exceeds
// the configured maximum reorg depth without finding a match, a HaltError
// is returned and the loop must stop.
func (d *Detector) FindCommonAncestor(ctx context.Context) (*LedgerEntry, error) {
	entries, err := d.tipEntries(d.maxReorgDepth + 1)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger tip: %w", err)
	}
	if len(entries) == 0 {
		return nil, NewHaltError(d.chainID, "reorg detected but block-hash ledger is empty")
	}

	heights := make([]uint64, len(entries))
	for i, entry := range entries {
		heights[i] = entry.Height
	}

	currentHeaders, err := d.rpc.BatchHeaders(ctx, heights)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch headers for ancestor search: %w", err)
	}

	// entries are ordered by height descending, so the first match is the
	// deepest surviving block. A match at index i means i blocks are rolled
	// back, and the fetch limit above caps the scan at maxReorgDepth.
	for i, entry := range entries {
		if currentHeaders[i] == nil {
			continue
		}
		if currentHeaders[i].Hash() == entry.BlockHash {
			d.log.Infof("common ancestor found at height %d after scanning %d blocks", entry.Height, i)
			return entry, nil
		}
	}

	metrics.HaltInc(d.chainID)
	return nil, NewHaltError(d.chainID,
		fmt.Sprintf("no common ancestor within max reorg depth %d", d.maxReorgDepth))
}

// RecordWindowTx persists the window's block hashes to the ledger inside an
// existing transaction, alongside the batch that carried them.
func (d *Detector) RecordWindowTx(tx *sql.Tx, headers []*types.Header) error {
	const query = `
		INSERT INTO block_hashes (chain_id, height, block_hash, parent_hash)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_id, height) DO UPDATE SET
			block_hash = excluded.block_hash,
			parent_hash = excluded.parent_hash
	`

	for _, header := range headers {
		_, err := tx.Exec(query,
			d.chainID,
			header.Number.Uint64(),
			header.Hash().Hex(),
			header.ParentHash.Hex(),
		)
		if err != nil {
			return fmt.Errorf("failed to record block %d: %w", header.Number.Uint64(), err)
		}
	}

	return nil
}

// RollbackLedgerTx removes ledger entries above the common ancestor inside
// an existing transaction and appends the audit row for the handled reorg.
func (d *Detector) RollbackLedgerTx(tx *sql.Tx, ancestor *LedgerEntry, newTipHash common.Hash) error {
	tip, err := d.getTipTx(tx)
	if err != nil {
		return fmt.Errorf("failed to read ledger tip: %w", err)
	}

	result, err := tx.Exec(
		`DELETE FROM block_hashes WHERE chain_id = ? AND height > ?`,
		d.chainID, ancestor.Height,
	)
	if err != nil {
		return fmt.Errorf("failed to roll back ledger: %w", err)
	}

	rolledBack, _ := result.RowsAffected()

	event := &Event{
		ChainID:              d.chainID,
		DetectedAt:           time.Now().Unix(),
		DivergentHeight:      ancestor.Height + 1,
		OldBlockHash:         tip.BlockHash,
		NewBlockHash:         newTipHash,
		CommonAncestorHeight: ancestor.Height,
		BlocksRolledBack:     uint64(rolledBack),
	}

	if err := meddler.Insert(tx, "reorg_log", event); err != nil {
		return fmt.Errorf("failed to append reorg audit row: %w", err)
	}

	d.log.Warnf("rolled back %d ledger entries to common ancestor %d", rolledBack, ancestor.Height)

	return nil
}

// PruneTx removes ledger entries at or below the finalized height inside an
// existing transaction. The finalized block itself is kept as the linkage
// anchor for the next window.
func (d *Detector) PruneTx(tx *sql.Tx, finalizedHeight uint64) error {
	result, err := tx.Exec(
		`DELETE FROM block_hashes WHERE chain_id = ? AND height < ?`,
		d.chainID, finalizedHeight,
	)
	if err != nil {
		return fmt.Errorf("failed to prune ledger: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		d.log.Debugf("pruned finalized ledger entries: keep_from=%d deleted_count=%d",
			finalizedHeight, rowsAffected)
	}

	return nil
}

// Tip returns the highest ledger entry, or nil if the ledger is empty.
func (d *Detector) Tip() (*LedgerEntry, error) {
	entry := &LedgerEntry{}
	err := meddler.QueryRow(d.db, entry,
		`SELECT * FROM block_hashes WHERE chain_id = ? ORDER BY height DESC LIMIT 1`,
		d.chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger tip: %w", err)
	}

	return entry, nil
}

// Events returns the audit trail of handled reorgs, newest first.
func (d *Detector) Events(limit int) ([]*Event, error) {
	var events []*Event
	err := meddler.QueryAll(d.db, &events,
		`SELECT * FROM reorg_log WHERE chain_id = ? ORDER BY id DESC LIMIT ?`,
		d.chainID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query reorg log: %w", err)
	}

	return events, nil
}

func (d *Detector) getEntry(q meddler.DB, height uint64) (*LedgerEntry, error) {
	entry := &LedgerEntry{}
	err := meddler.QueryRow(q, entry,
		`SELECT * FROM block_hashes WHERE chain_id = ? AND height = ?`,
		d.chainID, height)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (d *Detector) getTipTx(tx *sql.Tx) (*LedgerEntry, error) {
	entry := &LedgerEntry{}
	err := meddler.QueryRow(tx, entry,
		`SELECT * FROM block_hashes WHERE chain_id = ? ORDER BY height DESC LIMIT 1`,
		d.chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return &LedgerEntry{ChainID: d.chainID}, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// tipEntries returns up to limit entries ordered by height descending.
func (d *Detector) tipEntries(limit uint64) ([]*LedgerEntry, error) {
	var entries []*LedgerEntry
	err := meddler.QueryAll(d.db, &entries,
		`SELECT * FROM block_hashes WHERE chain_id = ? ORDER BY height DESC LIMIT ?`,
		d.chainID, limit)
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Close marks the detector unhealthy. The database connection is managed
// externally.
func (d *Detector) Close() error {
	metrics.ComponentHealthSet(internalcommon.ComponentReorgDetector, false)
	return nil
}
