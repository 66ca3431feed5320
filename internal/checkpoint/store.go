package checkpoint

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
	"github.com/skillforge/chainsync/internal/logger"
)

// Checkpoint records the highest block whose batch was fully committed for
// a chain. On restart the sync loop resumes from Height+1.
type Checkpoint struct {
	ChainID   uint64      `meddler:"chain_id"`
	Height    uint64      `meddler:"height"`
	BlockHash common.Hash `meddler:"block_hash,hash"`
	UpdatedAt int64       `meddler:"updated_at"`
}

// Store persists per-chain checkpoints in SQLite.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// NewStore creates a new checkpoint store.
func NewStore(db *sql.DB, log *logger.Logger) *Store {
	return &Store{
		db:  db,
		log: log,
	}
}

// Get returns the checkpoint for the given chain, or nil if the chain has
// never committed a batch.
func (s *Store) Get(chainID uint64) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := meddler.QueryRow(s.db, cp,
		`SELECT * FROM checkpoints WHERE chain_id = ?`, chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	return cp, nil
}

// SaveTx upserts the checkpoint inside an existing transaction. Callers
// advance the checkpoint in the same transaction that applies the batch so
// both become durable together.
func (s *Store) SaveTx(tx *sql.Tx, chainID, height uint64, blockHash common.Hash) error {
	const query = `
		INSERT INTO checkpoints (chain_id, height, block_hash, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(chain_id) DO UPDATE SET
			height = excluded.height,
			block_hash = excluded.block_hash,
			updated_at = excluded.updated_at
	`

	if _, err := tx.Exec(query, chainID, height, blockHash.Hex(), time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	return nil
}

// ResetTx moves the checkpoint back to the given height inside an existing
// transaction. Used during reorg rollback, in the same transaction that
// discards the orphaned rows.
func (s *Store) ResetTx(tx *sql.Tx, chainID, height uint64, blockHash common.Hash) error {
	const query = `
		UPDATE checkpoints
		SET height = ?, block_hash = ?, updated_at = ?
		WHERE chain_id = ?
	`

	result, err := tx.Exec(query, height, blockHash.Hex(), time.Now().Unix(), chainID)
	if err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check reset result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no checkpoint to reset for chain %d", chainID)
	}

	s.log.Infof("checkpoint for chain %d reset to height %d", chainID, height)

	return nil
}

// DeleteTx removes the checkpoint for a chain inside an existing
// transaction. Used when a rollback target predates the first committed
// batch, forcing a resync from the configured start height.
func (s *Store) DeleteTx(tx *sql.Tx, chainID uint64) error {
	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE chain_id = ?`, chainID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}

	return nil
}
