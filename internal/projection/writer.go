package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/russross/meddler"
	"github.com/skillforge/chainsync/internal/checkpoint"
	"github.com/skillforge/chainsync/internal/decoder"
	"github.com/skillforge/chainsync/internal/fetcher"
	"github.com/skillforge/chainsync/internal/logger"
	"github.com/skillforge/chainsync/internal/metrics"
	"github.com/skillforge/chainsync/internal/notify"
	"github.com/skillforge/chainsync/internal/reorg"
)

// Writer applies decoded events to the projection tables. A window's raw
// events, projection updates, ledger entries and checkpoint advance all
// commit in one transaction, so observers never see a partially applied
// window.
type Writer struct {
	db          *sql.DB
	log         *logger.Logger
	chainID     uint64
	checkpoints *checkpoint.Store
	detector    *reorg.Detector
	notifier    notify.Notifier
}

// NewWriter creates a projection writer for one chain.
func NewWriter(
	db *sql.DB,
	log *logger.Logger,
	chainID uint64,
	checkpoints *checkpoint.Store,
	detector *reorg.Detector,
	notifier notify.Notifier,
) *Writer {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}

	return &Writer{
		db:          db,
		log:         log,
		chainID:     chainID,
		checkpoints: checkpoints,
		detector:    detector,
		notifier:    notifier,
	}
}

// ApplyBatch applies a verified window atomically: raw events, projection
// updates, the window's ledger entries and the checkpoint advance to
// window.ToBlock. Events whose position is already recorded are skipped,
// which makes re-applying a window after a crash a no-op. Notifications go
// out only after the commit succeeds.
func (w *Writer) ApplyBatch(ctx context.Context, window *fetcher.Window, events []decoder.Event) error {
	if len(window.Headers) == 0 {
		return fmt.Errorf("window [%d, %d] has no headers", window.FromBlock, window.ToBlock)
	}

	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			w.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	applied := make([]decoder.Event, 0, len(events))

	for _, event := range events {
		fresh, err := w.insertRawTx(tx, event)
		if err != nil {
			return err
		}
		if !fresh {
			// Position already recorded by an earlier run of this window
			continue
		}

		if _, undecoded := event.(*decoder.Undecoded); undecoded {
			// Recorded for audit with a NULL payload, nothing to project
			continue
		}

		if err := w.applyTx(tx, event); err != nil {
			return err
		}

		applied = append(applied, event)
	}

	if err := w.detector.RecordWindowTx(tx, window.Headers); err != nil {
		return err
	}

	tipHash := window.Headers[len(window.Headers)-1].Hash()
	if err := w.checkpoints.SaveTx(tx, w.chainID, window.ToBlock, tipHash); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	metrics.BatchCommittedInc(w.chainID)
	metrics.BatchCommitTimeLog(w.chainID, time.Since(start))
	metrics.LastIndexedHeightSet(w.chainID, window.ToBlock)
	if window.ConfirmedTip >= window.ToBlock {
		metrics.SyncLagSet(w.chainID, window.ConfirmedTip-window.ToBlock)
	}
	for _, event := range applied {
		metrics.EventAppliedInc(w.chainID, event.Name())
	}

	w.log.Infof("committed window [%d, %d]: %d events applied, %d skipped",
		window.FromBlock, window.ToBlock, len(applied), len(events)-len(applied))

	if len(applied) > 0 {
		if err := w.notifier.EventsApplied(ctx, applied); err != nil {
			w.log.Errorf("notifier failed for window [%d, %d]: %v",
				window.FromBlock, window.ToBlock, err)
		}
	}

	return nil
}

// RollbackTo discards everything above the common ancestor and rebuilds
// the projections from the surviving raw events, all in one transaction
// together with the ledger rollback and the checkpoint reset.
func (w *Writer) RollbackTo(ctx context.Context, ancestor *reorg.LedgerEntry) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			w.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	result, err := tx.Exec(
		`DELETE FROM raw_events WHERE chain_id = ? AND block_number > ?`,
		w.chainID, ancestor.Height,
	)
	if err != nil {
		return fmt.Errorf("failed to discard orphaned raw events: %w", err)
	}
	discarded, _ := result.RowsAffected()

	// Projected state is last-write-wins, so orphaned updates cannot be
	// undone in place. Rebuild the chain's projections from the surviving
	// raw events instead.
	for _, table := range []string{"profiles", "skill_claims", "endorsements", "verifiers"} {
		if _, err := tx.Exec(
			fmt.Sprintf(`DELETE FROM %s WHERE chain_id = ?`, table), w.chainID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	var survivors []*RawEvent
	err = meddler.QueryAll(tx, &survivors,
		`SELECT * FROM raw_events WHERE chain_id = ? ORDER BY block_number ASC, log_index ASC`,
		w.chainID)
	if err != nil {
		return fmt.Errorf("failed to load surviving raw events: %w", err)
	}

	replayed := 0
	for _, raw := range survivors {
		if !raw.Payload.Valid {
			// Undecoded log, nothing to project
			continue
		}

		event, err := decoder.UnmarshalPayload(raw.EventName, []byte(raw.Payload.String))
		if err != nil {
			return fmt.Errorf("failed to replay event at tx %s log %d: %w",
				raw.TxHash.Hex(), raw.LogIndex, err)
		}

		if err := w.applyTx(tx, event); err != nil {
			return fmt.Errorf("failed to replay event at tx %s log %d: %w",
				raw.TxHash.Hex(), raw.LogIndex, err)
		}
		replayed++
	}

	if err := w.detector.RollbackLedgerTx(tx, ancestor, ancestor.BlockHash); err != nil {
		return err
	}

	if err := w.checkpoints.ResetTx(tx, w.chainID, ancestor.Height, ancestor.BlockHash); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	metrics.LastIndexedHeightSet(w.chainID, ancestor.Height)

	w.log.Warnf("rolled back to height %d: discarded %d raw events, replayed %d",
		ancestor.Height, discarded, replayed)

	return nil
}

// insertRawTx records the event at its position. Returns false when the
// position already exists, meaning the event was applied by a previous run.
// Undecoded events are stored with a NULL payload.
func (w *Writer) insertRawTx(tx *sql.Tx, event decoder.Event) (bool, error) {
	var payload any
	if _, undecoded := event.(*decoder.Undecoded); !undecoded {
		marshaled, err := decoder.MarshalPayload(event)
		if err != nil {
			return false, err
		}
		payload = string(marshaled)
	}

	meta := event.Metadata()

	const query = `
		INSERT INTO raw_events
			(chain_id, tx_hash, log_index, block_number, block_hash, contract_address, event_name, payload, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, tx_hash, log_index) DO NOTHING
	`

	result, err := tx.Exec(query,
		meta.ChainID,
		meta.TxHash.Hex(),
		meta.LogIndex,
		meta.BlockNumber,
		meta.BlockHash.Hex(),
		meta.Contract.Hex(),
		event.Name(),
		payload,
		time.Now().Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert raw event: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check raw event insert: %w", err)
	}

	return rows > 0, nil
}

// applyTx routes one event to its projection update.
func (w *Writer) applyTx(tx *sql.Tx, event decoder.Event) error {
	switch e := event.(type) {
	case *decoder.ProfileCreated:
		return w.applyProfileCreated(tx, e)
	case *decoder.ProfileUpdated:
		return w.applyProfileUpdated(tx, e)
	case *decoder.SkillClaimSubmitted:
		return w.applySkillClaimSubmitted(tx, e)
	case *decoder.SkillClaimRevoked:
		return w.applySkillClaimRevoked(tx, e)
	case *decoder.EndorsementIssued:
		return w.applyEndorsementIssued(tx, e)
	case *decoder.EndorsementRevoked:
		return w.applyEndorsementRevoked(tx, e)
	case *decoder.VerifierRegistered:
		return w.applyVerifierRegistered(tx, e)
	case *decoder.VerifierRemoved:
		return w.applyVerifierRemoved(tx, e)
	case *decoder.ClaimVerified:
		return w.applyClaimVerified(tx, e)
	default:
		return fmt.Errorf("no projection for event %s", event.Name())
	}
}

func (w *Writer) dependencyError(event decoder.Event, entity, key string) error {
	meta := event.Metadata()
	return &DependencyError{
		ChainID:   meta.ChainID,
		EventName: event.Name(),
		Entity:    entity,
		Key:       key,
		TxHash:    meta.TxHash,
		LogIndex:  meta.LogIndex,
	}
}

func (w *Writer) applyProfileCreated(tx *sql.Tx, e *decoder.ProfileCreated) error {
	const query = `
		INSERT INTO profiles (chain_id, profile_id, owner, handle, metadata_uri, created_block, updated_block)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, profile_id) DO UPDATE SET
			owner = excluded.owner,
			handle = excluded.handle,
			metadata_uri = excluded.metadata_uri,
			updated_block = excluded.updated_block
	`

	_, err := tx.Exec(query,
		e.ChainID, e.ProfileID, e.Owner.Hex(), e.Handle, e.MetadataURI,
		e.BlockNumber, e.BlockNumber)
	if err != nil {
		return fmt.Errorf("failed to apply ProfileCreated: %w", err)
	}
	return nil
}

func (w *Writer) applyProfileUpdated(tx *sql.Tx, e *decoder.ProfileUpdated) error {
	result, err := tx.Exec(
		`UPDATE profiles SET metadata_uri = ?, updated_block = ? WHERE chain_id = ? AND profile_id = ?`,
		e.MetadataURI, e.BlockNumber, e.ChainID, e.ProfileID)
	if err != nil {
		return fmt.Errorf("failed to apply ProfileUpdated: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return w.dependencyError(e, "profile", e.ProfileID)
	}
	return nil
}

func (w *Writer) applySkillClaimSubmitted(tx *sql.Tx, e *decoder.SkillClaimSubmitted) error {
	if ok, err := w.existsTx(tx,
		`SELECT 1 FROM profiles WHERE chain_id = ? AND profile_id = ?`,
		e.ChainID, e.ProfileID); err != nil {
		return err
	} else if !ok {
		return w.dependencyError(e, "profile", e.ProfileID)
	}

	const query = `
		INSERT INTO skill_claims (chain_id, claim_id, profile_id, skill, level, status, verifier, created_block, updated_block)
		VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?)
		ON CONFLICT(chain_id, claim_id) DO UPDATE SET
			profile_id = excluded.profile_id,
			skill = excluded.skill,
			level = excluded.level,
			status = excluded.status,
			verifier = NULL,
			updated_block = excluded.updated_block
	`

	_, err := tx.Exec(query,
		e.ChainID, e.ClaimID, e.ProfileID, e.Skill, e.Level, ClaimStatusActive,
		e.BlockNumber, e.BlockNumber)
	if err != nil {
		return fmt.Errorf("failed to apply SkillClaimSubmitted: %w", err)
	}
	return nil
}

func (w *Writer) applySkillClaimRevoked(tx *sql.Tx, e *decoder.SkillClaimRevoked) error {
	result, err := tx.Exec(
		`UPDATE skill_claims SET status = ?, updated_block = ? WHERE chain_id = ? AND claim_id = ?`,
		ClaimStatusRevoked, e.BlockNumber, e.ChainID, e.ClaimID)
	if err != nil {
		return fmt.Errorf("failed to apply SkillClaimRevoked: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return w.dependencyError(e, "claim", e.ClaimID)
	}
	return nil
}

func (w *Writer) applyEndorsementIssued(tx *sql.Tx, e *decoder.EndorsementIssued) error {
	if ok, err := w.existsTx(tx,
		`SELECT 1 FROM skill_claims WHERE chain_id = ? AND claim_id = ?`,
		e.ChainID, e.ClaimID); err != nil {
		return err
	} else if !ok {
		return w.dependencyError(e, "claim", e.ClaimID)
	}

	const query = `
		INSERT INTO endorsements (chain_id, endorsement_id, claim_id, endorser, weight, revoked, created_block, updated_block)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(chain_id, endorsement_id) DO UPDATE SET
			claim_id = excluded.claim_id,
			endorser = excluded.endorser,
			weight = excluded.weight,
			revoked = 0,
			updated_block = excluded.updated_block
	`

	_, err := tx.Exec(query,
		e.ChainID, e.EndorsementID, e.ClaimID, e.Endorser.Hex(), e.Weight,
		e.BlockNumber, e.BlockNumber)
	if err != nil {
		return fmt.Errorf("failed to apply EndorsementIssued: %w", err)
	}
	return nil
}

func (w *Writer) applyEndorsementRevoked(tx *sql.Tx, e *decoder.EndorsementRevoked) error {
	result, err := tx.Exec(
		`UPDATE endorsements SET revoked = 1, updated_block = ? WHERE chain_id = ? AND endorsement_id = ?`,
		e.BlockNumber, e.ChainID, e.EndorsementID)
	if err != nil {
		return fmt.Errorf("failed to apply EndorsementRevoked: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return w.dependencyError(e, "endorsement", e.EndorsementID)
	}
	return nil
}

func (w *Writer) applyVerifierRegistered(tx *sql.Tx, e *decoder.VerifierRegistered) error {
	const query = `
		INSERT INTO verifiers (chain_id, verifier, active, registered_block, updated_block)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(chain_id, verifier) DO UPDATE SET
			active = 1,
			updated_block = excluded.updated_block
	`

	_, err := tx.Exec(query, e.ChainID, e.Verifier.Hex(), e.BlockNumber, e.BlockNumber)
	if err != nil {
		return fmt.Errorf("failed to apply VerifierRegistered: %w", err)
	}
	return nil
}

func (w *Writer) applyVerifierRemoved(tx *sql.Tx, e *decoder.VerifierRemoved) error {
	result, err := tx.Exec(
		`UPDATE verifiers SET active = 0, updated_block = ? WHERE chain_id = ? AND verifier = ?`,
		e.BlockNumber, e.ChainID, e.Verifier.Hex())
	if err != nil {
		return fmt.Errorf("failed to apply VerifierRemoved: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return w.dependencyError(e, "verifier", e.Verifier.Hex())
	}
	return nil
}

func (w *Writer) applyClaimVerified(tx *sql.Tx, e *decoder.ClaimVerified) error {
	if ok, err := w.existsTx(tx,
		`SELECT 1 FROM verifiers WHERE chain_id = ? AND verifier = ? AND active = 1`,
		e.ChainID, e.Verifier.Hex()); err != nil {
		return err
	} else if !ok {
		return w.dependencyError(e, "verifier", e.Verifier.Hex())
	}

	result, err := tx.Exec(
		`UPDATE skill_claims SET status = ?, verifier = ?, updated_block = ?
		 WHERE chain_id = ? AND claim_id = ?`,
		ClaimStatusVerified, e.Verifier.Hex(), e.BlockNumber, e.ChainID, e.ClaimID)
	if err != nil {
		return fmt.Errorf("failed to apply ClaimVerified: %w", err)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		return w.dependencyError(e, "claim", e.ClaimID)
	}
	return nil
}

func (w *Writer) existsTx(tx *sql.Tx, query string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRow(query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check dependency: %w", err)
	}
	return true, nil
}
