package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/skillforge/chainsync/internal/checkpoint"
	"github.com/skillforge/chainsync/internal/config"
	"github.com/skillforge/chainsync/internal/decoder"
	"github.com/skillforge/chainsync/internal/fetcher"
	"github.com/skillforge/chainsync/internal/logger"
	"github.com/skillforge/chainsync/internal/metrics"
	"github.com/skillforge/chainsync/internal/projection"
	"github.com/skillforge/chainsync/internal/reorg"
	"github.com/skillforge/chainsync/internal/rpc"
	"golang.org/x/sync/errgroup"
)

// Loop drives synchronization for a single chain: plan a window, fetch it,
// validate it against the ledger, decode, apply, advance. One loop owns one
// chain; loops never share mutable state.
type Loop struct {
	cfg         config.ChainConfig
	retry       *config.RetryConfig
	db          *sql.DB
	log         *logger.Logger
	fetcher     *fetcher.Fetcher
	detector    *reorg.Detector
	registry    *decoder.Registry
	writer      *projection.Writer
	checkpoints *checkpoint.Store

	state atomic.Int64
}

// NewLoop wires a sync loop from its collaborators.
func NewLoop(
	cfg config.ChainConfig,
	retry *config.RetryConfig,
	db *sql.DB,
	log *logger.Logger,
	f *fetcher.Fetcher,
	detector *reorg.Detector,
	registry *decoder.Registry,
	writer *projection.Writer,
	checkpoints *checkpoint.Store,
) *Loop {
	return &Loop{
		cfg:         cfg,
		retry:       retry,
		db:          db,
		log:         log,
		fetcher:     f,
		detector:    detector,
		registry:    registry,
		writer:      writer,
		checkpoints: checkpoints,
	}
}

// State returns the loop's current phase.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int64(s))
	metrics.LoopStateSet(l.cfg.ChainID, int(s))
}

// Run executes the sync loop until the context is cancelled or the loop
// halts. Transient failures, including batches rejected for a missing
// dependency, back off and retry indefinitely; only a HaltError or an
// unrecoverable write failure stops the loop.
func (l *Loop) Run(ctx context.Context) error {
	next, err := l.resumeHeight()
	if err != nil {
		return err
	}

	l.log.Infof("sync loop starting at height %d", next)

	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		window, err := l.step(ctx, next)
		switch {
		case err == nil:
			next = window.ToBlock + 1
			failures = 0

		case errors.Is(err, fetcher.ErrCaughtUp):
			failures = 0
			if err := l.idle(ctx); err != nil {
				return err
			}

		case isReorg(err):
			ancestor, recoverErr := l.recoverFromReorg(ctx)
			if recoverErr != nil {
				return l.halt(recoverErr)
			}
			next = ancestor.Height + 1

		case isHalt(err):
			return l.halt(err)

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err

		default:
			// Transient failure: back off and retry the same window
			failures++
			if err := l.backoff(ctx, failures, err); err != nil {
				return err
			}
		}
	}
}

// step runs one fetch-validate-decode-write cycle for the window starting
// at next.
func (l *Loop) step(ctx context.Context, next uint64) (*fetcher.Window, error) {
	l.setState(StateFetching)
	window, err := l.fetcher.Next(ctx, next)
	if err != nil {
		return nil, err
	}

	l.setState(StateValidating)
	if err := l.detector.VerifyWindow(ctx, window.Headers, window.Logs); err != nil {
		return nil, err
	}

	l.setState(StateDecoding)
	events, err := l.decodeWindow(ctx, window)
	if err != nil {
		return nil, err
	}

	l.setState(StateWriting)
	if err := l.writer.ApplyBatch(ctx, window, events); err != nil {
		return nil, err
	}

	return window, nil
}

// decodeWindow decodes the window's logs in parallel and returns the
// decoded events in (block number, log index) order. Logs that fail to
// decode are counted and recorded without a payload so one malformed log
// cannot stall the chain; logs from untracked addresses decode to nil and
// are dropped.
func (l *Loop) decodeWindow(ctx context.Context, window *fetcher.Window) ([]decoder.Event, error) {
	results := make([]decoder.Event, len(window.Logs))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i := range window.Logs {
		g.Go(func() error {
			event, err := l.registry.Decode(&window.Logs[i])
			if err != nil {
				var decodeErr *decoder.DecodeError
				if errors.As(err, &decodeErr) {
					l.log.Warnf("recording undecodable log: %v", decodeErr)
					metrics.DecodeFailureInc(l.cfg.ChainID)
					results[i] = undecodedEvent(l.cfg.ChainID, &window.Logs[i], decodeErr)
					return nil
				}
				return err
			}
			results[i] = event
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// window.Logs is ordered, so compacting preserves apply order
	events := make([]decoder.Event, 0, len(results))
	for _, event := range results {
		if event != nil {
			events = append(events, event)
		}
	}

	return events, nil
}

// undecodedEvent builds the audit record for a log that matched a
// registered event but could not be decoded.
func undecodedEvent(chainID uint64, log *types.Log, decodeErr *decoder.DecodeError) *decoder.Undecoded {
	return &decoder.Undecoded{
		Meta: decoder.Meta{
			ChainID:     chainID,
			BlockNumber: log.BlockNumber,
			BlockHash:   log.BlockHash,
			TxHash:      log.TxHash,
			TxIndex:     log.TxIndex,
			LogIndex:    log.Index,
			Contract:    log.Address,
		},
		EventName: decodeErr.EventName,
		Reason:    decodeErr.Reason.Error(),
	}
}

// recoverFromReorg finds the common ancestor and rolls the store back to
// it. Exceeding the maximum reorg depth surfaces as a HaltError.
func (l *Loop) recoverFromReorg(ctx context.Context) (*reorg.LedgerEntry, error) {
	l.setState(StateReorgRecovery)
	l.log.Warn("reorg detected, searching for common ancestor")

	ancestor, err := l.detector.FindCommonAncestor(ctx)
	if err != nil {
		return nil, err
	}

	if err := l.writer.RollbackTo(ctx, ancestor); err != nil {
		return nil, fmt.Errorf("failed to roll back to ancestor %d: %w", ancestor.Height, err)
	}

	l.log.Infof("reorg recovered, resuming from height %d", ancestor.Height+1)

	return ancestor, nil
}

// idle waits for the poll interval once the loop has caught up with the
// confirmed tip, and prunes finalized entries from the block-hash ledger.
func (l *Loop) idle(ctx context.Context) error {
	l.setState(StateIdle)

	if err := l.pruneLedger(ctx); err != nil {
		l.log.Warnf("ledger pruning failed: %v", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(l.cfg.PollInterval.Duration):
		return nil
	}
}

func (l *Loop) pruneLedger(ctx context.Context) error {
	finalized, err := l.fetcher.FinalizedHeight(ctx)
	if err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			l.log.Errorf("failed to rollback transaction: %v", err)
		}
	}()

	if err := l.detector.PruneTx(tx, finalized); err != nil {
		return err
	}

	return tx.Commit()
}

// backoff pauses the loop after a transient failure. The delay grows
// exponentially with consecutive failures and is capped by the retry
// configuration.
func (l *Loop) backoff(ctx context.Context, failures int, cause error) error {
	l.setState(StateBackoff)

	delay := l.cfg.PollInterval.Duration
	if l.retry != nil {
		attempt := min(failures+1, l.retry.MaxAttempts)
		delay = rpc.CalculateBackoff(attempt, l.retry)
	}

	l.log.Warnf("transient failure (%d consecutive), backing off %s: %v", failures, delay, cause)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// halt marks the loop halted and returns the fatal error.
func (l *Loop) halt(err error) error {
	l.setState(StateHalted)
	metrics.HaltInc(l.cfg.ChainID)
	l.log.Errorf("sync loop halted: %v", err)
	return err
}

// resumeHeight determines where the loop starts: one past the checkpoint,
// or the configured start height on first run.
func (l *Loop) resumeHeight() (uint64, error) {
	cp, err := l.checkpoints.Get(l.cfg.ChainID)
	if err != nil {
		return 0, err
	}

	if cp == nil {
		return l.cfg.StartHeight, nil
	}

	return cp.Height + 1, nil
}

func isReorg(err error) bool {
	var reorgErr *reorg.ReorgDetectedError
	return errors.As(err, &reorgErr)
}

func isHalt(err error) bool {
	var haltErr *reorg.HaltError
	return errors.As(err, &haltErr)
}

