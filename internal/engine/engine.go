package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/skillforge/chainsync/internal/checkpoint"
	"github.com/skillforge/chainsync/internal/common"
	"github.com/skillforge/chainsync/internal/config"
	"github.com/skillforge/chainsync/internal/decoder"
	"github.com/skillforge/chainsync/internal/fetcher"
	"github.com/skillforge/chainsync/internal/logger"
	"github.com/skillforge/chainsync/internal/metrics"
	"github.com/skillforge/chainsync/internal/notify"
	"github.com/skillforge/chainsync/internal/projection"
	"github.com/skillforge/chainsync/internal/reorg"
	"github.com/skillforge/chainsync/internal/rpc"
	"golang.org/x/sync/errgroup"
)

// ClientFactory dials a chain client for one chain. Swappable in tests.
type ClientFactory func(ctx context.Context, chain config.ChainConfig) (rpc.ChainClient, error)

// Engine supervises one sync loop per configured chain over a shared
// database. A halted loop stops alone; the others keep running.
type Engine struct {
	cfg       *config.Config
	db        *sql.DB
	log       *logger.Logger
	notifier  notify.Notifier
	dialChain ClientFactory

	loops map[uint64]*Loop
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the notifier receiving post-commit events.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClientFactory overrides how chain clients are dialed.
func WithClientFactory(factory ClientFactory) Option {
	return func(e *Engine) { e.dialChain = factory }
}

// New creates an engine from validated configuration and an open database
// with the schema already migrated.
func New(cfg *config.Config, db *sql.DB, log *logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		db:       db,
		log:      log.WithComponent(common.ComponentEngine),
		notifier: notify.NewLogNotifier(log.WithComponent(common.ComponentNotifier)),
		loops:    make(map[uint64]*Loop),
	}

	e.dialChain = func(ctx context.Context, chain config.ChainConfig) (rpc.ChainClient, error) {
		client, err := rpc.NewClient(ctx, chain.RPCURL)
		if err != nil {
			return nil, err
		}
		return rpc.NewRetryClient(client, cfg.Retry, cfg.CallTimeout.Duration), nil
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Loops returns the running loops keyed by chain id.
func (e *Engine) Loops() map[uint64]*Loop {
	return e.loops
}

// Run builds and supervises one sync loop per configured chain and blocks
// until the context is cancelled or a loop fails with a non-halt error.
// Halted loops are logged and left stopped without cancelling the rest.
func (e *Engine) Run(ctx context.Context) error {
	metrics.ComponentHealthSet(common.ComponentEngine, true)
	defer metrics.ComponentHealthSet(common.ComponentEngine, false)

	g, ctx := errgroup.WithContext(ctx)

	for _, chain := range e.cfg.Chains {
		loop, client, err := e.buildLoop(ctx, chain)
		if err != nil {
			return fmt.Errorf("failed to build loop for chain %d: %w", chain.ChainID, err)
		}

		e.loops[chain.ChainID] = loop

		g.Go(func() error {
			defer client.Close()

			chainLog := e.log.WithChain(chain.ChainID)
			chainLog.Infof("supervising sync loop for chain %d", chain.ChainID)

			err := loop.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}

			// A halted loop waits for operator intervention. Leave the
			// other chains running.
			var haltErr *reorg.HaltError
			if errors.As(err, &haltErr) {
				chainLog.Errorf("chain %d halted, operator intervention required: %v", chain.ChainID, err)
				return nil
			}

			return fmt.Errorf("chain %d sync loop failed: %w", chain.ChainID, err)
		})
	}

	e.log.Infof("engine started with %d chains", len(e.cfg.Chains))

	return g.Wait()
}

// buildLoop wires a chain's client, detector, fetcher, writer and loop.
func (e *Engine) buildLoop(ctx context.Context, chain config.ChainConfig) (*Loop, rpc.ChainClient, error) {
	client, err := e.dialChain(ctx, chain)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", chain.RPCURL, err)
	}

	registry, err := decoder.NewRegistry(chain.ChainID,
		chain.Contracts, e.log.WithComponent(common.ComponentDecoder))
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	detector := reorg.NewDetector(e.db, client,
		e.log.WithComponent(common.ComponentReorgDetector).WithChain(chain.ChainID),
		chain.ChainID, chain.MaxReorgDepth)

	f := fetcher.NewFetcher(fetcher.Config{
		ChainID:           chain.ChainID,
		WindowSize:        chain.WindowSize,
		Finality:          chain.Finality,
		ConfirmationDepth: chain.ConfirmationDepth,
		Addresses:         registry.Addresses(),
		Topics:            registry.TopicFilter(),
	}, client, e.log.WithComponent(common.ComponentFetcher).WithChain(chain.ChainID))

	checkpoints := checkpoint.NewStore(e.db,
		e.log.WithComponent(common.ComponentCheckpoint).WithChain(chain.ChainID))

	writer := projection.NewWriter(e.db,
		e.log.WithComponent(common.ComponentProjection).WithChain(chain.ChainID),
		chain.ChainID, checkpoints, detector, e.notifier)

	loop := NewLoop(chain, e.cfg.Retry, e.db,
		e.log.WithComponent(common.ComponentSyncLoop).WithChain(chain.ChainID),
		f, detector, registry, writer, checkpoints)

	return loop, client, nil
}
