package engine

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/skillforge/chainsync/internal/checkpoint"
	internalcommon "github.com/skillforge/chainsync/internal/common"
	"github.com/skillforge/chainsync/internal/config"
	"github.com/skillforge/chainsync/internal/db"
	"github.com/skillforge/chainsync/internal/decoder"
	"github.com/skillforge/chainsync/internal/fetcher"
	"github.com/skillforge/chainsync/internal/logger"
	"github.com/skillforge/chainsync/internal/migrations"
	"github.com/skillforge/chainsync/internal/projection"
	"github.com/skillforge/chainsync/internal/reorg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = uint64(1)

var testContract = common.HexToAddress("0x1111111111111111111111111111111111111111")

// scriptedClient implements rpc.ChainClient over a mutable set of branches.
type scriptedClient struct {
	mu sync.Mutex

	headers map[uint64]*types.Header
	logs    map[uint64][]types.Log

	finalizedCalls int
	onFinalized    func(call int, c *scriptedClient)
}

func (c *scriptedClient) Close() {}

func (c *scriptedClient) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var logs []types.Log
	for height := query.FromBlock.Uint64(); height <= query.ToBlock.Uint64(); height++ {
		logs = append(logs, c.logs[height]...)
	}
	return logs, nil
}

func (c *scriptedClient) HeaderByHeight(ctx context.Context, height uint64) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers[height], nil
}

func (c *scriptedClient) LatestHeader(ctx context.Context) (*types.Header, error) {
	return c.FinalizedHeader(ctx)
}

func (c *scriptedClient) FinalizedHeader(ctx context.Context) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finalizedCalls++
	if c.onFinalized != nil {
		c.onFinalized(c.finalizedCalls, c)
	}

	var tip *types.Header
	for _, header := range c.headers {
		if tip == nil || header.Number.Uint64() > tip.Number.Uint64() {
			tip = header
		}
	}
	if tip == nil {
		return nil, errors.New("no blocks")
	}
	return tip, nil
}

func (c *scriptedClient) SafeHeader(ctx context.Context) (*types.Header, error) {
	return c.FinalizedHeader(ctx)
}

func (c *scriptedClient) BatchHeaders(ctx context.Context, heights []uint64) ([]*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	headers := make([]*types.Header, len(heights))
	for i, height := range heights {
		headers[i] = c.headers[height]
	}
	return headers, nil
}

// setBranch replaces the client's view of the chain.
func (c *scriptedClient) setBranch(headers []*types.Header, logs map[uint64][]types.Log) {
	byHeight := make(map[uint64]*types.Header, len(headers))
	for _, header := range headers {
		byHeight[header.Number.Uint64()] = header
	}
	c.headers = byHeight
	if logs == nil {
		logs = make(map[uint64][]types.Log)
	}
	c.logs = logs
}

// buildChain builds a parent-linked run of headers starting at startHeight.
func buildChain(startHeight uint64, parentHash common.Hash, length int, seed uint64) []*types.Header {
	headers := make([]*types.Header, 0, length)
	prev := parentHash
	for i := 0; i < length; i++ {
		header := &types.Header{
			Number:     new(big.Int).SetUint64(startHeight + uint64(i)),
			ParentHash: prev,
			Difficulty: big.NewInt(1),
			GasLimit:   8000000,
			Time:       1600000000 + startHeight + uint64(i) + seed*1000000,
		}
		headers = append(headers, header)
		prev = header.Hash()
	}
	return headers
}

var (
	abiString, _ = abi.NewType("string", "", nil)

	profileCreatedTopic = crypto.Keccak256Hash(
		[]byte("ProfileCreated(uint256,address,string,string)"))
	profileUpdatedTopic = crypto.Keccak256Hash(
		[]byte("ProfileUpdated(uint256,string)"))
	claimSubmittedTopic = crypto.Keccak256Hash(
		[]byte("SkillClaimSubmitted(uint256,uint256,string,uint8)"))
)

func profileCreatedLog(t *testing.T, header *types.Header, logIndex uint, profileID int64) types.Log {
	t.Helper()

	data, err := abi.Arguments{
		{Name: "handle", Type: abiString},
		{Name: "metadataUri", Type: abiString},
	}.Pack("alice", "ipfs://v1")
	require.NoError(t, err)

	return types.Log{
		Address: testContract,
		Topics: []common.Hash{
			profileCreatedTopic,
			common.BigToHash(big.NewInt(profileID)),
			common.BytesToHash(common.HexToAddress("0x2222222222222222222222222222222222222222").Bytes()),
		},
		Data:        data,
		BlockNumber: header.Number.Uint64(),
		BlockHash:   header.Hash(),
		TxHash:      common.BigToHash(big.NewInt(int64(header.Number.Uint64()*1000 + uint64(logIndex)))),
		Index:       logIndex,
	}
}

func profileUpdatedLog(t *testing.T, header *types.Header, logIndex uint, profileID int64, uri string) types.Log {
	t.Helper()

	data, err := abi.Arguments{{Name: "metadataUri", Type: abiString}}.Pack(uri)
	require.NoError(t, err)

	return types.Log{
		Address: testContract,
		Topics: []common.Hash{
			profileUpdatedTopic,
			common.BigToHash(big.NewInt(profileID)),
		},
		Data:        data,
		BlockNumber: header.Number.Uint64(),
		BlockHash:   header.Hash(),
		TxHash:      common.BigToHash(big.NewInt(int64(header.Number.Uint64()*1000 + uint64(logIndex)))),
		Index:       logIndex,
	}
}

type loopEnv struct {
	loop        *Loop
	db          *sql.DB
	checkpoints *checkpoint.Store
	detector    *reorg.Detector
	reader      *projection.Reader
}

func setupTestLoop(t *testing.T, client *scriptedClient) (*loopEnv, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "loop_test_*.db")
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())

	database, err := db.NewSQLiteDB(tmpFile.Name())
	require.NoError(t, err)

	log := logger.NewNopLogger()
	require.NoError(t, migrations.RunMigrationsDB(log, database))

	chainCfg := config.ChainConfig{
		ChainID:       testChainID,
		RPCURL:        "http://localhost:8545",
		StartHeight:   100,
		MaxReorgDepth: 64,
		WindowSize:    10,
		PollInterval:  internalcommon.NewDuration(10 * time.Millisecond),
		Finality:      fetcher.FinalityFinalized,
		Contracts: []config.ContractConfig{
			{
				Address: testContract.Hex(),
				Events:  []string{"ProfileCreated", "ProfileUpdated", "SkillClaimSubmitted"},
			},
		},
	}

	registry, err := decoder.NewRegistry(testChainID, chainCfg.Contracts, log)
	require.NoError(t, err)

	detector := reorg.NewDetector(database, client, log, testChainID, chainCfg.MaxReorgDepth)

	f := fetcher.NewFetcher(fetcher.Config{
		ChainID:    testChainID,
		WindowSize: chainCfg.WindowSize,
		Finality:   chainCfg.Finality,
		Addresses:  registry.Addresses(),
		Topics:     registry.TopicFilter(),
	}, client, log)

	checkpoints := checkpoint.NewStore(database, log)
	writer := projection.NewWriter(database, log, testChainID, checkpoints, detector, nil)

	loop := NewLoop(chainCfg, nil, database, log, f, detector, registry, writer, checkpoints)

	env := &loopEnv{
		loop:        loop,
		db:          database,
		checkpoints: checkpoints,
		detector:    detector,
		reader:      projection.NewReader(database, testChainID),
	}

	cleanup := func() {
		database.Close()
		os.Remove(tmpFile.Name())
	}

	return env, cleanup
}

// waitForHeight polls until the checkpoint reaches the given height.
func waitForHeight(t *testing.T, checkpoints *checkpoint.Store, height uint64) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cp, err := checkpoints.Get(testChainID)
		require.NoError(t, err)
		if cp != nil && cp.Height >= height {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("checkpoint never reached height %d", height)
}

func TestLoop_SyncsToConfirmedTip(t *testing.T) {
	chain := buildChain(100, common.HexToHash("0xdead"), 5, 0)

	client := &scriptedClient{}
	client.setBranch(chain, map[uint64][]types.Log{
		100: {profileCreatedLog(t, chain[0], 0, 42)},
		102: {profileUpdatedLog(t, chain[2], 0, 42, "ipfs://v2")},
	})

	env, cleanup := setupTestLoop(t, client)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.loop.Run(ctx) }()

	waitForHeight(t, env.checkpoints, 104)
	cancel()

	err := <-errCh
	require.ErrorIs(t, err, context.Canceled)

	cp, err := env.checkpoints.Get(testChainID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(104), cp.Height)
	assert.Equal(t, chain[4].Hash(), cp.BlockHash)

	profile, err := env.reader.GetProfile("42")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "ipfs://v2", profile.MetadataURI)

	counts, err := env.reader.GetCounts()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counts.RawEvents)
}

func TestLoop_RecordsUndecodableLog(t *testing.T) {
	chain := buildChain(100, common.HexToHash("0xdead"), 3, 0)

	// Registered topic0 but missing its indexed topics
	malformed := types.Log{
		Address:     testContract,
		Topics:      []common.Hash{profileCreatedTopic},
		BlockNumber: 101,
		BlockHash:   chain[1].Hash(),
		TxHash:      common.BigToHash(big.NewInt(101000)),
		Index:       0,
	}

	client := &scriptedClient{}
	client.setBranch(chain, map[uint64][]types.Log{
		100: {profileCreatedLog(t, chain[0], 0, 42)},
		101: {malformed},
	})

	env, cleanup := setupTestLoop(t, client)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.loop.Run(ctx) }()

	waitForHeight(t, env.checkpoints, 102)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	counts, err := env.reader.GetCounts()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counts.RawEvents, "malformed log is recorded without a payload")
	assert.Equal(t, uint64(1), counts.Profiles)

	var payload sql.NullString
	err = env.db.QueryRow(
		`SELECT payload FROM raw_events WHERE chain_id = ? AND block_number = 101`,
		testChainID).Scan(&payload)
	require.NoError(t, err)
	assert.False(t, payload.Valid, "undecodable log stores a NULL payload")
}

func TestLoop_RecoversFromReorg(t *testing.T) {
	root := buildChain(100, common.HexToHash("0xdead"), 1, 0)
	branchA := append(root, buildChain(101, root[0].Hash(), 1, 0)...)
	branchB := append(root, buildChain(101, root[0].Hash(), 4, 1)...)

	client := &scriptedClient{}
	client.setBranch(branchA, map[uint64][]types.Log{
		100: {profileCreatedLog(t, branchA[0], 0, 42)},
	})

	// After the first window commits, the chain reorganizes above block 100
	client.onFinalized = func(call int, c *scriptedClient) {
		if call == 2 {
			c.setBranch(branchB, map[uint64][]types.Log{
				100: {profileCreatedLog(t, branchB[0], 0, 42)},
				103: {profileUpdatedLog(t, branchB[3], 0, 42, "ipfs://reorged")},
			})
		}
	}

	env, cleanup := setupTestLoop(t, client)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.loop.Run(ctx) }()

	waitForHeight(t, env.checkpoints, 104)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	cp, err := env.checkpoints.Get(testChainID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(104), cp.Height)
	assert.Equal(t, branchB[4].Hash(), cp.BlockHash)

	profile, err := env.reader.GetProfile("42")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "ipfs://reorged", profile.MetadataURI)

	reorgs, err := env.detector.Events(10)
	require.NoError(t, err)
	require.Len(t, reorgs, 1)
	assert.Equal(t, uint64(100), reorgs[0].CommonAncestorHeight)
}

func TestLoop_RetriesMissingDependency(t *testing.T) {
	chain := buildChain(100, common.HexToHash("0xdead"), 2, 0)

	// An update for a profile that was never created. The batch rolls back
	// and the loop retries until the creating event shows up.
	orphan := profileUpdatedLog(t, chain[0], 1, 42, "ipfs://v2")

	client := &scriptedClient{}
	client.setBranch(chain, map[uint64][]types.Log{
		100: {orphan},
	})

	// After two failed passes, the missing ProfileCreated appears ahead of
	// the update in the same block
	client.onFinalized = func(call int, c *scriptedClient) {
		if call == 3 {
			c.logs[100] = []types.Log{profileCreatedLog(t, chain[0], 0, 42), orphan}
		}
	}

	env, cleanup := setupTestLoop(t, client)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.loop.Run(ctx) }()

	waitForHeight(t, env.checkpoints, 101)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	assert.NotEqual(t, StateHalted, env.loop.State())

	profile, err := env.reader.GetProfile("42")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "ipfs://v2", profile.MetadataURI)

	counts, err := env.reader.GetCounts()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counts.RawEvents)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "idle"},
		{StateFetching, "fetching"},
		{StateValidating, "validating"},
		{StateDecoding, "decoding"},
		{StateWriting, "writing"},
		{StateBackoff, "backoff"},
		{StateReorgRecovery, "reorg-recovery"},
		{StateHalted, "halted"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}
