package projection

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/skillforge/chainsync/internal/checkpoint"
	"github.com/skillforge/chainsync/internal/db"
	"github.com/skillforge/chainsync/internal/decoder"
	"github.com/skillforge/chainsync/internal/fetcher"
	"github.com/skillforge/chainsync/internal/logger"
	"github.com/skillforge/chainsync/internal/migrations"
	"github.com/skillforge/chainsync/internal/reorg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChainID = uint64(1)

var (
	testOwner    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	testEndorser = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testVerifier = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// captureNotifier records post-commit notifications.
type captureNotifier struct {
	batches [][]decoder.Event
	err     error
}

func (n *captureNotifier) EventsApplied(ctx context.Context, events []decoder.Event) error {
	n.batches = append(n.batches, events)
	return n.err
}

type testEnv struct {
	db          *sql.DB
	writer      *Writer
	reader      *Reader
	checkpoints *checkpoint.Store
	detector    *reorg.Detector
	notifier    *captureNotifier
}

func setupTestWriter(t *testing.T) (*testEnv, func()) {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "projection_test_*.db")
	require.NoError(t, err)
	require.NoError(t, tmpFile.Close())

	database, err := db.NewSQLiteDB(tmpFile.Name())
	require.NoError(t, err)

	log := logger.NewNopLogger()
	require.NoError(t, migrations.RunMigrationsDB(log, database))

	checkpoints := checkpoint.NewStore(database, log)
	detector := reorg.NewDetector(database, nil, log, testChainID, 64)
	notifier := &captureNotifier{}

	env := &testEnv{
		db:          database,
		writer:      NewWriter(database, log, testChainID, checkpoints, detector, notifier),
		reader:      NewReader(database, testChainID),
		checkpoints: checkpoints,
		detector:    detector,
		notifier:    notifier,
	}

	cleanup := func() {
		database.Close()
		os.Remove(tmpFile.Name())
	}

	return env, cleanup
}

// makeWindow builds a parent-linked window of headers for [from, to].
func makeWindow(from, to uint64, parentHash common.Hash) *fetcher.Window {
	headers := make([]*types.Header, 0, to-from+1)
	prev := parentHash
	for height := from; height <= to; height++ {
		header := &types.Header{
			Number:     new(big.Int).SetUint64(height),
			ParentHash: prev,
			Difficulty: big.NewInt(1),
			GasLimit:   8000000,
			Time:       1600000000 + height,
		}
		headers = append(headers, header)
		prev = header.Hash()
	}

	return &fetcher.Window{
		FromBlock:    from,
		ToBlock:      to,
		ConfirmedTip: to,
		Headers:      headers,
	}
}

// metaAt places an event at a unique chain position.
func metaAt(block uint64, logIndex uint) decoder.Meta {
	return decoder.Meta{
		ChainID:     testChainID,
		BlockNumber: block,
		BlockHash:   common.BigToHash(big.NewInt(int64(block))),
		TxHash:      common.BigToHash(big.NewInt(int64(block*1000 + uint64(logIndex)))),
		LogIndex:    logIndex,
		Contract:    common.HexToAddress("0x1111111111111111111111111111111111111111"),
	}
}

func profileCreatedAt(block uint64, logIndex uint, profileID, handle, uri string) *decoder.ProfileCreated {
	return &decoder.ProfileCreated{
		Meta:        metaAt(block, logIndex),
		ProfileID:   profileID,
		Owner:       testOwner,
		Handle:      handle,
		MetadataURI: uri,
	}
}

func claimSubmittedAt(block uint64, logIndex uint, claimID, profileID string) *decoder.SkillClaimSubmitted {
	return &decoder.SkillClaimSubmitted{
		Meta:      metaAt(block, logIndex),
		ClaimID:   claimID,
		ProfileID: profileID,
		Skill:     "go",
		Level:     4,
	}
}

func TestApplyBatch_CommitsEverythingTogether(t *testing.T) {
	env, cleanup := setupTestWriter(t)
	defer cleanup()

	window := makeWindow(100, 102, common.HexToHash("0xdead"))
	events := []decoder.Event{
		profileCreatedAt(100, 0, "42", "alice", "ipfs://v1"),
		claimSubmittedAt(101, 0, "7", "42"),
	}

	require.NoError(t, env.writer.ApplyBatch(context.Background(), window, events))

	profile, err := env.reader.GetProfile("42")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "alice", profile.Handle)
	assert.Equal(t, testOwner, profile.Owner)
	assert.Equal(t, uint64(100), profile.CreatedBlock)

	claim, err := env.reader.GetClaim("7")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, ClaimStatusActive, claim.Status)
	assert.Nil(t, claim.Verifier)

	cp, err := env.checkpoints.Get(testChainID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(102), cp.Height)
	assert.Equal(t, window.Headers[2].Hash(), cp.BlockHash)

	tip, err := env.detector.Tip()
	require.NoError(t, err)
	require.NotNil(t, tip)
	assert.Equal(t, uint64(102), tip.Height)

	counts, err := env.reader.GetCounts()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counts.RawEvents)

	require.Len(t, env.notifier.batches, 1)
	assert.Len(t, env.notifier.batches[0], 2)
}

func TestApplyBatch_NoHeaders(t *testing.T) {
	env, cleanup := setupTestWriter(t)
	defer cleanup()

	window := &fetcher.Window{FromBlock: 100, ToBlock: 102}

	err := env.writer.ApplyBatch(context.Background(), window, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no headers")
}

func TestApplyBatch_ReapplyIsNoOp(t *testing.T) {
	env, cleanup := setupTestWriter(t)
	defer cleanup()

	window := makeWindow(100, 100, common.HexToHash("0xdead"))
	events := []decoder.Event{
		profileCreatedAt(100, 0, "42", "alice", "ipfs://v1"),
	}

	require.NoError(t, env.writer.ApplyBatch(context.Background(), window, events))
	// Same window again, as after a crash between commit and loop advance
	require.NoError(t, env.writer.ApplyBatch(context.Background(), window, events))

	counts, err := env.reader.GetCounts()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counts.RawEvents, "position is recorded once")
	assert.Equal(t, uint64(1), counts.Profiles)

	require.Len(t, env.notifier.batches, 1, "skipped events are not re-notified")
}

func TestApplyBatch_DependencyErrorRollsBack(t *testing.T) {
	env, cleanup := setupTestWriter(t)
	defer cleanup()

	window := makeWindow(100, 100, common.HexToHash("0xdead"))
	events := []decoder.Event{
		claimSubmittedAt(100, 0, "7", "42"), // profile 42 was never created
	}

	err := env.writer.ApplyBatch(context.Background(), window, events)
	require.Error(t, err)

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "SkillClaimSubmitted", depErr.EventName)
	assert.Equal(t, "profile", depErr.Entity)
	assert.Equal(t, "42", depErr.Key)

	// Nothing from the failed batch is visible
	counts, err := env.reader.GetCounts()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), counts.RawEvents)

	cp, err := env.checkpoints.Get(testChainID)
	require.NoError(t, err)
	assert.Nil(t, cp)

	assert.Empty(t, env.notifier.batches)
}

func TestApplyBatch_NotifierFailureDoesNotFailCommit(t *testing.T) {
	env, cleanup := setupTestWriter(t)
	defer cleanup()

	env.notifier.err = errors.New("webhook down")

	window := makeWindow(100, 100, common.HexToHash("0xdead"))
	events := []decoder.Event{
		profileCreatedAt(100, 0, "42", "alice", "ipfs://v1"),
	}

	require.NoError(t, env.writer.ApplyBatch(context.Background(), window, events))

	cp, err := env.checkpoints.Get(testChainID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(100), cp.Height)
}

func TestApplyBatch_FullLifecycle(t *testing.T) {
	env, cleanup := setupTestWriter(t)
	defer cleanup()

	window := makeWindow(100, 108, common.HexToHash("0xdead"))
	events := []decoder.Event{
		profileCreatedAt(100, 0, "42", "alice", "ipfs://v1"),
		&decoder.ProfileUpdated{Meta: metaAt(101, 0), ProfileID: "42", MetadataURI: "ipfs://v2"},
		claimSubmittedAt(102, 0, "7", "42"),
		&decoder.VerifierRegistered{Meta: metaAt(103, 0), Verifier: testVerifier},
		&decoder.EndorsementIssued{
			Meta: metaAt(104, 0), EndorsementID: "3", ClaimID: "7", Endorser: testEndorser, Weight: 9,
		},
		&decoder.ClaimVerified{Meta: metaAt(105, 0), ClaimID: "7", Verifier: testVerifier},
		&decoder.EndorsementRevoked{Meta: metaAt(106, 0), EndorsementID: "3"},
		&decoder.VerifierRemoved{Meta: metaAt(107, 0), Verifier: testVerifier},
	}

	require.NoError(t, env.writer.ApplyBatch(context.Background(), window, events))

	profile, err := env.reader.GetProfile("42")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "ipfs://v2", profile.MetadataURI)
	assert.Equal(t, uint64(100), profile.CreatedBlock)
	assert.Equal(t, uint64(101), profile.UpdatedBlock)

	claim, err := env.reader.GetClaim("7")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, ClaimStatusVerified, claim.Status)
	require.NotNil(t, claim.Verifier)
	assert.Equal(t, testVerifier, *claim.Verifier)

	endorsements, err := env.reader.EndorsementsByClaim("7")
	require.NoError(t, err)
	require.Len(t, endorsements, 1)
	assert.True(t, endorsements[0].Revoked)
	assert.Equal(t, uint8(9), endorsements[0].Weight)
	assert.Equal(t, testEndorser, endorsements[0].Endorser)

	verifier, err := env.reader.GetVerifier(testVerifier.Hex())
	require.NoError(t, err)
	require.NotNil(t, verifier)
	assert.False(t, verifier.Active)
	assert.Equal(t, uint64(103), verifier.RegisteredBlock)

	claims, err := env.reader.ClaimsByProfile("42")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "7", claims[0].ClaimID)
}

func TestApplyBatch_ClaimVerifiedRequiresActiveVerifier(t *testing.T) {
	env, cleanup := setupTestWriter(t)
	defer cleanup()

	setupWindow := makeWindow(100, 103, common.HexToHash("0xdead"))
	setup := []decoder.Event{
		profileCreatedAt(100, 0, "42", "alice", "ipfs://v1"),
		claimSubmittedAt(101, 0, "7", "42"),
		&decoder.VerifierRegistered{Meta: metaAt(102, 0), Verifier: testVerifier},
		&decoder.VerifierRemoved{Meta: metaAt(103, 0), Verifier: testVerifier},
	}
	require.NoError(t, env.writer.ApplyBatch(context.Background(), setupWindow, setup))

	window := makeWindow(104, 104, setupWindow.Headers[3].Hash())
	events := []decoder.Event{
		&decoder.ClaimVerified{Meta: metaAt(104, 0), ClaimID: "7", Verifier: testVerifier},
	}

	err := env.writer.ApplyBatch(context.Background(), window, events)
	require.Error(t, err)

	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "verifier", depErr.Entity)
}

func TestApplyBatch_RecordsUndecodedWithNullPayload(t *testing.T) {
	env, cleanup := setupTestWriter(t)
	defer cleanup()

	window := makeWindow(100, 101, common.HexToHash("0xdead"))
	events := []decoder.Event{
		profileCreatedAt(100, 0, "42", "alice", "ipfs://alice"),
		&decoder.Undecoded{
			Meta:      metaAt(101, 0),
			EventName: "ProfileUpdated",
			Reason:    "expected 2 topics, got 1",
		},
	}

	require.NoError(t, env.writer.ApplyBatch(context.Background(), window, events))

	counts, err := env.reader.GetCounts()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counts.RawEvents)
	assert.Equal(t, uint64(1), counts.Profiles)

	var payload sql.NullString
	err = env.db.QueryRow(
		`SELECT payload FROM raw_events WHERE chain_id = ? AND block_number = 101`,
		testChainID).Scan(&payload)
	require.NoError(t, err)
	assert.False(t, payload.Valid)

	// Only the projected event is notified
	require.Len(t, env.notifier.batches, 1)
	require.Len(t, env.notifier.batches[0], 1)
	assert.Equal(t, "ProfileCreated", env.notifier.batches[0][0].Name())

	// Rollback replay tolerates the payload-less row
	ancestor := &reorg.LedgerEntry{
		ChainID:   testChainID,
		Height:    101,
		BlockHash: window.Headers[1].Hash(),
	}
	require.NoError(t, env.writer.RollbackTo(context.Background(), ancestor))

	profile, err := env.reader.GetProfile("42")
	require.NoError(t, err)
	require.NotNil(t, profile)

	counts, err = env.reader.GetCounts()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counts.RawEvents, "both raw rows survive a rollback to their height")
}

func TestRollbackTo_RebuildsProjections(t *testing.T) {
	env, cleanup := setupTestWriter(t)
	defer cleanup()

	// Window one: the state that survives the reorg
	windowOne := makeWindow(100, 101, common.HexToHash("0xdead"))
	require.NoError(t, env.writer.ApplyBatch(context.Background(), windowOne, []decoder.Event{
		profileCreatedAt(100, 0, "42", "alice", "ipfs://v1"),
	}))

	// Window two: orphaned by the reorg
	windowTwo := makeWindow(102, 103, windowOne.Headers[1].Hash())
	require.NoError(t, env.writer.ApplyBatch(context.Background(), windowTwo, []decoder.Event{
		&decoder.ProfileUpdated{Meta: metaAt(102, 0), ProfileID: "42", MetadataURI: "ipfs://v2"},
		claimSubmittedAt(103, 0, "7", "42"),
	}))

	ancestor := &reorg.LedgerEntry{
		ChainID:   testChainID,
		Height:    101,
		BlockHash: windowOne.Headers[1].Hash(),
	}

	require.NoError(t, env.writer.RollbackTo(context.Background(), ancestor))

	// The orphaned update is gone and the surviving state was replayed
	profile, err := env.reader.GetProfile("42")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "ipfs://v1", profile.MetadataURI)

	claim, err := env.reader.GetClaim("7")
	require.NoError(t, err)
	assert.Nil(t, claim, "claim from the orphaned window is discarded")

	counts, err := env.reader.GetCounts()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counts.RawEvents)

	cp, err := env.checkpoints.Get(testChainID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, uint64(101), cp.Height)
	assert.Equal(t, ancestor.BlockHash, cp.BlockHash)

	tip, err := env.detector.Tip()
	require.NoError(t, err)
	require.NotNil(t, tip)
	assert.Equal(t, uint64(101), tip.Height)

	reorgs, err := env.detector.Events(10)
	require.NoError(t, err)
	require.Len(t, reorgs, 1)
	assert.Equal(t, uint64(101), reorgs[0].CommonAncestorHeight)
	assert.Equal(t, uint64(2), reorgs[0].BlocksRolledBack)
}

func TestRollbackTo_ResyncAfterRollback(t *testing.T) {
	env, cleanup := setupTestWriter(t)
	defer cleanup()

	windowOne := makeWindow(100, 101, common.HexToHash("0xdead"))
	require.NoError(t, env.writer.ApplyBatch(context.Background(), windowOne, []decoder.Event{
		profileCreatedAt(100, 0, "42", "alice", "ipfs://v1"),
		claimSubmittedAt(101, 0, "7", "42"),
	}))

	windowTwo := makeWindow(102, 102, windowOne.Headers[1].Hash())
	require.NoError(t, env.writer.ApplyBatch(context.Background(), windowTwo, []decoder.Event{
		&decoder.SkillClaimRevoked{Meta: metaAt(102, 0), ClaimID: "7"},
	}))

	ancestor := &reorg.LedgerEntry{
		ChainID:   testChainID,
		Height:    101,
		BlockHash: windowOne.Headers[1].Hash(),
	}
	require.NoError(t, env.writer.RollbackTo(context.Background(), ancestor))

	claim, err := env.reader.GetClaim("7")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, ClaimStatusActive, claim.Status, "revocation was orphaned")

	// The replacement branch revokes the claim at a different position
	replacement := makeWindow(102, 102, windowOne.Headers[1].Hash())
	replacement.Headers[0].Time += 999 // different branch, different hash
	require.NoError(t, env.writer.ApplyBatch(context.Background(), replacement, []decoder.Event{
		&decoder.SkillClaimRevoked{Meta: metaAt(102, 5), ClaimID: "7"},
	}))

	claim, err = env.reader.GetClaim("7")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, ClaimStatusRevoked, claim.Status)
}
