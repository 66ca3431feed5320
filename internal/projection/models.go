package projection

import (
	"database/sql"

	"github.com/ethereum/go-ethereum/common"
)

// Claim status values.
const (
	ClaimStatusActive   = "active"
	ClaimStatusRevoked  = "revoked"
	ClaimStatusVerified = "verified"
)

// RawEvent is the durable record of a decoded event at its chain position.
// The primary key (chain_id, tx_hash, log_index) is the idempotence anchor:
// re-applying a window after a crash inserts nothing and changes nothing.
// Payload is NULL for logs that matched a registered event but failed to
// decode; those rows exist for audit only and are skipped on replay.
type RawEvent struct {
	ChainID     uint64         `meddler:"chain_id"`
	TxHash      common.Hash    `meddler:"tx_hash,hash"`
	LogIndex    uint           `meddler:"log_index"`
	BlockNumber uint64         `meddler:"block_number"`
	BlockHash   common.Hash    `meddler:"block_hash,hash"`
	Contract    common.Address `meddler:"contract_address,address"`
	EventName   string         `meddler:"event_name"`
	Payload     sql.NullString `meddler:"payload"`
	SeenAt      int64          `meddler:"seen_at"`
}

// Profile is the projected state of a profile.
type Profile struct {
	ChainID      uint64         `meddler:"chain_id"`
	ProfileID    string         `meddler:"profile_id"`
	Owner        common.Address `meddler:"owner,address"`
	Handle       string         `meddler:"handle"`
	MetadataURI  string         `meddler:"metadata_uri"`
	CreatedBlock uint64         `meddler:"created_block"`
	UpdatedBlock uint64         `meddler:"updated_block"`
}

// SkillClaim is the projected state of a skill claim.
type SkillClaim struct {
	ChainID      uint64          `meddler:"chain_id"`
	ClaimID      string          `meddler:"claim_id"`
	ProfileID    string          `meddler:"profile_id"`
	Skill        string          `meddler:"skill"`
	Level        uint8           `meddler:"level"`
	Status       string          `meddler:"status"`
	Verifier     *common.Address `meddler:"verifier,address"`
	CreatedBlock uint64          `meddler:"created_block"`
	UpdatedBlock uint64          `meddler:"updated_block"`
}

// Endorsement is the projected state of an endorsement.
type Endorsement struct {
	ChainID       uint64         `meddler:"chain_id"`
	EndorsementID string         `meddler:"endorsement_id"`
	ClaimID       string         `meddler:"claim_id"`
	Endorser      common.Address `meddler:"endorser,address"`
	Weight        uint8          `meddler:"weight"`
	Revoked       bool           `meddler:"revoked"`
	CreatedBlock  uint64         `meddler:"created_block"`
	UpdatedBlock  uint64         `meddler:"updated_block"`
}

// Verifier is the projected state of a verifier registration.
type Verifier struct {
	ChainID         uint64         `meddler:"chain_id"`
	Address         common.Address `meddler:"verifier,address"`
	Active          bool           `meddler:"active"`
	RegisteredBlock uint64         `meddler:"registered_block"`
	UpdatedBlock    uint64         `meddler:"updated_block"`
}
