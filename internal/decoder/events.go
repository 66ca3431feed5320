package decoder

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Meta carries the chain position of a decoded event. Position is what
// makes applies idempotent: (chain id, tx hash, log index) is unique.
type Meta struct {
	ChainID     uint64         `json:"chainId"`
	BlockNumber uint64         `json:"blockNumber"`
	BlockHash   common.Hash    `json:"blockHash"`
	TxHash      common.Hash    `json:"txHash"`
	TxIndex     uint           `json:"txIndex"`
	LogIndex    uint           `json:"logIndex"`
	Contract    common.Address `json:"contract"`
}

// Event is a decoded domain event. Concrete types embed Meta and add the
// event's payload fields. uint256 identifiers are carried as decimal
// strings so they survive JSON round-trips losslessly.
type Event interface {
	Name() string
	Metadata() *Meta
}

// ProfileCreated is emitted when a new profile is registered.
type ProfileCreated struct {
	Meta
	ProfileID   string         `json:"profileId"`
	Owner       common.Address `json:"owner"`
	Handle      string         `json:"handle"`
	MetadataURI string         `json:"metadataUri"`
}

func (e *ProfileCreated) Name() string    { return "ProfileCreated" }
func (e *ProfileCreated) Metadata() *Meta { return &e.Meta }

// ProfileUpdated is emitted when a profile's metadata changes.
type ProfileUpdated struct {
	Meta
	ProfileID   string `json:"profileId"`
	MetadataURI string `json:"metadataUri"`
}

func (e *ProfileUpdated) Name() string    { return "ProfileUpdated" }
func (e *ProfileUpdated) Metadata() *Meta { return &e.Meta }

// SkillClaimSubmitted is emitted when a profile claims a skill.
type SkillClaimSubmitted struct {
	Meta
	ClaimID   string `json:"claimId"`
	ProfileID string `json:"profileId"`
	Skill     string `json:"skill"`
	Level     uint8  `json:"level"`
}

func (e *SkillClaimSubmitted) Name() string    { return "SkillClaimSubmitted" }
func (e *SkillClaimSubmitted) Metadata() *Meta { return &e.Meta }

// SkillClaimRevoked is emitted when a claim is withdrawn by its owner.
type SkillClaimRevoked struct {
	Meta
	ClaimID string `json:"claimId"`
}

func (e *SkillClaimRevoked) Name() string    { return "SkillClaimRevoked" }
func (e *SkillClaimRevoked) Metadata() *Meta { return &e.Meta }

// EndorsementIssued is emitted when an endorser backs a claim.
type EndorsementIssued struct {
	Meta
	EndorsementID string         `json:"endorsementId"`
	ClaimID       string         `json:"claimId"`
	Endorser      common.Address `json:"endorser"`
	Weight        uint8          `json:"weight"`
}

func (e *EndorsementIssued) Name() string    { return "EndorsementIssued" }
func (e *EndorsementIssued) Metadata() *Meta { return &e.Meta }

// EndorsementRevoked is emitted when an endorsement is withdrawn.
type EndorsementRevoked struct {
	Meta
	EndorsementID string `json:"endorsementId"`
}

func (e *EndorsementRevoked) Name() string    { return "EndorsementRevoked" }
func (e *EndorsementRevoked) Metadata() *Meta { return &e.Meta }

// VerifierRegistered is emitted when an address gains verifier status.
type VerifierRegistered struct {
	Meta
	Verifier common.Address `json:"verifier"`
}

func (e *VerifierRegistered) Name() string    { return "VerifierRegistered" }
func (e *VerifierRegistered) Metadata() *Meta { return &e.Meta }

// VerifierRemoved is emitted when an address loses verifier status.
type VerifierRemoved struct {
	Meta
	Verifier common.Address `json:"verifier"`
}

func (e *VerifierRemoved) Name() string    { return "VerifierRemoved" }
func (e *VerifierRemoved) Metadata() *Meta { return &e.Meta }

// ClaimVerified is emitted when a registered verifier attests a claim.
type ClaimVerified struct {
	Meta
	ClaimID  string         `json:"claimId"`
	Verifier common.Address `json:"verifier"`
}

func (e *ClaimVerified) Name() string    { return "ClaimVerified" }
func (e *ClaimVerified) Metadata() *Meta { return &e.Meta }

// Undecoded marks a log that matched a registered event but could not be
// decoded. It is recorded at its position with a NULL payload so the log is
// never refetched, but it carries no state and is never projected.
type Undecoded struct {
	Meta
	EventName string
	Reason    string
}

func (e *Undecoded) Name() string    { return e.EventName }
func (e *Undecoded) Metadata() *Meta { return &e.Meta }

// MarshalPayload serializes an event for durable storage alongside its
// position.
func MarshalPayload(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event.Name(), err)
	}
	return payload, nil
}

// UnmarshalPayload reconstructs a stored event by name. Used to replay
// surviving raw events into projections after a rollback.
func UnmarshalPayload(name string, payload []byte) (Event, error) {
	var event Event

	switch name {
	case "ProfileCreated":
		event = &ProfileCreated{}
	case "ProfileUpdated":
		event = &ProfileUpdated{}
	case "SkillClaimSubmitted":
		event = &SkillClaimSubmitted{}
	case "SkillClaimRevoked":
		event = &SkillClaimRevoked{}
	case "EndorsementIssued":
		event = &EndorsementIssued{}
	case "EndorsementRevoked":
		event = &EndorsementRevoked{}
	case "VerifierRegistered":
		event = &VerifierRegistered{}
	case "VerifierRemoved":
		event = &VerifierRemoved{}
	case "ClaimVerified":
		event = &ClaimVerified{}
	default:
		return nil, fmt.Errorf("unknown event name %q", name)
	}

	if err := json.Unmarshal(payload, event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", name, err)
	}

	return event, nil
}
