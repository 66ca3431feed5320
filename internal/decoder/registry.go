package decoder

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/skillforge/chainsync/internal/config"
	"github.com/skillforge/chainsync/internal/logger"
)

// DecodeError is returned when a log matched a registered event but its
// payload does not fit the event's layout. The offending log is recorded
// and skipped so one malformed log cannot stall the chain.
type DecodeError struct {
	ChainID   uint64
	EventName string
	TxHash    common.Hash
	LogIndex  uint
	Reason    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("chain %d: failed to decode %s at tx %s log %d: %v",
		e.ChainID, e.EventName, e.TxHash.Hex(), e.LogIndex, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Reason }

type decodeFunc func(meta Meta, log *types.Log) (Event, error)

type registration struct {
	name   string
	decode decodeFunc
}

type catalogEntry struct {
	signature string
	decode    decodeFunc
}

// catalog is the set of events the engine knows how to decode, keyed by
// event name as it appears in configuration.
var catalog = map[string]catalogEntry{
	"ProfileCreated": {
		signature: "ProfileCreated(uint256,address,string,string)",
		decode:    decodeProfileCreated,
	},
	"ProfileUpdated": {
		signature: "ProfileUpdated(uint256,string)",
		decode:    decodeProfileUpdated,
	},
	"SkillClaimSubmitted": {
		signature: "SkillClaimSubmitted(uint256,uint256,string,uint8)",
		decode:    decodeSkillClaimSubmitted,
	},
	"SkillClaimRevoked": {
		signature: "SkillClaimRevoked(uint256)",
		decode:    decodeSkillClaimRevoked,
	},
	"EndorsementIssued": {
		signature: "EndorsementIssued(uint256,uint256,address,uint8)",
		decode:    decodeEndorsementIssued,
	},
	"EndorsementRevoked": {
		signature: "EndorsementRevoked(uint256)",
		decode:    decodeEndorsementRevoked,
	},
	"VerifierRegistered": {
		signature: "VerifierRegistered(address)",
		decode:    decodeVerifierRegistered,
	},
	"VerifierRemoved": {
		signature: "VerifierRemoved(address)",
		decode:    decodeVerifierRemoved,
	},
	"ClaimVerified": {
		signature: "ClaimVerified(uint256,address)",
		decode:    decodeClaimVerified,
	},
}

// Registry maps (contract address, topic0) pairs to decoders for the
// events configured on that contract.
type Registry struct {
	chainID  uint64
	log      *logger.Logger
	handlers map[common.Address]map[common.Hash]registration
}

// NewRegistry builds a registry from the configured contracts. Unknown
// event names are a configuration error.
func NewRegistry(chainID uint64, contracts []config.ContractConfig, log *logger.Logger) (*Registry, error) {
	handlers := make(map[common.Address]map[common.Hash]registration)

	for _, contract := range contracts {
		address := common.HexToAddress(contract.Address)
		topics, exists := handlers[address]
		if !exists {
			topics = make(map[common.Hash]registration)
			handlers[address] = topics
		}

		for _, name := range contract.Events {
			entry, known := catalog[name]
			if !known {
				return nil, fmt.Errorf("unknown event %q for contract %s", name, contract.Address)
			}

			topic := crypto.Keccak256Hash([]byte(entry.signature))
			topics[topic] = registration{
				name:   name,
				decode: entry.decode,
			}
		}
	}

	return &Registry{
		chainID:  chainID,
		log:      log,
		handlers: handlers,
	}, nil
}

// Addresses returns the monitored contract addresses for log filtering.
func (r *Registry) Addresses() []common.Address {
	addresses := make([]common.Address, 0, len(r.handlers))
	for address := range r.handlers {
		addresses = append(addresses, address)
	}
	return addresses
}

// TopicFilter returns the topic0 filter covering every registered event.
func (r *Registry) TopicFilter() [][]common.Hash {
	seen := make(map[common.Hash]struct{})
	var topic0 []common.Hash

	for _, topics := range r.handlers {
		for topic := range topics {
			if _, dup := seen[topic]; dup {
				continue
			}
			seen[topic] = struct{}{}
			topic0 = append(topic0, topic)
		}
	}

	return [][]common.Hash{topic0}
}

// Decode turns a raw log into a domain event. Logs from untracked
// addresses return (nil, nil) and are ignored. A log from a tracked
// contract whose topic0 is not registered for that contract returns an
// *Undecoded event so the log is still recorded. A registered log with a
// malformed payload returns a *DecodeError.
func (r *Registry) Decode(log *types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, nil
	}

	topics, tracked := r.handlers[log.Address]
	if !tracked {
		return nil, nil
	}

	meta := Meta{
		ChainID:     r.chainID,
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash,
		TxHash:      log.TxHash,
		TxIndex:     log.TxIndex,
		LogIndex:    log.Index,
		Contract:    log.Address,
	}

	// The filter query crosses every address with every topic, so a topic
	// registered for another contract can still arrive from this one.
	reg, registered := topics[log.Topics[0]]
	if !registered {
		return &Undecoded{
			Meta:      meta,
			EventName: log.Topics[0].Hex(),
			Reason:    "no event registered for topic",
		}, nil
	}

	event, err := reg.decode(meta, log)
	if err != nil {
		return nil, &DecodeError{
			ChainID:   r.chainID,
			EventName: reg.name,
			TxHash:    log.TxHash,
			LogIndex:  log.Index,
			Reason:    err,
		}
	}

	return event, nil
}

func topicCountError(expected, got int) error {
	return fmt.Errorf("expected %d topics, got %d", expected, got)
}

func uint256Topic(topic common.Hash) string {
	return new(big.Int).SetBytes(topic.Bytes()).String()
}

func addressTopic(topic common.Hash) common.Address {
	return common.BytesToAddress(topic.Bytes())
}

var (
	abiString, _ = abi.NewType("string", "", nil)
	abiUint8, _  = abi.NewType("uint8", "", nil)
)

func decodeProfileCreated(meta Meta, log *types.Log) (Event, error) {
	const expectedTopics = 3
	if len(log.Topics) != expectedTopics {
		return nil, topicCountError(expectedTopics, len(log.Topics))
	}

	args := abi.Arguments{
		{Name: "handle", Type: abiString},
		{Name: "metadataUri", Type: abiString},
	}
	values, err := args.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack data: %w", err)
	}

	handle, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("handle is not a string")
	}
	metadataURI, ok := values[1].(string)
	if !ok {
		return nil, fmt.Errorf("metadataUri is not a string")
	}

	return &ProfileCreated{
		Meta:        meta,
		ProfileID:   uint256Topic(log.Topics[1]),
		Owner:       addressTopic(log.Topics[2]),
		Handle:      handle,
		MetadataURI: metadataURI,
	}, nil
}

func decodeProfileUpdated(meta Meta, log *types.Log) (Event, error) {
	const expectedTopics = 2
	if len(log.Topics) != expectedTopics {
		return nil, topicCountError(expectedTopics, len(log.Topics))
	}

	args := abi.Arguments{
		{Name: "metadataUri", Type: abiString},
	}
	values, err := args.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack data: %w", err)
	}

	metadataURI, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("metadataUri is not a string")
	}

	return &ProfileUpdated{
		Meta:        meta,
		ProfileID:   uint256Topic(log.Topics[1]),
		MetadataURI: metadataURI,
	}, nil
}

func decodeSkillClaimSubmitted(meta Meta, log *types.Log) (Event, error) {
	const expectedTopics = 3
	if len(log.Topics) != expectedTopics {
		return nil, topicCountError(expectedTopics, len(log.Topics))
	}

	args := abi.Arguments{
		{Name: "skill", Type: abiString},
		{Name: "level", Type: abiUint8},
	}
	values, err := args.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack data: %w", err)
	}

	skill, ok := values[0].(string)
	if !ok {
		return nil, fmt.Errorf("skill is not a string")
	}
	level, ok := values[1].(uint8)
	if !ok {
		return nil, fmt.Errorf("level is not a uint8")
	}

	return &SkillClaimSubmitted{
		Meta:      meta,
		ClaimID:   uint256Topic(log.Topics[1]),
		ProfileID: uint256Topic(log.Topics[2]),
		Skill:     skill,
		Level:     level,
	}, nil
}

func decodeSkillClaimRevoked(meta Meta, log *types.Log) (Event, error) {
	const expectedTopics = 2
	if len(log.Topics) != expectedTopics {
		return nil, topicCountError(expectedTopics, len(log.Topics))
	}

	return &SkillClaimRevoked{
		Meta:    meta,
		ClaimID: uint256Topic(log.Topics[1]),
	}, nil
}

func decodeEndorsementIssued(meta Meta, log *types.Log) (Event, error) {
	const expectedTopics = 4
	if len(log.Topics) != expectedTopics {
		return nil, topicCountError(expectedTopics, len(log.Topics))
	}

	args := abi.Arguments{
		{Name: "weight", Type: abiUint8},
	}
	values, err := args.Unpack(log.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack data: %w", err)
	}

	weight, ok := values[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("weight is not a uint8")
	}

	return &EndorsementIssued{
		Meta:          meta,
		EndorsementID: uint256Topic(log.Topics[1]),
		ClaimID:       uint256Topic(log.Topics[2]),
		Endorser:      addressTopic(log.Topics[3]),
		Weight:        weight,
	}, nil
}

func decodeEndorsementRevoked(meta Meta, log *types.Log) (Event, error) {
	const expectedTopics = 2
	if len(log.Topics) != expectedTopics {
		return nil, topicCountError(expectedTopics, len(log.Topics))
	}

	return &EndorsementRevoked{
		Meta:          meta,
		EndorsementID: uint256Topic(log.Topics[1]),
	}, nil
}

func decodeVerifierRegistered(meta Meta, log *types.Log) (Event, error) {
	const expectedTopics = 2
	if len(log.Topics) != expectedTopics {
		return nil, topicCountError(expectedTopics, len(log.Topics))
	}

	return &VerifierRegistered{
		Meta:     meta,
		Verifier: addressTopic(log.Topics[1]),
	}, nil
}

func decodeVerifierRemoved(meta Meta, log *types.Log) (Event, error) {
	const expectedTopics = 2
	if len(log.Topics) != expectedTopics {
		return nil, topicCountError(expectedTopics, len(log.Topics))
	}

	return &VerifierRemoved{
		Meta:     meta,
		Verifier: addressTopic(log.Topics[1]),
	}, nil
}

func decodeClaimVerified(meta Meta, log *types.Log) (Event, error) {
	const expectedTopics = 3
	if len(log.Topics) != expectedTopics {
		return nil, topicCountError(expectedTopics, len(log.Topics))
	}

	return &ClaimVerified{
		Meta:     meta,
		ClaimID:  uint256Topic(log.Topics[1]),
		Verifier: addressTopic(log.Topics[2]),
	}, nil
}
