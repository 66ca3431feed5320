package projection

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// DependencyError is returned when an event references an entity that the
// projections do not contain, such as an endorsement for an unknown claim.
// With gap-free in-order application this means the indexed history is
// incomplete (for example a start height after the entity's creation), so
// the batch is rolled back and the loop halts for operator intervention.
type DependencyError struct {
	ChainID   uint64
	EventName string
	Entity    string
	Key       string
	TxHash    common.Hash
	LogIndex  uint
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("chain %d: %s at tx %s log %d references unknown %s %s",
		e.ChainID, e.EventName, e.TxHash.Hex(), e.LogIndex, e.Entity, e.Key)
}
