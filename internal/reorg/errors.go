package reorg

import "fmt"

// ReorgDetectedError is returned when a blockchain reorganization is detected.
// The sync loop reacts by rolling back to the common ancestor and resuming
// from there.
type ReorgDetectedError struct {
	ChainID         uint64
	FirstReorgBlock uint64
	Details         string
}

func (e *ReorgDetectedError) Error() string {
	return fmt.Sprintf("chain %d: reorg detected at block %d: %s", e.ChainID, e.FirstReorgBlock, e.Details)
}

// NewReorgError creates a new ReorgDetectedError.
func NewReorgError(chainID, firstReorgBlock uint64, details string) error {
	return &ReorgDetectedError{
		ChainID:         chainID,
		FirstReorgBlock: firstReorgBlock,
		Details:         details,
	}
}

// HaltError is a fatal condition the engine must not recover from on its
// own, such as a reorg deeper than the configured maximum. The loop that
// hits it stops and waits for operator intervention.
type HaltError struct {
	ChainID uint64
	Reason  string
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("chain %d halted: %s", e.ChainID, e.Reason)
}

// NewHaltError creates a new HaltError.
func NewHaltError(chainID uint64, reason string) error {
	return &HaltError{
		ChainID: chainID,
		Reason:  reason,
	}
}
