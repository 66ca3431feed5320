package engine

// State is the sync loop's current phase. Exported as a numeric gauge per
// chain, so the encoding is part of the metrics contract.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateValidating
	StateDecoding
	StateWriting
	StateBackoff
	StateReorgRecovery
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateValidating:
		return "validating"
	case StateDecoding:
		return "decoding"
	case StateWriting:
		return "writing"
	case StateBackoff:
		return "backoff"
	case StateReorgRecovery:
		return "reorg-recovery"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}
