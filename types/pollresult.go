package types

import "time"

// PollResult is the sealed set of outcomes the poll engine can produce for
// one conditional order at one block. The unexported marker method closes
// the set the same way ethcoder closes its ABI selector tables: callers
// type-switch on the concrete variant rather than branching on a string tag.
type PollResult interface {
	isPollResult()
}

// Success carries an executable discrete order plus its EIP-1271 signature,
// ready for the submission gate.
type Success struct {
	Order     DiscreteOrder
	Signature []byte
}

func (Success) isPollResult() {}

// TryNextBlock asks the watcher to retry this order on the very next block.
type TryNextBlock struct {
	Reason string
}

func (TryNextBlock) isPollResult() {}

// TryOnBlock asks the watcher to retry once chain height >= BlockNumber.
type TryOnBlock struct {
	BlockNumber uint64
	Reason      string
}

func (TryOnBlock) isPollResult() {}

// TryAtEpoch asks the watcher to retry once the block timestamp >= Epoch.
type TryAtEpoch struct {
	Epoch  uint64
	Reason string
}

func (TryAtEpoch) isPollResult() {}

// DontTryAgain permanently drops the conditional order.
type DontTryAgain struct {
	Reason string
}

func (DontTryAgain) isPollResult() {}

// UnexpectedError is transient: the order is retried next block but the
// occurrence is counted for operator visibility.
type UnexpectedError struct {
	Reason string
	Cause  error
}

func (UnexpectedError) isPollResult() {}

// AtOrAfterEpoch reports whether blockTimestamp has reached the epoch hint,
// used by the poll engine's early-skip step.
func (h TryAtEpoch) AtOrAfterEpoch(blockTimestamp uint64) bool {
	return blockTimestamp >= h.Epoch
}

// AtOrAfterBlock reports whether blockNumber has reached the block hint.
func (h TryOnBlock) AtOrAfterBlock(blockNumber uint64) bool {
	return blockNumber >= h.BlockNumber
}

// EpochFromNow builds a TryAtEpoch hint d in the future from now, used by
// the submission gate when the API asks it to back off (e.g. "now+10min").
func EpochFromNow(now time.Time, d time.Duration) TryAtEpoch {
	return TryAtEpoch{Epoch: uint64(now.Add(d).Unix())}
}
