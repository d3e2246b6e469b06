// Package orderfactory defines the pluggable collaborator the poll engine
// consults before falling back to the on-chain legacy path. The real SDK
// that derives
// discrete-order parameters from a handler+staticInput pair is external to
// this repo; this package only carries the seam: an interface,
// a sealed outcome type, and a default implementation that always reports
// the handler unknown so every conditional order falls through to the
// legacy multicall path unless a real factory is wired in by the caller.
package orderfactory

import (
	"context"

	watchtower "github.com/cowprotocol/watchtower"
	"github.com/cowprotocol/watchtower/types"
)

// BlockInfo is the minimal block context a factory needs to evaluate a
// conditional order: its number and timestamp.
type BlockInfo struct {
	Number    uint64
	Timestamp uint64
}

// Outcome is what a Factory returns for one conditional order: either it
// recognizes the handler and produces a PollResult directly (a factory may
// emit defer hints for handlers it understands, e.g. time-windowed orders),
// or it reports the handler unknown so the poll engine falls back to the
// legacy getTradeableOrderWithSignature path.
type Outcome struct {
	Result  types.PollResult
	Unknown bool
}

// Factory is the external order-factory collaborator. Poll is
// side-effect-free: it derives a PollResult from staticInput and the current
// block, never mutating chain state or the registry itself.
type Factory interface {
	Poll(ctx context.Context, owner watchtower.Address, params types.ConditionalOrderParams, block BlockInfo, proofPath []watchtower.Hash) (Outcome, error)
}

// Unknown returns the outcome every handler-unaware factory should return,
// sparing callers from constructing Outcome{Unknown: true} by hand.
func Unknown() Outcome {
	return Outcome{Unknown: true}
}

// legacy is the default Factory wired when no real SDK is configured: every
// handler is unknown, so the poll engine always falls back to the on-chain
// legacy path.
type legacy struct{}

// Legacy returns a Factory that never recognizes a handler.
func Legacy() Factory {
	return legacy{}
}

func (legacy) Poll(ctx context.Context, owner watchtower.Address, params types.ConditionalOrderParams, block BlockInfo, proofPath []watchtower.Hash) (Outcome, error) {
	return Unknown(), nil
}

// Chain tries each Factory in order, returning the first outcome that isn't
// Unknown. This lets a caller register specialized factories per handler
// family (e.g. a time-windowed TWAP factory) ahead of the legacy fallback,
// without the poll engine needing to know how many are configured.
func Chain(factories ...Factory) Factory {
	return chain(factories)
}

type chain []Factory

func (c chain) Poll(ctx context.Context, owner watchtower.Address, params types.ConditionalOrderParams, block BlockInfo, proofPath []watchtower.Hash) (Outcome, error) {
	for _, f := range c {
		out, err := f.Poll(ctx, owner, params, block, proofPath)
		if err != nil {
			return Outcome{}, err
		}
		if !out.Unknown {
			return out, nil
		}
	}
	return Unknown(), nil
}
