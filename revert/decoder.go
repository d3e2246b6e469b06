// Package revert decodes ABI-encoded revert payloads from ComposableCoW-style
// handlers into a closed set of typed hint variants, keyed by 4-byte custom
// error selector. The selector table is the single source of truth: callers
// type-switch on the returned Variant rather than branching on strings.
package revert

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/0xsequence/ethkit/ethcoder"
)

// Variant is the sealed set of revert-hint shapes a compliant handler can
// signal through. The unexported marker mirrors types.PollResult's pattern.
type Variant interface {
	isVariant()
}

type ProofNotAuthed struct{}

func (ProofNotAuthed) isVariant() {}

type SingleOrderNotAuthed struct{}

func (SingleOrderNotAuthed) isVariant() {}

type SwapGuardRestricted struct{}

func (SwapGuardRestricted) isVariant() {}

type InvalidHandler struct{}

func (InvalidHandler) isVariant() {}

type InvalidFallbackHandler struct{}

func (InvalidFallbackHandler) isVariant() {}

type InterfaceNotSupported struct{}

func (InterfaceNotSupported) isVariant() {}

type OrderNotValid struct{ Message string }

func (OrderNotValid) isVariant() {}

type PollTryNextBlock struct{ Message string }

func (PollTryNextBlock) isVariant() {}

type PollNever struct{ Message string }

func (PollNever) isVariant() {}

type PollTryAtBlock struct {
	BlockNumber uint64
	Message     string
}

func (PollTryAtBlock) isVariant() {}

type PollTryAtEpoch struct {
	Epoch   uint64
	Message string
}

func (PollTryAtEpoch) isVariant() {}

// NonCompliant is returned for input shorter than 4 bytes, or whose 4-byte
// selector is not in the known map.
type NonCompliant struct{}

func (NonCompliant) isVariant() {}

// ErrOutOfBounds is returned when a decoded numeric parameter exceeds
// 2^32-1.
var ErrOutOfBounds = errors.New("revert: numeric parameter out of bounds")

// ErrMalformed is returned when the selector matches a known variant but the
// payload does not ABI-decode into its declared parameters.
var ErrMalformed = errors.New("revert: payload does not match selector's ABI shape")

const maxUint32 = uint64(1)<<32 - 1

type selectorEntry struct {
	name   string
	decode func(data []byte) (Variant, error)
}

var selectorTable = map[[4]byte]selectorEntry{}

func register(sig string, decode func(data []byte) (Variant, error)) {
	selector := ethcoder.Keccak256([]byte(sig))[:4]
	var key [4]byte
	copy(key[:], selector)
	selectorTable[key] = selectorEntry{name: sig, decode: decode}
}

func init() {
	register("ProofNotAuthed()", func([]byte) (Variant, error) { return ProofNotAuthed{}, nil })
	register("SingleOrderNotAuthed()", func([]byte) (Variant, error) { return SingleOrderNotAuthed{}, nil })
	register("SwapGuardRestricted()", func([]byte) (Variant, error) { return SwapGuardRestricted{}, nil })
	register("InvalidHandler()", func([]byte) (Variant, error) { return InvalidHandler{}, nil })
	register("InvalidFallbackHandler()", func([]byte) (Variant, error) { return InvalidFallbackHandler{}, nil })
	register("InterfaceNotSupported()", func([]byte) (Variant, error) { return InterfaceNotSupported{}, nil })

	register("OrderNotValid(string)", func(data []byte) (Variant, error) {
		msg, err := decodeString(data)
		if err != nil {
			return nil, err
		}
		return OrderNotValid{Message: msg}, nil
	})
	register("PollTryNextBlock(string)", func(data []byte) (Variant, error) {
		msg, err := decodeString(data)
		if err != nil {
			return nil, err
		}
		return PollTryNextBlock{Message: msg}, nil
	})
	register("PollNever(string)", func(data []byte) (Variant, error) {
		msg, err := decodeString(data)
		if err != nil {
			return nil, err
		}
		return PollNever{Message: msg}, nil
	})
	register("PollTryAtBlock(uint256,string)", func(data []byte) (Variant, error) {
		n, msg, err := decodeUintAndString(data)
		if err != nil {
			return nil, err
		}
		return PollTryAtBlock{BlockNumber: n, Message: msg}, nil
	})
	register("PollTryAtEpoch(uint256,string)", func(data []byte) (Variant, error) {
		n, msg, err := decodeUintAndString(data)
		if err != nil {
			return nil, err
		}
		return PollTryAtEpoch{Epoch: n, Message: msg}, nil
	})
}

func decodeString(data []byte) (string, error) {
	var msg string
	if err := ethcoder.AbiDecoder([]string{"string"}, data, []interface{}{&msg}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

func decodeUintAndString(data []byte) (uint64, string, error) {
	var (
		n   *big.Int
		msg string
	)
	if err := ethcoder.AbiDecoder([]string{"uint256", "string"}, data, []interface{}{&n, &msg}); err != nil {
		return 0, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !n.IsUint64() || n.Uint64() > maxUint32 {
		return 0, "", ErrOutOfBounds
	}
	return n.Uint64(), msg, nil
}

// Decode turns an ABI-encoded revert payload into its typed Variant.
// Payloads shorter than 4 bytes, or whose selector is unknown, decode as
// NonCompliant (never an error) so callers can map it straight into
// DONT_TRY_AGAIN without special-casing a decode failure.
func Decode(payload []byte) (Variant, error) {
	if len(payload) < 4 {
		return NonCompliant{}, nil
	}

	var selector [4]byte
	copy(selector[:], payload[:4])

	entry, ok := selectorTable[selector]
	if !ok {
		return NonCompliant{}, nil
	}

	v, err := entry.decode(payload[4:])
	if err != nil {
		return nil, err
	}
	return v, nil
}
