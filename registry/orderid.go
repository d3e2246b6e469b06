package registry

import (
	"github.com/0xsequence/ethkit/ethcoder"
	"github.com/cowprotocol/watchtower/types"
)

// deriveOrderId computes the keccak256 of the canonical packed serialization
// of (handler, salt, staticInput), stable across restarts. SolidityPack
// (abi.encodePacked semantics) is used rather than standard ABI
// encoding because staticInput is a dynamic `bytes` value that should be
// packed tightly, not offset-and-length encoded, to produce a stable id
// regardless of surrounding tuple context.
func deriveOrderId(params types.ConditionalOrderParams) types.OrderId {
	packed, err := ethcoder.SolidityPack(
		[]string{"address", "bytes32", "bytes"},
		[]interface{}{params.Handler, params.Salt, params.StaticInput},
	)
	if err != nil {
		// SolidityPack only fails on a type/value arity mismatch, which
		// cannot happen with this fixed, internally-constructed argument
		// list; a panic here indicates a programming error, not bad input.
		panic(err)
	}
	return types.OrderId(ethcoder.Keccak256Hash(packed))
}
