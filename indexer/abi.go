package indexer

import (
	"math/big"

	"github.com/0xsequence/ethkit/ethcoder"
	"github.com/0xsequence/ethkit/go-ethereum/accounts/abi"
	"github.com/0xsequence/ethkit/go-ethereum/common"
	watchtower "github.com/cowprotocol/watchtower"
	"github.com/cowprotocol/watchtower/types"
)

// Topic hashes for the two events this indexer scans.
// Computed from the canonical signature rather than hand-transcribed hex.
var (
	ConditionalOrderCreatedTopic = mustEventTopic("ConditionalOrderCreated(address,(address,bytes32,bytes))")
	MerkleRootSetTopic           = mustEventTopic("MerkleRootSet(address,bytes32,(uint256,bytes))")
)

func mustEventTopic(sig string) watchtower.Hash {
	topic, _, err := ethcoder.EventTopicHash(sig)
	if err != nil {
		panic(err)
	}
	return topic
}

var paramsTupleComponents = []abi.ArgumentMarshaling{
	{Name: "handler", Type: "address"},
	{Name: "salt", Type: "bytes32"},
	{Name: "staticInput", Type: "bytes"},
}

var paramsTupleType = mustTupleType(paramsTupleComponents)

var proofTupleType = mustTupleType([]abi.ArgumentMarshaling{
	{Name: "location", Type: "uint256"},
	{Name: "data", Type: "bytes"},
})

var inlineMerkleEntriesType = mustArrayTupleType([]abi.ArgumentMarshaling{
	{Name: "path", Type: "bytes32[]"},
	{Name: "params", Type: "tuple", Components: paramsTupleComponents},
})

func mustTupleType(fields []abi.ArgumentMarshaling) abi.Type {
	t, err := abi.NewType("tuple", "", fields)
	if err != nil {
		panic(err)
	}
	return t
}

func mustArrayTupleType(fields []abi.ArgumentMarshaling) abi.Type {
	t, err := abi.NewType("tuple[]", "", fields)
	if err != nil {
		panic(err)
	}
	return t
}

func mustType(s string) abi.Type {
	t, err := abi.NewType(s, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

type rawParams struct {
	Handler     common.Address `abi:"handler"`
	Salt        [32]byte       `abi:"salt"`
	StaticInput []byte         `abi:"staticInput"`
}

type rawProof struct {
	Location *big.Int `abi:"location"`
	Data     []byte   `abi:"data"`
}

type rawInlineEntry struct {
	Path   [][32]byte `abi:"path"`
	Params rawParams  `abi:"params"`
}

// decodeConditionalOrderCreated decodes the non-indexed `params` tuple from
// a ConditionalOrderCreated log's data; owner arrives as an indexed topic,
// decoded separately by the caller.
func decodeConditionalOrderCreated(data []byte) (rawParams, error) {
	args := abi.Arguments{{Type: paramsTupleType}}
	values, err := args.Unpack(data)
	if err != nil {
		return rawParams{}, err
	}
	// a single tuple argument is copied into the first field of the
	// destination struct, so wrap rawParams to receive the whole tuple
	var out struct{ Params rawParams }
	if err := args.Copy(&out, values); err != nil {
		return rawParams{}, err
	}
	return out.Params, nil
}

// decodeMerkleRootSet decodes the non-indexed (root, proof) pair from a
// MerkleRootSet log's data; owner arrives as an indexed topic.
func decodeMerkleRootSet(data []byte) (watchtower.Hash, rawProof, error) {
	args := abi.Arguments{{Type: mustType("bytes32")}, {Type: proofTupleType}}
	values, err := args.Unpack(data)
	if err != nil {
		return watchtower.Hash{}, rawProof{}, err
	}
	root, _ := values[0].([32]byte)
	var proof struct{ Proof rawProof }
	if err := args[1:].Copy(&proof, values[1:]); err != nil {
		return watchtower.Hash{}, rawProof{}, err
	}
	return watchtower.Hash(root), proof.Proof, nil
}

// decodeInlineMerklePayload decodes the location==1 inline Merkle payload:
// a sequence of (path, params) tuples.
func decodeInlineMerklePayload(data []byte) ([]rawInlineEntry, error) {
	args := abi.Arguments{{Type: inlineMerkleEntriesType}}
	values, err := args.Unpack(data)
	if err != nil {
		return nil, err
	}
	var out []rawInlineEntry
	if err := args.Copy(&out, values); err != nil {
		return nil, err
	}
	return out, nil
}

func toParams(r rawParams) types.ConditionalOrderParams {
	return types.ConditionalOrderParams{
		Handler:     watchtower.Address(r.Handler),
		Salt:        watchtower.Hash(r.Salt),
		StaticInput: r.StaticInput,
	}
}
