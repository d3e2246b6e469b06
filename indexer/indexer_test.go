package indexer

import (
	"math/big"
	"testing"

	"github.com/0xsequence/ethkit/go-ethereum/accounts/abi"
	"github.com/0xsequence/ethkit/go-ethereum/common"
	gethtypes "github.com/0xsequence/ethkit/go-ethereum/core/types"
	watchtower "github.com/cowprotocol/watchtower"
	"github.com/cowprotocol/watchtower/registry"
	"github.com/cowprotocol/watchtower/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ownerTopic(owner watchtower.Address) common.Hash {
	var h common.Hash
	copy(h[12:], owner.Bytes())
	return h
}

func packConditionalOrderCreatedData(t *testing.T, handler watchtower.Address, salt watchtower.Hash, staticInput []byte) []byte {
	t.Helper()
	paramsType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "handler", Type: "address"},
		{Name: "salt", Type: "bytes32"},
		{Name: "staticInput", Type: "bytes"},
	})
	require.NoError(t, err)
	args := abi.Arguments{{Type: paramsType}}

	type params struct {
		Handler     common.Address
		Salt        [32]byte
		StaticInput []byte
	}
	packed, err := args.Pack(params{Handler: common.Address(handler), Salt: salt, StaticInput: staticInput})
	require.NoError(t, err)
	return packed
}

func conditionalOrderCreatedLog(t *testing.T, emitter, owner watchtower.Address, tx watchtower.Hash, handler watchtower.Address, salt watchtower.Hash, staticInput []byte) gethtypes.Log {
	return gethtypes.Log{
		Address: common.Address(emitter),
		Topics:  []common.Hash{common.Hash(ConditionalOrderCreatedTopic), ownerTopic(owner)},
		Data:    packConditionalOrderCreatedData(t, handler, salt, staticInput),
		TxHash:  common.Hash(tx),
	}
}

func TestProcessConditionalOrderCreatedInserts(t *testing.T) {
	ix := New(Options{Chain: 1})
	reg := &types.Registry{Chain: 1}

	owner := watchtower.Address{0x01}
	handler := watchtower.Address{0xaa}
	salt := watchtower.Hash{0x11}
	log := conditionalOrderCreatedLog(t, watchtower.Address{0xcc}, owner, watchtower.Hash{0xbb}, handler, salt, []byte{0x01})

	require.NoError(t, ix.ProcessLogs(reg, []gethtypes.Log{log}))

	require.Len(t, reg.OwnerOrders, 1)
	require.Len(t, reg.OwnerOrders[0].Orders, 1)
	co := reg.OwnerOrders[0].Orders[0]
	assert.Equal(t, handler, co.Params.Handler)
	assert.Equal(t, salt, co.Params.Salt)
	assert.Equal(t, registry.DeriveOrderId(co.Params), co.Id)
}

// TestProcessConditionalOrderCreatedDedup checks that processing the same
// event twice leaves a single owner with a single order.
func TestProcessConditionalOrderCreatedDedup(t *testing.T) {
	ix := New(Options{Chain: 1})
	reg := &types.Registry{Chain: 1}

	owner := watchtower.Address{0x01}
	handler := watchtower.Address{0xaa}
	salt := watchtower.Hash{0x11}
	log := conditionalOrderCreatedLog(t, watchtower.Address{0xcc}, owner, watchtower.Hash{0xbb}, handler, salt, []byte{0x01})

	require.NoError(t, ix.ProcessLogs(reg, []gethtypes.Log{log}))
	require.NoError(t, ix.ProcessLogs(reg, []gethtypes.Log{log}))

	require.Len(t, reg.OwnerOrders, 1)
	assert.Len(t, reg.OwnerOrders[0].Orders, 1)
}

func TestOwnerAllowListSkipsUnlistedOwners(t *testing.T) {
	allowed := watchtower.Address{0x02}
	ix := New(Options{Chain: 1, OwnerAllowList: map[watchtower.Address]bool{allowed: true}})
	reg := &types.Registry{Chain: 1}

	blocked := watchtower.Address{0x01}
	log := conditionalOrderCreatedLog(t, watchtower.Address{0xcc}, blocked, watchtower.Hash{0xbb}, watchtower.Address{0xaa}, watchtower.Hash{0x11}, []byte{0x01})

	require.NoError(t, ix.ProcessLogs(reg, []gethtypes.Log{log}))
	assert.Empty(t, reg.OwnerOrders)
}

func TestFilterPolicyPrecedence(t *testing.T) {
	owner := watchtower.Address{0x01}
	handler := watchtower.Address{0xaa}
	salt := watchtower.Hash{0x11}
	params := types.ConditionalOrderParams{Handler: handler, Salt: salt, StaticInput: []byte{0x01}}
	id := registry.DeriveOrderId(params)

	// handler-level SKIP, but an id-level ACCEPT override must win.
	policy := FilterPolicy{
		Default:   ActionAccept,
		ByHandler: map[watchtower.Address]Action{handler: ActionSkip},
		ByID:      map[types.OrderId]Action{id: ActionAccept},
	}
	ix := New(Options{Chain: 1, FilterPolicy: policy})
	reg := &types.Registry{Chain: 1}

	log := conditionalOrderCreatedLog(t, watchtower.Address{0xcc}, owner, watchtower.Hash{0xbb}, handler, salt, []byte{0x01})
	require.NoError(t, ix.ProcessLogs(reg, []gethtypes.Log{log}))

	require.Len(t, reg.OwnerOrders, 1)
	assert.Len(t, reg.OwnerOrders[0].Orders, 1)
}

func TestFilterPolicyHandlerSkipWithoutOverride(t *testing.T) {
	owner := watchtower.Address{0x01}
	handler := watchtower.Address{0xaa}

	policy := FilterPolicy{Default: ActionAccept, ByHandler: map[watchtower.Address]Action{handler: ActionSkip}}
	ix := New(Options{Chain: 1, FilterPolicy: policy})
	reg := &types.Registry{Chain: 1}

	log := conditionalOrderCreatedLog(t, watchtower.Address{0xcc}, owner, watchtower.Hash{0xbb}, handler, watchtower.Hash{0x11}, []byte{0x01})
	require.NoError(t, ix.ProcessLogs(reg, []gethtypes.Log{log}))

	assert.Empty(t, reg.OwnerOrders)
}

func packMerkleRootSetData(t *testing.T, root watchtower.Hash, location int64, payload []byte) []byte {
	t.Helper()
	proofType, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "location", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	})
	require.NoError(t, err)
	args := abi.Arguments{{Type: abiBytes32()}, {Type: proofType}}

	type proof struct {
		Location *big.Int
		Data     []byte
	}
	packed, err := args.Pack(root, proof{Location: big.NewInt(location), Data: payload})
	require.NoError(t, err)
	return packed
}

func abiBytes32() abi.Type {
	t, err := abi.NewType("bytes32", "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

func packInlineMerklePayload(t *testing.T, entries []struct {
	Path   []watchtower.Hash
	Params types.ConditionalOrderParams
}) []byte {
	t.Helper()
	entriesType, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "path", Type: "bytes32[]"},
		{Name: "params", Type: "tuple", Components: []abi.ArgumentMarshaling{
			{Name: "handler", Type: "address"},
			{Name: "salt", Type: "bytes32"},
			{Name: "staticInput", Type: "bytes"},
		}},
	})
	require.NoError(t, err)
	args := abi.Arguments{{Type: entriesType}}

	type rawParams struct {
		Handler     common.Address
		Salt        [32]byte
		StaticInput []byte
	}
	type rawEntry struct {
		Path   [][32]byte
		Params rawParams
	}
	raw := make([]rawEntry, len(entries))
	for i, e := range entries {
		path := make([][32]byte, len(e.Path))
		for j, p := range e.Path {
			path[j] = p
		}
		raw[i] = rawEntry{
			Path: path,
			Params: rawParams{
				Handler:     common.Address(e.Params.Handler),
				Salt:        e.Params.Salt,
				StaticInput: e.Params.StaticInput,
			},
		}
	}
	packed, err := args.Pack(raw)
	require.NoError(t, err)
	return packed
}

func merkleRootSetLog(t *testing.T, emitter, owner watchtower.Address, tx watchtower.Hash, root watchtower.Hash, location int64, payload []byte) gethtypes.Log {
	return gethtypes.Log{
		Address: common.Address(emitter),
		Topics:  []common.Hash{common.Hash(MerkleRootSetTopic), ownerTopic(owner)},
		Data:    packMerkleRootSetData(t, root, location, payload),
		TxHash:  common.Hash(tx),
	}
}

// TestMerkleRootSetFlushesStaleProofsAndExpandsInline: a new root flushes
// orders proved against a different root, then expands the inline
// (location==1) payload into new proved orders.
func TestMerkleRootSetFlushesStaleProofsAndExpandsInline(t *testing.T) {
	ix := New(Options{Chain: 1})
	reg := &types.Registry{Chain: 1}
	owner := watchtower.Address{0x01}

	staleRoot := watchtower.Hash{0xaa}
	reg.Insert(owner, &types.ConditionalOrder{
		Id:     types.OrderId{0x01},
		Proof:  &types.Proof{MerkleRoot: staleRoot},
		Orders: map[types.OrderUid]types.OrderStatus{},
	})

	newRoot := watchtower.Hash{0xbb}
	entries := []struct {
		Path   []watchtower.Hash
		Params types.ConditionalOrderParams
	}{
		{
			Path:   []watchtower.Hash{{0x01}},
			Params: types.ConditionalOrderParams{Handler: watchtower.Address{0xcc}, Salt: watchtower.Hash{0x22}, StaticInput: []byte{0x01}},
		},
	}
	payload := packInlineMerklePayload(t, entries)
	log := merkleRootSetLog(t, watchtower.Address{0xdd}, owner, watchtower.Hash{0xee}, newRoot, 1, payload)

	require.NoError(t, ix.ProcessLogs(reg, []gethtypes.Log{log}))

	require.Len(t, reg.OwnerOrders, 1)
	require.Len(t, reg.OwnerOrders[0].Orders, 1)
	co := reg.OwnerOrders[0].Orders[0]
	assert.Equal(t, newRoot, co.Proof.MerkleRoot)
	assert.Equal(t, entries[0].Params.Handler, co.Params.Handler)
}

// TestMerkleRootSetNonInlineLocationSkipsExpansion covers the "single
// documented inline payload layout" restriction: any
// location other than 1 is not decoded as an inline entry sequence.
func TestMerkleRootSetNonInlineLocationSkipsExpansion(t *testing.T) {
	ix := New(Options{Chain: 1})
	reg := &types.Registry{Chain: 1}
	owner := watchtower.Address{0x01}

	log := merkleRootSetLog(t, watchtower.Address{0xdd}, owner, watchtower.Hash{0xee}, watchtower.Hash{0xbb}, 2, []byte{0x01, 0x02})
	require.NoError(t, ix.ProcessLogs(reg, []gethtypes.Log{log}))
	assert.Empty(t, reg.OwnerOrders)
}

// TestReorgReplaysBlockWithoutRemovingPriorOrders: block {100, hash 0xA}
// carries two events; observing {100, hash 0xB} with one different event
// re-runs the indexer over the new
// event set, but the indexer itself neither knows nor cares about the
// reorg, it only ever adds/dedups, so the two orders from hash 0xA remain
// untouched. The chain watcher re-runs the indexer on a reorg and does not
// remove them either.
func TestReorgReplaysBlockWithoutRemovingPriorOrders(t *testing.T) {
	ix := New(Options{Chain: 1})
	reg := &types.Registry{Chain: 1}
	owner := watchtower.Address{0x01}

	logsA := []gethtypes.Log{
		conditionalOrderCreatedLog(t, watchtower.Address{0xcc}, owner, watchtower.Hash{0xa1}, watchtower.Address{0x10}, watchtower.Hash{0x01}, []byte{0x01}),
		conditionalOrderCreatedLog(t, watchtower.Address{0xcc}, owner, watchtower.Hash{0xa2}, watchtower.Address{0x20}, watchtower.Hash{0x02}, []byte{0x02}),
	}
	require.NoError(t, ix.ProcessLogs(reg, logsA))
	require.Len(t, reg.OwnerOrders[0].Orders, 2)

	logsB := []gethtypes.Log{
		conditionalOrderCreatedLog(t, watchtower.Address{0xcc}, owner, watchtower.Hash{0xb1}, watchtower.Address{0x30}, watchtower.Hash{0x03}, []byte{0x03}),
	}
	require.NoError(t, ix.ProcessLogs(reg, logsB))

	assert.Len(t, reg.OwnerOrders[0].Orders, 3, "indexer re-processing is additive/idempotent, not reorg-aware by itself")
}
