// Package indexer implements the Event Indexer: it scans
// ConditionalOrderCreated / MerkleRootSet logs for one chain, mutates the
// registry (insert-with-dedup, flush-on-new-root, inline Merkle-payload
// expansion), and applies an optional owner allow-list and filter policy
// before any event reaches the registry.
package indexer

import (
	"fmt"
	"math/big"

	gethtypes "github.com/0xsequence/ethkit/go-ethereum/core/types"
	watchtower "github.com/cowprotocol/watchtower"
	"github.com/cowprotocol/watchtower/registry"
	"github.com/cowprotocol/watchtower/types"
)

// Action is the filter policy's decision for one conditional order, keyed at
// id/tx/owner/handler precedence.
type Action int

const (
	ActionAccept Action = iota // zero value: the default in FilterPolicy{} is ACCEPT
	ActionSkip
	ActionDrop
)

// FilterPolicy is a decision table with precedence id > tx > owner > handler
// > default. A zero-value FilterPolicy always ACCEPTs.
type FilterPolicy struct {
	Default   Action
	ByID      map[types.OrderId]Action
	ByTx      map[watchtower.Hash]Action
	ByOwner   map[watchtower.Address]Action
	ByHandler map[watchtower.Address]Action
}

// Resolve applies the precedence rule for one conditional order candidate.
func (p FilterPolicy) Resolve(id types.OrderId, tx watchtower.Hash, owner, handler watchtower.Address) Action {
	if a, ok := p.ByID[id]; ok {
		return a
	}
	if a, ok := p.ByTx[tx]; ok {
		return a
	}
	if a, ok := p.ByOwner[owner]; ok {
		return a
	}
	if a, ok := p.ByHandler[handler]; ok {
		return a
	}
	return p.Default
}

// Metrics are optional counting hooks for indexing outcomes.
type Metrics interface {
	EventIndexed(chain types.ChainId, name string)
	EventSkipped(chain types.ChainId, name string)
}

type noopMetrics struct{}

func (noopMetrics) EventIndexed(types.ChainId, string) {}
func (noopMetrics) EventSkipped(types.ChainId, string) {}

// Options configures an Indexer. A nil OwnerAllowList means every owner is
// accepted; a non-nil, possibly-empty one restricts to its members.
type Options struct {
	Chain          types.ChainId
	OwnerAllowList map[watchtower.Address]bool
	FilterPolicy   FilterPolicy
	Metrics        Metrics
}

// Indexer scans logs for one chain and mutates a *types.Registry in place.
type Indexer struct {
	chain          types.ChainId
	ownerAllowList map[watchtower.Address]bool
	filterPolicy   FilterPolicy
	metrics        Metrics
}

func New(opts Options) *Indexer {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Indexer{
		chain:          opts.Chain,
		ownerAllowList: opts.OwnerAllowList,
		filterPolicy:   opts.FilterPolicy,
		metrics:        metrics,
	}
}

// Topics returns the event topic hashes this indexer matches, for building
// an eth_getLogs filter query.
func (ix *Indexer) Topics() []watchtower.Hash {
	return []watchtower.Hash{ConditionalOrderCreatedTopic, MerkleRootSetTopic}
}

func (ix *Indexer) ownerAllowed(owner watchtower.Address) bool {
	if ix.ownerAllowList == nil {
		return true
	}
	return ix.ownerAllowList[owner]
}

// ProcessLogs applies every log in logs, in order, to reg. Logs are expected
// in transaction-index order within a block, as returned by the RPC;
// ProcessLogs does not reorder them.
func (ix *Indexer) ProcessLogs(reg *types.Registry, logs []gethtypes.Log) error {
	for _, log := range logs {
		if len(log.Topics) == 0 {
			continue
		}
		switch watchtower.Hash(log.Topics[0]) {
		case ConditionalOrderCreatedTopic:
			if err := ix.processConditionalOrderCreated(reg, log); err != nil {
				return fmt.Errorf("indexer: ConditionalOrderCreated: %w", err)
			}
		case MerkleRootSetTopic:
			if err := ix.processMerkleRootSet(reg, log); err != nil {
				return fmt.Errorf("indexer: MerkleRootSet: %w", err)
			}
		}
	}
	return nil
}

func topicToAddress(topic watchtower.Hash) watchtower.Address {
	var addr watchtower.Address
	copy(addr[:], topic[12:])
	return addr
}

func (ix *Indexer) processConditionalOrderCreated(reg *types.Registry, log gethtypes.Log) error {
	if len(log.Topics) < 2 {
		return fmt.Errorf("missing indexed owner topic")
	}
	owner := topicToAddress(watchtower.Hash(log.Topics[1]))
	if !ix.ownerAllowed(owner) {
		ix.metrics.EventSkipped(ix.chain, "ConditionalOrderCreated")
		return nil
	}

	raw, err := decodeConditionalOrderCreated(log.Data)
	if err != nil {
		return err
	}
	params := toParams(raw)
	id := registry.DeriveOrderId(params)

	action := ix.filterPolicy.Resolve(id, watchtower.Hash(log.TxHash), owner, params.Handler)
	if action != ActionAccept {
		ix.metrics.EventSkipped(ix.chain, "ConditionalOrderCreated")
		return nil
	}

	// dedup on insert: two conditional orders under the same owner must
	// never carry equal params.
	if reg.FindByParams(owner, params) != nil {
		ix.metrics.EventSkipped(ix.chain, "ConditionalOrderCreated")
		return nil
	}

	reg.Insert(owner, &types.ConditionalOrder{
		Id:            id,
		Tx:            watchtower.Hash(log.TxHash),
		Params:        params,
		ComposableCow: watchtower.Address(log.Address),
		Orders:        make(map[types.OrderUid]types.OrderStatus),
	})
	ix.metrics.EventIndexed(ix.chain, "ConditionalOrderCreated")
	return nil
}

func (ix *Indexer) processMerkleRootSet(reg *types.Registry, log gethtypes.Log) error {
	if len(log.Topics) < 2 {
		return fmt.Errorf("missing indexed owner topic")
	}
	owner := topicToAddress(watchtower.Hash(log.Topics[1]))
	if !ix.ownerAllowed(owner) {
		ix.metrics.EventSkipped(ix.chain, "MerkleRootSet")
		return nil
	}

	root, proof, err := decodeMerkleRootSet(log.Data)
	if err != nil {
		return err
	}

	ix.flushStaleProofs(reg, owner, root)

	// location == 1 is the single inline payload layout the indexer
	// understands; nested proof locations are not decoded.
	if proof.Location == nil || proof.Location.Cmp(bigOne) != 0 {
		ix.metrics.EventIndexed(ix.chain, "MerkleRootSet")
		return nil
	}

	entries, err := decodeInlineMerklePayload(proof.Data)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		nestedParams := toParams(entry.Params)
		id := registry.DeriveOrderId(nestedParams)

		action := ix.filterPolicy.Resolve(id, watchtower.Hash(log.TxHash), owner, nestedParams.Handler)
		if action != ActionAccept {
			ix.metrics.EventSkipped(ix.chain, "MerkleRootSet")
			continue
		}

		if reg.FindByParams(owner, nestedParams) != nil {
			continue
		}

		path := make([]watchtower.Hash, len(entry.Path))
		for i, p := range entry.Path {
			path[i] = watchtower.Hash(p)
		}

		reg.Insert(owner, &types.ConditionalOrder{
			Id:     id,
			Tx:     watchtower.Hash(log.TxHash),
			Params: nestedParams,
			Proof: &types.Proof{
				MerkleRoot: root,
				Path:       path,
			},
			ComposableCow: watchtower.Address(log.Address),
			Orders:        make(map[types.OrderUid]types.OrderStatus),
		})
	}
	ix.metrics.EventIndexed(ix.chain, "MerkleRootSet")
	return nil
}

// flushStaleProofs removes every existing order under owner whose proof
// references a root other than the newly set one. Orders
// without a proof (standalone orders) are left untouched; a MerkleRootSet
// for an owner says nothing about that owner's single orders.
func (ix *Indexer) flushStaleProofs(reg *types.Registry, owner watchtower.Address, root watchtower.Hash) {
	oo := reg.FindOwner(owner)
	if oo == nil {
		return
	}
	var kept []*types.ConditionalOrder
	for _, co := range oo.Orders {
		if co.Proof != nil && co.Proof.MerkleRoot != root {
			continue
		}
		kept = append(kept, co)
	}
	oo.Orders = kept
	if len(oo.Orders) == 0 {
		for i := range reg.OwnerOrders {
			if reg.OwnerOrders[i].Owner == owner {
				reg.OwnerOrders = append(reg.OwnerOrders[:i], reg.OwnerOrders[i+1:]...)
				break
			}
		}
	}
}

var bigOne = big.NewInt(1)
