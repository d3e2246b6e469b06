// Package registry persists the per-chain set of conditional orders: which
// owners have live orders, the last block fully processed, and the last
// time an operator notification fired. Storage is a pluggable key-value
// Store[[]byte], so tests run against an in-memory backend and production
// runs against Redis without the registry code changing.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	watchtower "github.com/cowprotocol/watchtower"
	"github.com/cowprotocol/watchtower/types"
	cachestore "github.com/goware/cachestore2"
)

// CurrentVersion is written on every Write call. Store.Load recomputes
// derived fields (currently just OrderId) when it finds an older version on
// disk.
const CurrentVersion = 1

// Metrics are optional counting hooks; a nil Metrics is always safe to call
// through (see noopMetrics below). Kept as a narrow interface so metrics/
// can satisfy it with a Prometheus-backed implementation without registry/
// depending on Prometheus directly.
type Metrics interface {
	RegistryLoaded(chain types.ChainId)
	RegistryWritten(chain types.ChainId)
	RegistryWriteFailed(chain types.ChainId)
}

type noopMetrics struct{}

func (noopMetrics) RegistryLoaded(types.ChainId)      {}
func (noopMetrics) RegistryWritten(types.ChainId)     {}
func (noopMetrics) RegistryWriteFailed(types.ChainId) {}

// Store is the crash-safe registry persistence layer.
type Store struct {
	cache   cachestore.Store[[]byte]
	metrics Metrics
}

// New wraps an already-opened cachestore2 backend. Use cachestore-redis in
// production and cachestore-mem for tests and the dump-db CLI.
func New(cache cachestore.Store[[]byte], metrics Metrics) *Store {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Store{cache: cache, metrics: metrics}
}

func keyVersion(chain types.ChainId) string {
	return fmt.Sprintf("CONDITIONAL_ORDER_REGISTRY_VERSION_%s", chain)
}

func keyOwnerOrders(chain types.ChainId) string {
	return fmt.Sprintf("CONDITIONAL_ORDER_REGISTRY_%s", chain)
}

func keyLastProcessedBlock(chain types.ChainId) string {
	return fmt.Sprintf("LAST_PROCESSED_BLOCK_%s", chain)
}

func keyLastNotifiedError(chain types.ChainId) string {
	return fmt.Sprintf("LAST_NOTIFIED_ERROR_%s", chain)
}

// onDiskRegistryBlock mirrors RegistryBlock's JSON shape explicitly so the
// on-disk format doesn't silently change if the in-memory struct grows.
type onDiskRegistryBlock struct {
	Number    uint64          `json:"number"`
	Timestamp uint64          `json:"timestamp"`
	Hash      watchtower.Hash `json:"hash"`
}

// Load returns the persisted registry for chain, or an empty registry whose
// watermark is genesisBlock-1 if nothing has been written yet.
func (s *Store) Load(ctx context.Context, chain types.ChainId, genesisBlock uint64) (*types.Registry, error) {
	reg := &types.Registry{
		Chain:   chain,
		Version: CurrentVersion,
		LastProcessedBlock: &types.RegistryBlock{
			Number: genesisBlock - 1,
		},
	}

	versionRaw, ok, err := s.cache.Get(ctx, keyVersion(chain))
	if err != nil {
		return nil, fmt.Errorf("registry: load version: %w", err)
	}
	onDiskVersion := 0
	if ok {
		onDiskVersion, err = strconv.Atoi(string(versionRaw))
		if err != nil {
			return nil, fmt.Errorf("registry: malformed version key: %w", err)
		}
	}

	ownersRaw, ok, err := s.cache.Get(ctx, keyOwnerOrders(chain))
	if err != nil {
		return nil, fmt.Errorf("registry: load owner orders: %w", err)
	}
	if ok {
		var owners []types.OwnerOrders
		if err := json.Unmarshal(ownersRaw, &owners); err != nil {
			return nil, fmt.Errorf("registry: decode owner orders: %w", err)
		}
		reg.OwnerOrders = owners
	}

	if onDiskVersion < CurrentVersion {
		recomputeDerivedFields(reg)
	}

	blockRaw, ok, err := s.cache.Get(ctx, keyLastProcessedBlock(chain))
	if err != nil {
		return nil, fmt.Errorf("registry: load last processed block: %w", err)
	}
	if ok {
		var b onDiskRegistryBlock
		if err := json.Unmarshal(blockRaw, &b); err != nil {
			return nil, fmt.Errorf("registry: decode last processed block: %w", err)
		}
		reg.LastProcessedBlock = &types.RegistryBlock{Number: b.Number, Timestamp: b.Timestamp, Hash: b.Hash}
	}

	errRaw, ok, err := s.cache.Get(ctx, keyLastNotifiedError(chain))
	if err != nil {
		return nil, fmt.Errorf("registry: load last notified error: %w", err)
	}
	if ok {
		ts, err := time.Parse(time.RFC3339, string(errRaw))
		if err != nil {
			return nil, fmt.Errorf("registry: malformed last notified error timestamp: %w", err)
		}
		reg.LastNotifiedError = &ts
	}

	s.metrics.RegistryLoaded(chain)
	return reg, nil
}

// recomputeDerivedFields rebuilds OrderId from Params for every order, so
// registries written before the id field existed are usable on load.
func recomputeDerivedFields(reg *types.Registry) {
	for i := range reg.OwnerOrders {
		for _, co := range reg.OwnerOrders[i].Orders {
			co.Id = DeriveOrderId(co.Params)
		}
	}
}

// DeriveOrderId computes the stable OrderId from a ConditionalOrderParams
// value, used both at indexing time and during the version-migration
// recompute above.
func DeriveOrderId(params types.ConditionalOrderParams) types.OrderId {
	return deriveOrderId(params)
}

// Write commits the version and owner-orders keys, plus the last processed
// block and last notified error when set, in one BatchSet. A nil last
// processed block or last notified error is deleted by a separate Delete
// call after the batch, outside its atomicity. Empty owner sets are normalized away before serialization, matching the
// round-trip-persistence invariant: load(write(R)) == R for
// any well-formed registry, and an owner with zero orders never persists.
func (s *Store) Write(ctx context.Context, reg *types.Registry) error {
	normalized := normalizeEmptyOwners(reg)

	ownersJSON, err := json.Marshal(normalized.OwnerOrders)
	if err != nil {
		return fmt.Errorf("registry: encode owner orders: %w", err)
	}

	keys := []string{keyVersion(reg.Chain), keyOwnerOrders(reg.Chain)}
	values := [][]byte{[]byte(strconv.Itoa(CurrentVersion)), ownersJSON}

	if normalized.LastProcessedBlock != nil {
		blockJSON, err := json.Marshal(onDiskRegistryBlock{
			Number:    normalized.LastProcessedBlock.Number,
			Timestamp: normalized.LastProcessedBlock.Timestamp,
			Hash:      normalized.LastProcessedBlock.Hash,
		})
		if err != nil {
			return fmt.Errorf("registry: encode last processed block: %w", err)
		}
		keys = append(keys, keyLastProcessedBlock(reg.Chain))
		values = append(values, blockJSON)
	}

	if normalized.LastNotifiedError != nil {
		keys = append(keys, keyLastNotifiedError(reg.Chain))
		values = append(values, []byte(normalized.LastNotifiedError.UTC().Format(time.RFC3339)))
	}

	if err := s.cache.BatchSet(ctx, keys, values); err != nil {
		s.metrics.RegistryWriteFailed(reg.Chain)
		return fmt.Errorf("registry: batch write: %w", err)
	}

	if normalized.LastProcessedBlock == nil {
		if err := s.cache.Delete(ctx, keyLastProcessedBlock(reg.Chain)); err != nil {
			s.metrics.RegistryWriteFailed(reg.Chain)
			return fmt.Errorf("registry: delete last processed block: %w", err)
		}
	}
	if normalized.LastNotifiedError == nil {
		if err := s.cache.Delete(ctx, keyLastNotifiedError(reg.Chain)); err != nil {
			s.metrics.RegistryWriteFailed(reg.Chain)
			return fmt.Errorf("registry: delete last notified error: %w", err)
		}
	}

	s.metrics.RegistryWritten(reg.Chain)
	return nil
}

func normalizeEmptyOwners(reg *types.Registry) *types.Registry {
	out := &types.Registry{
		Chain:              reg.Chain,
		Version:            CurrentVersion,
		LastProcessedBlock: reg.LastProcessedBlock,
		LastNotifiedError:  reg.LastNotifiedError,
	}
	for _, oo := range reg.OwnerOrders {
		if len(oo.Orders) == 0 {
			continue
		}
		out.OwnerOrders = append(out.OwnerOrders, oo)
	}
	return out
}

// Dump returns a JSON-stable snapshot of the registry for operator tooling
// (the dump-db CLI subcommand).
func (s *Store) Dump(ctx context.Context, chain types.ChainId, genesisBlock uint64) (string, error) {
	reg, err := s.Load(ctx, chain, genesisBlock)
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("registry: dump: %w", err)
	}
	return string(b), nil
}
