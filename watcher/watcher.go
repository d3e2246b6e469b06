// Package watcher implements the Chain Watcher: the
// per-chain driver that threads SYNCING → IN_SYNC → {IN_SYNC|UNKNOWN},
// backfills in pages, subscribes to live blocks, detects reorgs by
// comparing hashes at the same or lower height, and sweeps every live
// conditional order through the poll engine in bounded chunks so a crash
// mid-sweep loses at most one chunk of updates.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"time"

	"github.com/0xsequence/ethkit/ethutil"
	goethereum "github.com/0xsequence/ethkit/go-ethereum"
	gethtypes "github.com/0xsequence/ethkit/go-ethereum/core/types"
	watchtower "github.com/cowprotocol/watchtower"
	"github.com/cowprotocol/watchtower/indexer"
	"github.com/cowprotocol/watchtower/pollengine"
	"github.com/cowprotocol/watchtower/registry"
	"github.com/cowprotocol/watchtower/types"
	"github.com/cowprotocol/watchtower/util"
	"github.com/goware/breaker"
)

// State is the chain watcher's coarse lifecycle state.
type State int

const (
	StateSyncing State = iota
	StateInSync
	StateUnknown
)

func (s State) String() string {
	switch s {
	case StateSyncing:
		return "SYNCING"
	case StateInSync:
		return "IN_SYNC"
	case StateUnknown:
		return "UNKNOWN"
	default:
		return "UNKNOWN"
	}
}

// Provider is the narrow RPC surface the watcher needs: block headers,
// log filtering, and a live-head feed (streaming or polled, the caller's
// choice; ethrpc.Provider implements this directly).
type Provider interface {
	HeaderByNumber(ctx context.Context, blockNum *big.Int) (*gethtypes.Header, error)
	FilterLogs(ctx context.Context, q goethereum.FilterQuery) ([]gethtypes.Log, error)
	SubscribeNewHeads(ctx context.Context, ch chan<- *gethtypes.Header) (goethereum.Subscription, error)
	IsStreamingEnabled() bool
}

// Metrics are optional counting/gauge hooks for watcher outcomes.
type Metrics interface {
	BlockHeight(chain types.ChainId, number uint64)
	BlockProducingRate(chain types.ChainId, seconds float64)
	ReorgDetected(chain types.ChainId, depth uint64)
	WatchdogTimeout(chain types.ChainId)
}

type noopMetrics struct{}

func (noopMetrics) BlockHeight(types.ChainId, uint64)          {}
func (noopMetrics) BlockProducingRate(types.ChainId, float64)  {}
func (noopMetrics) ReorgDetected(types.ChainId, uint64)        {}
func (noopMetrics) WatchdogTimeout(types.ChainId)              {}

// Options configures one ChainWatcher.
type Options struct {
	Chain                 types.ChainId
	GenesisBlock          uint64
	PageSize              uint64        // default 5000; 0 is replaced by the default, so a page never spans more than PageSize blocks
	ProcessEveryNumBlocks uint64        // default 1: poll sweep runs on every processed block
	ChunkSize             int           // default 50
	WatchdogTimeout       time.Duration // default 30s
	ReplayAtHead          bool          // true: backfill polls against the head block (cmd/watch-tower sets this); false: against each historical block
	PollInterval          time.Duration // used when Provider.IsStreamingEnabled() is false
	// FilterPolicy is consulted again at poll time: SKIP leaves an order in
	// the registry but never polls it, DROP removes it at the next sweep.
	FilterPolicy indexer.FilterPolicy
	Log          *slog.Logger
	Metrics      Metrics
	// Alerter receives operator-visible notifications: watchdog
	// timeouts and terminal run errors. Pass a util.NewThrottledAlerter to
	// get the documented 2-hour minimum interval; the Slack/Sentry transport
	// underneath it is the caller's concern.
	Alerter util.Alerter
}

func (o *Options) setDefaults() {
	if o.PageSize == 0 {
		o.PageSize = 5000
	}
	if o.ProcessEveryNumBlocks == 0 {
		o.ProcessEveryNumBlocks = 1
	}
	if o.ChunkSize == 0 {
		o.ChunkSize = 50
	}
	if o.WatchdogTimeout == 0 {
		o.WatchdogTimeout = 30 * time.Second
	}
	if o.PollInterval == 0 {
		o.PollInterval = 3 * time.Second
	}
}

// ChainWatcher drives indexing and polling for one chain.
type ChainWatcher struct {
	opts     Options
	provider Provider
	store    *registry.Store
	indexer  *indexer.Indexer
	engine   *pollengine.Engine
	log      *slog.Logger
	metrics  Metrics
	alerter  util.Alerter

	state        State
	lastReceived types.RegistryBlock
}

func New(opts Options, provider Provider, store *registry.Store, ix *indexer.Indexer, engine *pollengine.Engine) *ChainWatcher {
	opts.setDefaults()
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	alerter := opts.Alerter
	if alerter == nil {
		alerter = util.NoopAlerter()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &ChainWatcher{
		opts:     opts,
		provider: provider,
		store:    store,
		indexer:  ix,
		engine:   engine,
		log:      log.With("chain", opts.Chain.String()),
		metrics:  metrics,
		alerter:  alerter,
		state:    StateSyncing,
	}
}

func (w *ChainWatcher) State() State { return w.state }

// Run loads the registry, backfills to the chain head, then runs the live
// loop (streaming or polled) plus a watchdog goroutine, until ctx is
// cancelled or an unrecoverable error occurs.
func (w *ChainWatcher) Run(ctx context.Context) error {
	reg, err := w.store.Load(ctx, w.opts.Chain, w.opts.GenesisBlock)
	if err != nil {
		w.alerter.Alert(ctx, "chain %s: load registry: %v", w.opts.Chain, err)
		return fmt.Errorf("watcher: load registry: %w", err)
	}

	if err := w.backfill(ctx, reg); err != nil {
		w.notifyError(ctx, reg, "chain %s: backfill: %v", w.opts.Chain, err)
		return fmt.Errorf("watcher: backfill: %w", err)
	}
	w.state = StateInSync
	w.log.Info("in sync", "block", reg.LastProcessedBlock.Number)
	if reg.LastProcessedBlock != nil {
		w.lastReceived = *reg.LastProcessedBlock
	}

	done := make(chan error, 1)
	go func() { done <- w.liveLoop(ctx, reg) }()
	go w.watchdog(ctx)

	select {
	case <-ctx.Done():
		return nil
	case err := <-done:
		if err != nil {
			w.notifyError(ctx, reg, "chain %s: unhandled error: %v", w.opts.Chain, err)
		}
		return err
	}
}

// notifyError records the notification time on the registry (persisted
// best-effort) and forwards to the alerter. The alerter's throttle keeps its
// own in-memory timestamp and does not read this field.
func (w *ChainWatcher) notifyError(ctx context.Context, reg *types.Registry, format string, v ...interface{}) {
	now := time.Now().UTC()
	reg.LastNotifiedError = &now
	if err := w.store.Write(ctx, reg); err != nil {
		w.log.Warn("persisting last notified error", "error", err)
	}
	w.alerter.Alert(ctx, format, v...)
}

// backfill pages through [fromBlock, head] in PageSize chunks, running the
// indexer then a full poll sweep per block, using the head block as the
// replay-time hint when ReplayAtHead is set (as cmd/watch-tower does), so scheduling
// hints are computed against the current tip rather than the historical
// block.
func (w *ChainWatcher) backfill(ctx context.Context, reg *types.Registry) error {
	fromBlock := reg.LastProcessedBlock.Number + 1

	for {
		head, err := w.provider.HeaderByNumber(ctx, nil)
		if err != nil {
			return fmt.Errorf("fetch head: %w", err)
		}
		headNum := head.Number.Uint64()

		if fromBlock > headNum {
			return nil
		}

		toBlock := headNum
		if w.opts.PageSize > 0 && toBlock-fromBlock+1 > w.opts.PageSize {
			toBlock = fromBlock + w.opts.PageSize - 1
		}

		logsByBlock, err := w.fetchLogsByBlock(ctx, fromBlock, toBlock)
		if err != nil {
			return fmt.Errorf("fetch logs [%d,%d]: %w", fromBlock, toBlock, err)
		}

		replayBlock := pollengine.BlockContext{Number: headNum, Timestamp: head.Time}
		if !w.opts.ReplayAtHead {
			replayBlock = pollengine.BlockContext{Number: toBlock}
		}

		for n := fromBlock; n <= toBlock; n++ {
			if logs, ok := logsByBlock[n]; ok {
				if err := w.indexer.ProcessLogs(reg, logs); err != nil {
					return fmt.Errorf("index block %d: %w", n, err)
				}
			}
			if w.opts.ReplayAtHead {
				if err := w.sweep(ctx, reg, replayBlock); err != nil {
					return fmt.Errorf("sweep at block %d: %w", n, err)
				}
			} else {
				blockHeader, err := w.provider.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
				if err != nil {
					return fmt.Errorf("fetch header %d: %w", n, err)
				}
				if err := w.sweep(ctx, reg, pollengine.BlockContext{Number: n, Timestamp: blockHeader.Time}); err != nil {
					return fmt.Errorf("sweep at block %d: %w", n, err)
				}
			}
		}

		toHeader, err := w.provider.HeaderByNumber(ctx, new(big.Int).SetUint64(toBlock))
		if err != nil {
			return fmt.Errorf("fetch header %d: %w", toBlock, err)
		}
		reg.LastProcessedBlock = &types.RegistryBlock{
			Number:    toBlock,
			Timestamp: toHeader.Time,
			Hash:      watchtower.Hash(toHeader.Hash()),
		}
		if err := w.writeRegistry(ctx, reg); err != nil {
			return fmt.Errorf("persist after page [%d,%d]: %w", fromBlock, toBlock, err)
		}

		w.log.Info("backfill page processed", "from", fromBlock, "to", toBlock, "head", headNum)

		if toBlock >= headNum {
			return nil
		}
		fromBlock = toBlock + 1
	}
}

func (w *ChainWatcher) fetchLogsByBlock(ctx context.Context, fromBlock, toBlock uint64) (map[uint64][]gethtypes.Log, error) {
	topics := w.indexer.Topics()
	rawTopics := make([]gethTopicHash, len(topics))
	for i, t := range topics {
		rawTopics[i] = gethTopicHash(t)
	}

	logs, err := w.provider.FilterLogs(ctx, goethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Topics:    [][]gethTopicHash{rawTopics},
	})
	if err != nil {
		return nil, err
	}

	out := make(map[uint64][]gethtypes.Log)
	for _, l := range logs {
		out[l.BlockNumber] = append(out[l.BlockNumber], l)
	}
	return out, nil
}

// liveLoop streams newHeads if the
// provider supports it, otherwise poll on a fixed interval. Reorgs (a
// block number <= lastReceived whose hash differs) are re-processed in
// place rather than skipped.
func (w *ChainWatcher) liveLoop(ctx context.Context, reg *types.Registry) error {
	if w.provider.IsStreamingEnabled() {
		return w.streamLoop(ctx, reg)
	}
	return w.pollLoop(ctx, reg)
}

func (w *ChainWatcher) streamLoop(ctx context.Context, reg *types.Registry) error {
	// buffer heads so a long poll sweep never blocks the subscription's
	// delivery goroutine; a backed-up buffer is logged, not dropped
	ch := make(chan *gethtypes.Header)
	subCh := util.MakeUnboundedChan(ch, w.log, 128)
	sub, err := w.provider.SubscribeNewHeads(ctx, subCh)
	if err != nil {
		return fmt.Errorf("subscribe new heads: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return fmt.Errorf("new heads subscription: %w", err)
		case header := <-ch:
			if err := w.processHead(ctx, reg, header); err != nil {
				return err
			}
		}
	}
}

func (w *ChainWatcher) pollLoop(ctx context.Context, reg *types.Registry) error {
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			header, err := w.provider.HeaderByNumber(ctx, nil)
			if err != nil {
				continue // transient RPC error; try again next tick
			}
			if header.Number.Uint64() == w.lastReceived.Number && watchtower.Hash(header.Hash()) == w.lastReceived.Hash {
				continue
			}
			if err := w.processHead(ctx, reg, header); err != nil {
				return err
			}
		}
	}
}

func (w *ChainWatcher) processHead(ctx context.Context, reg *types.Registry, header *gethtypes.Header) error {
	number := header.Number.Uint64()
	hash := watchtower.Hash(header.Hash())

	isReorg := number <= w.lastReceived.Number && hash != w.lastReceived.Hash && w.lastReceived.Number != 0
	if isReorg {
		depth := w.lastReceived.Number - number + 1
		w.log.Warn("reorg detected, re-processing block", "number", number, "depth", depth, "hash", hash)
		w.metrics.ReorgDetected(w.opts.Chain, depth)
	}

	logs, err := w.provider.FilterLogs(ctx, goethereum.FilterQuery{
		BlockHash: func() *gethHash { h := gethHash(hash); return &h }(),
	})
	if err != nil {
		// fall back to a number-ranged filter; some providers reject
		// BlockHash queries for non-canonical (reorg'd) blocks
		logs, err = w.provider.FilterLogs(ctx, goethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(number),
			ToBlock:   new(big.Int).SetUint64(number),
		})
		if err != nil {
			return fmt.Errorf("fetch logs for block %d: %w", number, err)
		}
	}

	if !ethutil.ValidateLogsWithBlockHeader(logs, header) {
		return fmt.Errorf("logs for block %d do not match header bloom filter, provider returned an incomplete set", number)
	}

	topics := w.indexer.Topics()
	topicSet := make(map[gethTopicHash]bool, len(topics))
	for _, t := range topics {
		topicSet[gethTopicHash(t)] = true
	}
	var filtered []gethtypes.Log
	for _, l := range logs {
		if len(l.Topics) > 0 && topicSet[gethTopicHash(l.Topics[0])] {
			filtered = append(filtered, l)
		}
	}

	if err := w.indexer.ProcessLogs(reg, filtered); err != nil {
		return fmt.Errorf("index block %d: %w", number, err)
	}

	if number%w.opts.ProcessEveryNumBlocks == 0 {
		if err := w.sweep(ctx, reg, pollengine.BlockContext{Number: number, Timestamp: header.Time}); err != nil {
			return fmt.Errorf("sweep at block %d: %w", number, err)
		}
	}

	if w.lastReceived.Timestamp != 0 {
		w.metrics.BlockProducingRate(w.opts.Chain, float64(header.Time)-float64(w.lastReceived.Timestamp))
	}
	w.metrics.BlockHeight(w.opts.Chain, number)

	reg.LastProcessedBlock = &types.RegistryBlock{Number: number, Timestamp: header.Time, Hash: hash}
	if err := w.writeRegistry(ctx, reg); err != nil {
		return fmt.Errorf("persist block %d: %w", number, err)
	}

	w.lastReceived = types.RegistryBlock{Number: number, Timestamp: header.Time, Hash: hash}
	return nil
}

// sweep runs the poll engine across every live conditional order in owner
// and insertion order, committing the registry every ChunkSize orders so a
// crash mid-sweep loses at most one chunk of pollResult updates.
func (w *ChainWatcher) sweep(ctx context.Context, reg *types.Registry, block pollengine.BlockContext) error {
	type toDrop struct {
		owner watchtower.Address
		id    types.OrderId
	}
	var pendingDrops []toDrop
	processed := 0

	// snapshot the orders first: removals at chunk boundaries shift the
	// registry's slices, which would otherwise skip orders mid-iteration
	type entry struct {
		owner watchtower.Address
		co    *types.ConditionalOrder
	}
	var entries []entry
	reg.AllOrders(func(owner watchtower.Address, co *types.ConditionalOrder) bool {
		entries = append(entries, entry{owner: owner, co: co})
		return true
	})

	for _, e := range entries {
		owner, co := e.owner, e.co
		switch w.opts.FilterPolicy.Resolve(co.Id, co.Tx, owner, co.Params.Handler) {
		case indexer.ActionSkip:
			continue
		case indexer.ActionDrop:
			pendingDrops = append(pendingDrops, toDrop{owner: owner, id: co.Id})
			continue
		}

		result := w.engine.Poll(ctx, owner, co, block)
		if _, dontTryAgain := result.(types.DontTryAgain); dontTryAgain {
			pendingDrops = append(pendingDrops, toDrop{owner: owner, id: co.Id})
		}

		processed++
		if processed%w.opts.ChunkSize == 0 {
			for _, d := range pendingDrops {
				reg.Remove(d.owner, d.id)
			}
			pendingDrops = nil
			if err := w.writeRegistry(ctx, reg); err != nil {
				return err
			}
		}
	}

	for _, d := range pendingDrops {
		reg.Remove(d.owner, d.id)
	}
	return w.writeRegistry(ctx, reg)
}

// writeRegistry commits the registry, retrying transient storage failures
// with exponential backoff. An error here is terminal: the caller aborts
// and an external supervisor restarts the process.
func (w *ChainWatcher) writeRegistry(ctx context.Context, reg *types.Registry) error {
	return breaker.Do(ctx, func() error {
		return w.store.Write(ctx, reg)
	}, nil, 500*time.Millisecond, 2, 10)
}

// watchdog wakes every 5s; if the chain has gone
// quiet for WatchdogTimeout, logs the condition and, outside an
// orchestrated container, exits the process non-zero so an external
// supervisor restarts it. Inside a Kubernetes pod it marks state UNKNOWN
// and continues, since the orchestrator owns the restart decision there.
func (w *ChainWatcher) watchdog(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.lastReceived.Timestamp == 0 {
				continue
			}
			quiet := time.Since(time.Unix(int64(w.lastReceived.Timestamp), 0))
			if quiet < w.opts.WatchdogTimeout {
				continue
			}
			w.metrics.WatchdogTimeout(w.opts.Chain)
			w.log.Error("watchdog timeout", "quiet", quiet)
			w.alerter.Alert(ctx, "chain %s: watchdog timeout, quiet for %s", w.opts.Chain, quiet)
			if runningInOrchestratedContainer() {
				w.state = StateUnknown
				continue
			}
			os.Exit(1)
		}
	}
}

func runningInOrchestratedContainer() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != "" && os.Getenv("KUBERNETES_SERVICE_PORT") != ""
}

// gethTopicHash/gethHash are local aliases so this file only needs one
// import for go-ethereum's common.Hash, matching the conversions already
// used for watchtower.Hash elsewhere in the module.
type gethTopicHash = watchtower.Hash
type gethHash = watchtower.Hash
