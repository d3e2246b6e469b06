// Package pollengine implements the Poll Engine: for one
// conditional order at a given block, it decides whether to skip (prior
// hint not yet due), ask the order factory, fall back to the on-chain
// legacy multicall path, validate a candidate discrete order, and finally
// hand it to the Submission Gate exactly once per OrderUid.
package pollengine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/0xsequence/ethkit/ethrpc/multicall"
	goethereum "github.com/0xsequence/ethkit/go-ethereum"
	gethabi "github.com/0xsequence/ethkit/go-ethereum/accounts/abi"
	"github.com/0xsequence/ethkit/go-ethereum/common"
	watchtower "github.com/cowprotocol/watchtower"
	"github.com/cowprotocol/watchtower/orderfactory"
	"github.com/cowprotocol/watchtower/revert"
	"github.com/cowprotocol/watchtower/types"
)

// Multicall3Address is fixed across every EVM chain.
var Multicall3Address = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

// Caller is the narrow eth_call surface the legacy path needs.
type Caller interface {
	CallContract(ctx context.Context, msg goethereum.CallMsg, blockNum *big.Int) ([]byte, error)
}

// Submitter is the Submission Gate's contract, kept as an interface so the
// engine can be tested without a real HTTP client.
type Submitter interface {
	Submit(ctx context.Context, uid types.OrderUid, order types.DiscreteOrder, signature []byte, owner watchtower.Address, blockTimestamp uint64) types.PollResult
}

// Metrics are optional counting hooks for poll outcomes.
type Metrics interface {
	PollOutcome(chain types.ChainId, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) PollOutcome(types.ChainId, string) {}

// BlockContext is the block the order is being polled at.
type BlockContext struct {
	Number    uint64
	Timestamp uint64
}

// Engine is the poll engine for one chain.
type Engine struct {
	chain              types.ChainId
	chainIDForDigest   uint64
	settlementContract watchtower.Address
	composableCow      watchtower.Address // not set by New; legacyPoll always targets the order's own ComposableCow
	caller             Caller
	factory            orderfactory.Factory
	submitter          Submitter
	metrics            Metrics
}

type Options struct {
	Chain              types.ChainId
	SettlementContract watchtower.Address
	Caller             Caller
	Factory            orderfactory.Factory
	Submitter          Submitter
	Metrics            Metrics
}

func New(opts Options) *Engine {
	factory := opts.Factory
	if factory == nil {
		factory = orderfactory.Legacy()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Engine{
		chain:              opts.Chain,
		chainIDForDigest:   uint64(opts.Chain),
		settlementContract: opts.SettlementContract,
		caller:             opts.Caller,
		factory:            factory,
		submitter:          opts.Submitter,
		metrics:            metrics,
	}
}

// Poll evaluates one conditional order at the given block, mutating
// co.PollResult (and co.Orders on a successful submission) in place.
func (e *Engine) Poll(ctx context.Context, owner watchtower.Address, co *types.ConditionalOrder, block BlockContext) types.PollResult {
	if skip, ok := earlySkip(co.PollResult, block); ok {
		return skip
	}

	var proofPath []watchtower.Hash
	if co.Proof != nil {
		proofPath = co.Proof.Path
	}

	factoryOutcome, err := e.factory.Poll(ctx, owner, co.Params, orderfactory.BlockInfo{Number: block.Number, Timestamp: block.Timestamp}, proofPath)
	if err != nil {
		result := types.TryNextBlock{Reason: fmt.Sprintf("order factory error: %v", err)}
		co.PollResult = result
		e.metrics.PollOutcome(e.chain, "factory_error")
		return result
	}

	var (
		order     types.DiscreteOrder
		signature []byte
	)

	if !factoryOutcome.Unknown {
		if success, ok := factoryOutcome.Result.(types.Success); ok {
			order, signature = success.Order, success.Signature
		} else {
			co.PollResult = factoryOutcome.Result
			e.metrics.PollOutcome(e.chain, outcomeLabel(factoryOutcome.Result))
			return factoryOutcome.Result
		}
	} else {
		result, legacyOrder, legacySig, ok := e.legacyPoll(ctx, owner, co, block, proofPath)
		if !ok {
			co.PollResult = result
			e.metrics.PollOutcome(e.chain, outcomeLabel(result))
			return result
		}
		order, signature = legacyOrder, legacySig
	}

	if err := order.Validate(); err != nil {
		result := types.DontTryAgain{Reason: err.Error()}
		co.PollResult = result
		e.metrics.PollOutcome(e.chain, "invalid_order")
		return result
	}

	uid, err := deriveOrderUid(order, owner, e.chainIDForDigest, e.settlementContract)
	if err != nil {
		result := types.DontTryAgain{Reason: fmt.Sprintf("decode failure: %v", err)}
		co.PollResult = result
		e.metrics.PollOutcome(e.chain, "uid_derivation_error")
		return result
	}

	if status, seen := co.Orders[uid]; seen {
		// already emitted; do not resubmit, just log the current status via
		// the engine's metric hook and leave PollResult as a successful no-op
		result := types.Success{Order: order, Signature: signature}
		co.PollResult = result
		e.metrics.PollOutcome(e.chain, fmt.Sprintf("already_submitted_%s", status))
		return result
	}

	submitResult := e.submitter.Submit(ctx, uid, order, signature, owner, block.Timestamp)
	if _, ok := submitResult.(types.Success); ok {
		co.MarkSubmitted(uid)
		result := types.Success{Order: order, Signature: signature}
		co.PollResult = result
		e.metrics.PollOutcome(e.chain, "submitted")
		return result
	}

	co.PollResult = submitResult
	e.metrics.PollOutcome(e.chain, outcomeLabel(submitResult))
	return submitResult
}

// earlySkip: if the prior hint has not yet
// come due, leave the existing PollResult untouched and signal the caller
// not to re-poll this block.
func earlySkip(prior types.PollResult, block BlockContext) (types.PollResult, bool) {
	switch h := prior.(type) {
	case types.TryAtEpoch:
		if !h.AtOrAfterEpoch(block.Timestamp) {
			return h, true
		}
	case types.TryOnBlock:
		if !h.AtOrAfterBlock(block.Number) {
			return h, true
		}
	}
	return nil, false
}

// legacyPoll performs a Multicall3 aggregate3Value call
// wrapping getTradeableOrderWithSignature so a handler revert never
// propagates as a top-level eth_call error. The returned bool reports
// whether a candidate (order, signature) pair was produced; when false, the
// first return value is the final PollResult to use.
func (e *Engine) legacyPoll(ctx context.Context, owner watchtower.Address, co *types.ConditionalOrder, block BlockContext, proofPath []watchtower.Hash) (types.PollResult, types.DiscreteOrder, []byte, bool) {
	target := co.ComposableCow

	callData, err := packGetTradeableOrderWithSignature(owner, rawConditionalOrderParams{
		Handler:     common.Address(co.Params.Handler),
		Salt:        co.Params.Salt,
		StaticInput: co.Params.StaticInput,
	}, []byte{}, toBytes32Slice(proofPath))
	if err != nil {
		return types.TryNextBlock{Reason: fmt.Sprintf("pack call: %v", err)}, types.DiscreteOrder{}, nil, false
	}

	multicallCalldata, err := packAggregate3Value(target, callData)
	if err != nil {
		return types.TryNextBlock{Reason: fmt.Sprintf("pack multicall: %v", err)}, types.DiscreteOrder{}, nil, false
	}

	resp, err := e.caller.CallContract(ctx, goethereum.CallMsg{To: &Multicall3Address, Data: multicallCalldata}, new(big.Int).SetUint64(block.Number))
	if err != nil {
		// non-contract ethers-level failure (network, decode of outer multicall)
		return types.TryNextBlock{Reason: fmt.Sprintf("multicall rpc error: %v", err)}, types.DiscreteOrder{}, nil, false
	}

	success, returnData, err := unpackAggregate3Value(resp)
	if err != nil {
		return types.TryNextBlock{Reason: fmt.Sprintf("multicall decode error: %v", err)}, types.DiscreteOrder{}, nil, false
	}

	if success {
		raw, signature, err := unpackTradeableOrderWithSignature(returnData)
		if err != nil {
			return types.DontTryAgain{Reason: "decode failure"}, types.DiscreteOrder{}, nil, false
		}
		order, err := toDiscreteOrder(raw)
		if err != nil {
			return types.DontTryAgain{Reason: fmt.Sprintf("decode failure: %v", err)}, types.DiscreteOrder{}, nil, false
		}
		return nil, order, signature, true
	}

	return e.mapRevert(returnData), types.DiscreteOrder{}, nil, false
}

// mapRevert turns a decoded revert variant into its scheduling outcome.
func (e *Engine) mapRevert(returnData []byte) types.PollResult {
	variant, err := revert.Decode(returnData)
	if err != nil {
		return types.DontTryAgain{Reason: "non-compliant revert hint"}
	}

	switch v := variant.(type) {
	case revert.SingleOrderNotAuthed, revert.ProofNotAuthed, revert.InterfaceNotSupported,
		revert.InvalidFallbackHandler, revert.InvalidHandler, revert.SwapGuardRestricted:
		return types.DontTryAgain{Reason: fmt.Sprintf("%T", v)}
	case revert.OrderNotValid:
		return types.DontTryAgain{Reason: v.Message}
	case revert.PollTryNextBlock:
		return types.TryNextBlock{Reason: v.Message}
	case revert.PollTryAtBlock:
		return types.TryOnBlock{BlockNumber: v.BlockNumber, Reason: v.Message}
	case revert.PollTryAtEpoch:
		return types.TryAtEpoch{Epoch: v.Epoch, Reason: v.Message}
	case revert.PollNever:
		return types.DontTryAgain{Reason: v.Message}
	case revert.NonCompliant:
		return types.DontTryAgain{Reason: "non-compliant revert hint"}
	default:
		return types.DontTryAgain{Reason: "non-compliant revert hint"}
	}
}

func toDiscreteOrder(raw rawGPv2Order) (types.DiscreteOrder, error) {
	kind, err := decodeOrderKind(raw.Kind)
	if err != nil {
		return types.DiscreteOrder{}, err
	}
	sellBalance, err := decodeTokenBalance(raw.SellTokenBalance)
	if err != nil {
		return types.DiscreteOrder{}, err
	}
	buyBalance, err := decodeTokenBalance(raw.BuyTokenBalance)
	if err != nil {
		return types.DiscreteOrder{}, err
	}
	return types.DiscreteOrder{
		SellToken:         watchtower.Address(raw.SellToken),
		BuyToken:          watchtower.Address(raw.BuyToken),
		Receiver:          watchtower.Address(raw.Receiver),
		SellAmount:        raw.SellAmount,
		BuyAmount:         raw.BuyAmount,
		ValidTo:           raw.ValidTo,
		AppData:           watchtower.Hash(raw.AppData),
		FeeAmount:         raw.FeeAmount,
		Kind:              kind,
		PartiallyFillable: raw.PartiallyFillable,
		SellTokenBalance:  sellBalance,
		BuyTokenBalance:   buyBalance,
	}, nil
}

func toBytes32Slice(hashes []watchtower.Hash) [][32]byte {
	out := make([][32]byte, len(hashes))
	for i, h := range hashes {
		out[i] = h
	}
	return out
}

func outcomeLabel(r types.PollResult) string {
	switch r.(type) {
	case types.Success:
		return "success"
	case types.TryNextBlock:
		return "try_next_block"
	case types.TryOnBlock:
		return "try_on_block"
	case types.TryAtEpoch:
		return "try_at_epoch"
	case types.DontTryAgain:
		return "dont_try_again"
	case types.UnexpectedError:
		return "unexpected_error"
	default:
		return "unknown"
	}
}

func packAggregate3Value(target watchtower.Address, callData []byte) ([]byte, error) {
	contractABI, err := multicall.IMulticall3MetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	calls := []multicall.Multicall3Call3Value{
		{Target: common.Address(target), AllowFailure: true, Value: big.NewInt(0), CallData: callData},
	}
	return contractABI.Pack("aggregate3Value", calls)
}

func unpackAggregate3Value(data []byte) (bool, []byte, error) {
	contractABI, err := multicall.IMulticall3MetaData.GetAbi()
	if err != nil {
		return false, nil, err
	}
	values, err := contractABI.Unpack("aggregate3Value", data)
	if err != nil {
		return false, nil, err
	}
	if len(values) != 1 {
		return false, nil, fmt.Errorf("pollengine: unexpected aggregate3Value return arity %d", len(values))
	}

	results, err := copyMulticallResults(values[0])
	if err != nil {
		return false, nil, err
	}
	if len(results) != 1 {
		return false, nil, fmt.Errorf("pollengine: unexpected aggregate3Value result count %d", len(results))
	}
	return results[0].Success, results[0].ReturnData, nil
}

// copyMulticallResults re-marshals the untyped tuple[] the generic abi
// decoder returns into the generated Multicall3Result struct.
func copyMulticallResults(raw interface{}) ([]multicall.Multicall3Result, error) {
	resultType, err := gethabi.NewType("tuple[]", "", []gethabi.ArgumentMarshaling{
		{Name: "success", Type: "bool"},
		{Name: "returnData", Type: "bytes"},
	})
	if err != nil {
		return nil, err
	}
	var out []multicall.Multicall3Result
	args := gethabi.Arguments{{Type: resultType}}
	if err := args.Copy(&out, []interface{}{raw}); err != nil {
		return nil, err
	}
	return out, nil
}
