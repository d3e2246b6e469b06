package pollengine

import (
	"context"
	"math/big"
	"testing"

	"github.com/0xsequence/ethkit/ethcoder"
	goethereum "github.com/0xsequence/ethkit/go-ethereum"
	gethabi "github.com/0xsequence/ethkit/go-ethereum/accounts/abi"
	watchtower "github.com/cowprotocol/watchtower"
	"github.com/cowprotocol/watchtower/orderfactory"
	"github.com/cowprotocol/watchtower/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCaller stubs the legacy multicall path's eth_call surface.
type fakeCaller struct {
	resp []byte
	err  error
}

func (f fakeCaller) CallContract(ctx context.Context, msg goethereum.CallMsg, blockNum *big.Int) ([]byte, error) {
	return f.resp, f.err
}

// packAggregate3ValueResult builds the raw return bytes a real eth_call
// against Multicall3.aggregate3Value would yield, wrapping one (success,
// returnData) result, the same shape unpackAggregate3Value decodes.
func packAggregate3ValueResult(t *testing.T, success bool, returnData []byte) []byte {
	t.Helper()
	resultType, err := gethabi.NewType("tuple[]", "", []gethabi.ArgumentMarshaling{
		{Name: "success", Type: "bool"},
		{Name: "returnData", Type: "bytes"},
	})
	require.NoError(t, err)
	args := gethabi.Arguments{{Type: resultType}}

	type result struct {
		Success    bool
		ReturnData []byte
	}
	packed, err := args.Pack([]result{{Success: success, ReturnData: returnData}})
	require.NoError(t, err)
	return packed
}

func revertSelector(sig string) []byte {
	return ethcoder.Keccak256([]byte(sig))[:4]
}

type fakeSubmitter struct {
	result types.PollResult
	called bool
}

func (f *fakeSubmitter) Submit(ctx context.Context, uid types.OrderUid, order types.DiscreteOrder, signature []byte, owner watchtower.Address, blockTimestamp uint64) types.PollResult {
	f.called = true
	return f.result
}

type unknownFactory struct{}

func (unknownFactory) Poll(ctx context.Context, owner watchtower.Address, params types.ConditionalOrderParams, block orderfactory.BlockInfo, proofPath []watchtower.Hash) (orderfactory.Outcome, error) {
	return orderfactory.Unknown(), nil
}

type successFactory struct {
	order     types.DiscreteOrder
	signature []byte
}

func (f successFactory) Poll(ctx context.Context, owner watchtower.Address, params types.ConditionalOrderParams, block orderfactory.BlockInfo, proofPath []watchtower.Hash) (orderfactory.Outcome, error) {
	return orderfactory.Outcome{Result: types.Success{Order: f.order, Signature: f.signature}}, nil
}

func newConditionalOrder() *types.ConditionalOrder {
	return &types.ConditionalOrder{
		Id: types.OrderId{0x01},
		Params: types.ConditionalOrderParams{
			Handler:     watchtower.Address{0xaa, 0x01},
			Salt:        watchtower.Hash{0x11},
			StaticInput: []byte{0x00},
		},
		ComposableCow: watchtower.Address{0xcc},
		Orders:        map[types.OrderUid]types.OrderStatus{},
	}
}

// TestPollSingleOrderNotAuthedDropsOrder: a
// revert of 0x7a933234 (SingleOrderNotAuthed) returns DONT_TRY_AGAIN so the
// chain watcher removes the order at the next sweep.
func TestPollSingleOrderNotAuthedDropsOrder(t *testing.T) {
	revertData := revertSelector("SingleOrderNotAuthed()")
	resp := packAggregate3ValueResult(t, false, revertData)

	e := New(Options{
		Chain:              1,
		SettlementContract: watchtower.Address{0x99},
		Caller:             fakeCaller{resp: resp},
		Factory:            unknownFactory{},
		Submitter:          &fakeSubmitter{},
	})

	co := newConditionalOrder()
	result := e.Poll(context.Background(), watchtower.Address{0x01}, co, BlockContext{Number: 100, Timestamp: 1700000000})

	dropped, ok := result.(types.DontTryAgain)
	require.True(t, ok, "expected DontTryAgain, got %T", result)
	assert.Contains(t, dropped.Reason, "SingleOrderNotAuthed")
}

// TestPollEarlySkipHonorsPriorEpochHint covers the first
// half: a block before the stored TryAtEpoch hint must not even reach the
// caller.
func TestPollEarlySkipHonorsPriorEpochHint(t *testing.T) {
	caller := fakeCaller{err: assert.AnError}
	e := New(Options{
		Chain:              1,
		SettlementContract: watchtower.Address{0x99},
		Caller:             caller,
		Factory:            unknownFactory{},
		Submitter:          &fakeSubmitter{},
	})

	co := newConditionalOrder()
	co.PollResult = types.TryAtEpoch{Epoch: 1694340000, Reason: "here's looking at you"}

	result := e.Poll(context.Background(), watchtower.Address{0x01}, co, BlockContext{Number: 100, Timestamp: 1694339999})
	hint, ok := result.(types.TryAtEpoch)
	require.True(t, ok)
	assert.Equal(t, uint64(1694340000), hint.Epoch)
}

// TestPollSuccessSubmitsExactlyOnce covers the factory-success happy path and
// the dedup step: a second poll with the same OrderUid already recorded must
// not call the submitter again.
func TestPollSuccessSubmitsExactlyOnce(t *testing.T) {
	order := sampleOrder()
	factory := successFactory{order: order, signature: []byte{0xde, 0xad}}
	submitter := &fakeSubmitter{result: types.Success{}}

	e := New(Options{
		Chain:              1,
		SettlementContract: watchtower.Address{0x99},
		Caller:             fakeCaller{},
		Factory:            factory,
		Submitter:          submitter,
	})

	co := newConditionalOrder()
	owner := watchtower.Address{0x01}

	result := e.Poll(context.Background(), owner, co, BlockContext{Number: 100, Timestamp: 1700000000})
	require.IsType(t, types.Success{}, result)
	require.True(t, submitter.called)
	require.Len(t, co.Orders, 1)

	// second poll: the uid is already recorded, so the submitter must not be
	// invoked again: a known uid is never resubmitted.
	submitter.called = false
	result = e.Poll(context.Background(), owner, co, BlockContext{Number: 101, Timestamp: 1700000001})
	require.IsType(t, types.Success{}, result)
	assert.False(t, submitter.called)
}

// TestPollValidationRejectsZeroAmounts covers the pre-submission sanity checks.
func TestPollValidationRejectsZeroAmounts(t *testing.T) {
	order := sampleOrder()
	order.SellAmount = big.NewInt(0)
	factory := successFactory{order: order, signature: []byte{0x01}}
	submitter := &fakeSubmitter{result: types.Success{}}

	e := New(Options{
		Chain:              1,
		SettlementContract: watchtower.Address{0x99},
		Caller:             fakeCaller{},
		Factory:            factory,
		Submitter:          submitter,
	})

	co := newConditionalOrder()
	result := e.Poll(context.Background(), watchtower.Address{0x01}, co, BlockContext{Number: 100, Timestamp: 1700000000})
	require.IsType(t, types.DontTryAgain{}, result)
	assert.False(t, submitter.called)
}

// TestPollNonCompliantRevertDropsOrder: an unknown selector drops the order.
func TestPollNonCompliantRevertDropsOrder(t *testing.T) {
	resp := packAggregate3ValueResult(t, false, []byte{0xde, 0xad, 0xbe, 0xef})
	e := New(Options{
		Chain:              1,
		SettlementContract: watchtower.Address{0x99},
		Caller:             fakeCaller{resp: resp},
		Factory:            unknownFactory{},
		Submitter:          &fakeSubmitter{},
	})

	co := newConditionalOrder()
	result := e.Poll(context.Background(), watchtower.Address{0x01}, co, BlockContext{Number: 100, Timestamp: 1700000000})
	dropped, ok := result.(types.DontTryAgain)
	require.True(t, ok)
	assert.Contains(t, dropped.Reason, "non-compliant")
}

// TestPollTransientRpcErrorRetriesNextBlock: a transport-level multicall
// failure reschedules for the next block instead of dropping the order.
func TestPollTransientRpcErrorRetriesNextBlock(t *testing.T) {
	e := New(Options{
		Chain:              1,
		SettlementContract: watchtower.Address{0x99},
		Caller:             fakeCaller{err: assert.AnError},
		Factory:            unknownFactory{},
		Submitter:          &fakeSubmitter{},
	})

	co := newConditionalOrder()
	result := e.Poll(context.Background(), watchtower.Address{0x01}, co, BlockContext{Number: 100, Timestamp: 1700000000})
	assert.IsType(t, types.TryNextBlock{}, result)
}
