package pollengine

import (
	"math/big"

	"github.com/0xsequence/ethkit/ethcoder"
	"github.com/0xsequence/ethkit/go-ethereum/accounts/abi"
	"github.com/0xsequence/ethkit/go-ethereum/common"
	watchtower "github.com/cowprotocol/watchtower"
)

// getTradeableOrderWithSignatureSelector is the 4-byte selector for
// ComposableCoW's getTradeableOrderWithSignature(address,(address,bytes32,bytes),bytes,bytes32[]),
// computed once from the canonical signature rather than hand-written as a
// hex literal.
var getTradeableOrderWithSignatureSelector = func() [4]byte {
	var sel [4]byte
	copy(sel[:], ethcoder.Keccak256([]byte("getTradeableOrderWithSignature(address,(address,bytes32,bytes),bytes,bytes32[])"))[:4])
	return sel
}()

var conditionalOrderParamsTupleType = mustTupleType([]abi.ArgumentMarshaling{
	{Name: "handler", Type: "address"},
	{Name: "salt", Type: "bytes32"},
	{Name: "staticInput", Type: "bytes"},
})

// gpv2OrderTupleType mirrors GPv2Order.Data: kind/sellTokenBalance/
// buyTokenBalance are bytes32 hash constants on-chain, decoded here as raw
// [32]byte and translated to their string forms afterward.
var gpv2OrderTupleType = mustTupleType([]abi.ArgumentMarshaling{
	{Name: "sellToken", Type: "address"},
	{Name: "buyToken", Type: "address"},
	{Name: "receiver", Type: "address"},
	{Name: "sellAmount", Type: "uint256"},
	{Name: "buyAmount", Type: "uint256"},
	{Name: "validTo", Type: "uint32"},
	{Name: "appData", Type: "bytes32"},
	{Name: "feeAmount", Type: "uint256"},
	{Name: "kind", Type: "bytes32"},
	{Name: "partiallyFillable", Type: "bool"},
	{Name: "sellTokenBalance", Type: "bytes32"},
	{Name: "buyTokenBalance", Type: "bytes32"},
})

func mustTupleType(fields []abi.ArgumentMarshaling) abi.Type {
	t, err := abi.NewType("tuple", "", fields)
	if err != nil {
		panic(err)
	}
	return t
}

type rawConditionalOrderParams struct {
	Handler     common.Address `abi:"handler"`
	Salt        [32]byte       `abi:"salt"`
	StaticInput []byte         `abi:"staticInput"`
}

type rawGPv2Order struct {
	SellToken         common.Address `abi:"sellToken"`
	BuyToken          common.Address `abi:"buyToken"`
	Receiver          common.Address `abi:"receiver"`
	SellAmount        *big.Int       `abi:"sellAmount"`
	BuyAmount         *big.Int       `abi:"buyAmount"`
	ValidTo           uint32         `abi:"validTo"`
	AppData           [32]byte       `abi:"appData"`
	FeeAmount         *big.Int       `abi:"feeAmount"`
	Kind              [32]byte       `abi:"kind"`
	PartiallyFillable bool           `abi:"partiallyFillable"`
	SellTokenBalance  [32]byte       `abi:"sellTokenBalance"`
	BuyTokenBalance   [32]byte       `abi:"buyTokenBalance"`
}

// packGetTradeableOrderWithSignature builds the calldata for one
// getTradeableOrderWithSignature call.
func packGetTradeableOrderWithSignature(owner watchtower.Address, params rawConditionalOrderParams, offchainInput []byte, proofPath [][32]byte) ([]byte, error) {
	args := abi.Arguments{
		{Type: mustType("address")},
		{Type: conditionalOrderParamsTupleType},
		{Type: mustType("bytes")},
		{Type: mustType("bytes32[]")},
	}
	packed, err := args.Pack(owner, params, offchainInput, proofPath)
	if err != nil {
		return nil, err
	}
	return append(getTradeableOrderWithSignatureSelector[:], packed...), nil
}

// unpackTradeableOrderWithSignature decodes the (order, signature) return
// tuple from a successful call.
func unpackTradeableOrderWithSignature(data []byte) (rawGPv2Order, []byte, error) {
	args := abi.Arguments{
		{Type: gpv2OrderTupleType},
		{Type: mustType("bytes")},
	}
	values, err := args.Unpack(data)
	if err != nil {
		return rawGPv2Order{}, nil, err
	}
	// a single tuple argument is copied into the first field of the
	// destination struct, so wrap rawGPv2Order to receive the whole tuple
	var order struct{ Order rawGPv2Order }
	if err := args[:1].Copy(&order, values[:1]); err != nil {
		return rawGPv2Order{}, nil, err
	}
	signature, _ := values[1].([]byte)
	return order.Order, signature, nil
}

func mustType(s string) abi.Type {
	t, err := abi.NewType(s, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}
