package pollengine

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/0xsequence/ethkit/ethcoder"
	watchtower "github.com/cowprotocol/watchtower"
	"github.com/cowprotocol/watchtower/types"
)

// Hash constants the GPv2Order library uses on-chain in place of literal
// strings for Kind/SellTokenBalance/BuyTokenBalance. Computed once from
// the literal strings rather than
// hand-transcribed as hex, so the mapping table is self-evidently correct.
var (
	kindSellHash = ethcoder.Keccak256Hash([]byte("sell"))
	kindBuyHash  = ethcoder.Keccak256Hash([]byte("buy"))

	balanceErc20Hash    = ethcoder.Keccak256Hash([]byte("erc20"))
	balanceExternalHash = ethcoder.Keccak256Hash([]byte("external"))
	balanceInternalHash = ethcoder.Keccak256Hash([]byte("internal"))
)

// decodeOrderKind maps the on-chain bytes32 constant to the closed string
// enum the orders API and the rest of the watch-tower use. An unrecognized
// hash is a fatal protocol error for that order.
func decodeOrderKind(h [32]byte) (types.OrderKind, error) {
	switch watchtower.Hash(h) {
	case kindSellHash:
		return types.OrderKindSell, nil
	case kindBuyHash:
		return types.OrderKindBuy, nil
	default:
		return "", fmt.Errorf("pollengine: unrecognized order kind hash 0x%x", h)
	}
}

func decodeTokenBalance(h [32]byte) (types.TokenBalance, error) {
	switch watchtower.Hash(h) {
	case balanceErc20Hash:
		return types.TokenBalanceErc20, nil
	case balanceExternalHash:
		return types.TokenBalanceExternal, nil
	case balanceInternalHash:
		return types.TokenBalanceInternal, nil
	default:
		return "", fmt.Errorf("pollengine: unrecognized token balance hash 0x%x", h)
	}
}

// gpv2OrderEIP712Types is the EIP-712 type definition for GPv2Order.Data,
// matching the settlement contract's on-chain domain separator computation.
var gpv2OrderEIP712Types = ethcoder.TypedDataTypes{
	"EIP712Domain": []ethcoder.TypedDataArgument{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": []ethcoder.TypedDataArgument{
		{Name: "sellToken", Type: "address"},
		{Name: "buyToken", Type: "address"},
		{Name: "receiver", Type: "address"},
		{Name: "sellAmount", Type: "uint256"},
		{Name: "buyAmount", Type: "uint256"},
		{Name: "validTo", Type: "uint32"},
		{Name: "appData", Type: "bytes32"},
		{Name: "feeAmount", Type: "uint256"},
		{Name: "kind", Type: "string"},
		{Name: "partiallyFillable", Type: "bool"},
		{Name: "sellTokenBalance", Type: "string"},
		{Name: "buyTokenBalance", Type: "string"},
	},
}

// orderDigest computes the EIP-712 signing digest of order under the GPv2
// Settlement domain for chainID/settlementContract, matching the on-chain
// domain separator CoW Protocol's settlement contract uses.
func orderDigest(order types.DiscreteOrder, chainID uint64, settlementContract watchtower.Address) ([32]byte, error) {
	td := ethcoder.TypedData{
		Types:       gpv2OrderEIP712Types,
		PrimaryType: "Order",
		Domain: ethcoder.TypedDataDomain{
			Name:              "Gnosis Protocol",
			Version:           "v2",
			ChainID:           new(big.Int).SetUint64(chainID),
			VerifyingContract: verifyingContractPtr(settlementContract),
		},
		Message: map[string]interface{}{
			"sellToken":         order.SellToken,
			"buyToken":          order.BuyToken,
			"receiver":          order.EffectiveReceiver(),
			"sellAmount":        order.SellAmount,
			"buyAmount":         order.BuyAmount,
			"validTo":           order.ValidTo,
			"appData":           order.AppData,
			"feeAmount":         order.FeeAmount,
			"kind":              string(order.Kind),
			"partiallyFillable": order.PartiallyFillable,
			"sellTokenBalance":  string(order.SellTokenBalance),
			"buyTokenBalance":   string(order.BuyTokenBalance),
		},
	}
	digest, err := td.EncodeDigest()
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], digest)
	return out, nil
}

func verifyingContractPtr(addr watchtower.Address) *watchtower.Address {
	a := addr
	return &a
}

// deriveOrderUid computes the 56-byte OrderUid: 32-byte order digest || 20-byte
// owner || 4-byte big-endian validTo. If
// receiver is the zero address it is treated as absent for hashing purposes,
// which orderDigest already honors via EffectiveReceiver.
func deriveOrderUid(order types.DiscreteOrder, owner watchtower.Address, chainID uint64, settlementContract watchtower.Address) (types.OrderUid, error) {
	digest, err := orderDigest(order, chainID, settlementContract)
	if err != nil {
		return types.OrderUid{}, err
	}

	var uid types.OrderUid
	copy(uid[:32], digest[:])
	copy(uid[32:52], owner.Bytes())
	binary.BigEndian.PutUint32(uid[52:56], order.ValidTo)
	return uid, nil
}
