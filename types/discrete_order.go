package types

import (
	"fmt"
	"math/big"

	watchtower "github.com/cowprotocol/watchtower"
)

// OrderKind is the closed set the settlement contract encodes as a 32-byte
// hash constant; the watch-tower only ever deals with the two literal
// strings the orders API accepts.
type OrderKind string

const (
	OrderKindSell OrderKind = "sell"
	OrderKindBuy  OrderKind = "buy"
)

// TokenBalance is the closed set of balance-source/destination literals the
// orders API accepts for sellTokenBalance / buyTokenBalance.
type TokenBalance string

const (
	TokenBalanceErc20    TokenBalance = "erc20"
	TokenBalanceInternal TokenBalance = "internal"
	TokenBalanceExternal TokenBalance = "external"
)

// SigningScheme is always EIP1271 for orders the watch-tower submits:
// conditional orders are authorized by contract signature, never an EOA
// signature.
const SigningSchemeEip1271 = "eip1271"

// DiscreteOrder is the concrete, one-shot order a handler produces from a
// conditional order's staticInput at a given block. Its OrderUid is the
// dedup key the submission gate enforces at-most-once against.
type DiscreteOrder struct {
	SellToken         watchtower.Address
	BuyToken          watchtower.Address
	Receiver          watchtower.Address // zero address means absent for hashing
	SellAmount        *big.Int
	BuyAmount         *big.Int
	ValidTo           uint32
	AppData           watchtower.Hash
	FeeAmount         *big.Int
	Kind              OrderKind
	PartiallyFillable bool
	SellTokenBalance  TokenBalance
	BuyTokenBalance   TokenBalance
}

// Validate applies the sanity checks required before a PollResult may
// carry Success: zero amounts/tokens or sellToken==buyToken
// are always a protocol-level mistake, never a retryable condition.
func (o DiscreteOrder) Validate() error {
	var zero watchtower.Address
	switch {
	case o.SellAmount == nil || o.SellAmount.Sign() == 0:
		return fmt.Errorf("types: sellAmount is zero")
	case o.BuyAmount == nil || o.BuyAmount.Sign() == 0:
		return fmt.Errorf("types: buyAmount is zero")
	case o.SellToken == zero:
		return fmt.Errorf("types: sellToken is zero address")
	case o.BuyToken == zero:
		return fmt.Errorf("types: buyToken is zero address")
	case o.SellToken == o.BuyToken:
		return fmt.Errorf("types: sellToken equals buyToken")
	}
	return nil
}

// EffectiveReceiver returns Receiver, or the zero address literally: the
// OrderUid hash treats a zero receiver as absent rather than substituting
// the owner.
func (o DiscreteOrder) EffectiveReceiver() watchtower.Address {
	return o.Receiver
}
