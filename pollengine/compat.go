package pollengine

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/0xsequence/ethkit/ethcoder"
	watchtower "github.com/cowprotocol/watchtower"
)

// cabinetSelector is the 4-byte selector for ComposableCoW's
// cabinet(address,bytes32) view.
var cabinetSelector = func() [4]byte {
	var sel [4]byte
	copy(sel[:], ethcoder.Keccak256([]byte("cabinet(address,bytes32)"))[:4])
	return sel
}()

// CodeReader is the eth_getCode surface the compatibility check needs;
// ethrpc.Provider implements it.
type CodeReader interface {
	CodeAt(ctx context.Context, account watchtower.Address, blockNum *big.Int) ([]byte, error)
}

// VerifyComposableCow checks that the deployed bytecode at addr exposes both
// the cabinet and getTradeableOrderWithSignature selectors, by substring
// match over the hex-encoded code. A contract missing either is not a
// ComposableCoW deployment and watching it would never produce an order.
func VerifyComposableCow(ctx context.Context, reader CodeReader, addr watchtower.Address) error {
	code, err := reader.CodeAt(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("pollengine: fetch code at %s: %w", addr.Hex(), err)
	}
	if len(code) == 0 {
		return fmt.Errorf("pollengine: no contract deployed at %s", addr.Hex())
	}

	codeHex := hex.EncodeToString(code)
	for _, sel := range [][4]byte{cabinetSelector, getTradeableOrderWithSignatureSelector} {
		if !strings.Contains(codeHex, hex.EncodeToString(sel[:])) {
			return fmt.Errorf("pollengine: contract at %s does not expose selector 0x%x", addr.Hex(), sel)
		}
	}
	return nil
}
