package revert

import (
	"math/big"
	"testing"

	"github.com/0xsequence/ethkit/ethcoder"
	"github.com/0xsequence/ethkit/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func selector(sig string) []byte {
	return ethcoder.Keccak256([]byte(sig))[:4]
}

func TestDecodeParameterlessVariants(t *testing.T) {
	cases := []struct {
		sig  string
		want Variant
	}{
		{"ProofNotAuthed()", ProofNotAuthed{}},
		{"SingleOrderNotAuthed()", SingleOrderNotAuthed{}},
		{"SwapGuardRestricted()", SwapGuardRestricted{}},
		{"InvalidHandler()", InvalidHandler{}},
		{"InvalidFallbackHandler()", InvalidFallbackHandler{}},
		{"InterfaceNotSupported()", InterfaceNotSupported{}},
	}
	for _, c := range cases {
		v, err := Decode(selector(c.sig))
		require.NoError(t, err)
		assert.Equal(t, c.want, v)
	}
}

// TestDecodeSingleOrderNotAuthedLiteralSelector pins the literal 4-byte
// selector 0x7a933234.
func TestDecodeSingleOrderNotAuthedLiteralSelector(t *testing.T) {
	payload, err := hexToBytes("0x7a933234")
	require.NoError(t, err)
	v, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, SingleOrderNotAuthed{}, v)
}

func packString(t *testing.T, types []string, values []interface{}) []byte {
	t.Helper()
	args := make(abi.Arguments, len(types))
	for i, ty := range types {
		abiType, err := abi.NewType(ty, "", nil)
		require.NoError(t, err)
		args[i] = abi.Argument{Type: abiType}
	}
	packed, err := args.Pack(values...)
	require.NoError(t, err)
	return packed
}

func TestDecodeOrderNotValid(t *testing.T) {
	body := packString(t, []string{"string"}, []interface{}{"not valid"})
	payload := append(selector("OrderNotValid(string)"), body...)
	v, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, OrderNotValid{Message: "not valid"}, v)
}

func TestDecodePollTryNextBlock(t *testing.T) {
	body := packString(t, []string{"string"}, []interface{}{"wait"})
	payload := append(selector("PollTryNextBlock(string)"), body...)
	v, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, PollTryNextBlock{Message: "wait"}, v)
}

func TestDecodePollNever(t *testing.T) {
	body := packString(t, []string{"string"}, []interface{}{"never"})
	payload := append(selector("PollNever(string)"), body...)
	v, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, PollNever{Message: "never"}, v)
}

func TestDecodePollTryAtBlock(t *testing.T) {
	body := packString(t, []string{"uint256", "string"}, []interface{}{big.NewInt(12345), "at block"})
	payload := append(selector("PollTryAtBlock(uint256,string)"), body...)
	v, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, PollTryAtBlock{BlockNumber: 12345, Message: "at block"}, v)
}

// TestDecodePollTryAtEpoch decodes a payload carrying epoch 1694340000.
func TestDecodePollTryAtEpoch(t *testing.T) {
	body := packString(t, []string{"uint256", "string"}, []interface{}{big.NewInt(1694340000), "here's looking at you"})
	payload := append(selector("PollTryAtEpoch(uint256,string)"), body...)
	v, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, PollTryAtEpoch{Epoch: 1694340000, Message: "here's looking at you"}, v)
}

func TestDecodeOutOfBounds(t *testing.T) {
	tooBig := new(big.Int).Lsh(big.NewInt(1), 33) // 2^33 > 2^32-1
	body := packString(t, []string{"uint256", "string"}, []interface{}{tooBig, "overflow"})
	payload := append(selector("PollTryAtEpoch(uint256,string)"), body...)
	_, err := Decode(payload)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestDecodeMalformedBody(t *testing.T) {
	payload := append(selector("PollTryAtEpoch(uint256,string)"), []byte{0x01, 0x02}...)
	_, err := Decode(payload)
	assert.ErrorIs(t, err, ErrMalformed)
}

// TestDecodeNonCompliantShortPayload: payloads shorter
// than 4 bytes are NON_COMPLIANT, never an error.
func TestDecodeNonCompliantShortPayload(t *testing.T) {
	v, err := Decode([]byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, NonCompliant{}, v)
}

// TestDecodeNonCompliantUnknownSelector: an
// unknown 4-byte selector (0xdeadbeef) is NON_COMPLIANT, not an error.
func TestDecodeNonCompliantUnknownSelector(t *testing.T) {
	v, err := Decode([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	assert.Equal(t, NonCompliant{}, v)
}

func hexToBytes(s string) ([]byte, error) {
	return ethcoder.HexDecode(s)
}
