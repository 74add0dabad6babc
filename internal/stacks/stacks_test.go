package stacks

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalRoundTrip(t *testing.T) {
	standard := Principal{Version: 22, Hash160: [20]byte{1, 2, 3}}
	raw := standard.Serialize()
	parsed, n, err := ParsePrincipal(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, standard, parsed)

	contract := Principal{Version: 22, Hash160: [20]byte{4}, ContractName: "pox-4"}
	raw = contract.Serialize()
	parsed, n, err = ParsePrincipal(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	assert.Equal(t, contract, parsed)
}

func TestParsePrincipalRejectsBadNames(t *testing.T) {
	contract := Principal{Version: 22, Hash160: [20]byte{4}, ContractName: "ok-name"}
	raw := contract.Serialize()
	// Corrupt the first name byte into something the regex refuses.
	raw[23] = '9'
	_, _, err := ParsePrincipal(raw)
	assert.Error(t, err)
}

func TestContractCallEncodingRoundTrip(t *testing.T) {
	deployer := Principal{Version: 22, Hash160: [20]byte{7}}
	txid := chainhash.Hash{0xaa}
	burn := chainhash.Hash{0xbb}
	sweepTxid := chainhash.Hash{0xcc}
	recipient := Principal{Version: 20, Hash160: [20]byte{9}}

	call := CompleteDepositCall(deployer, &txid, 1, 1100, recipient, &burn, 101, &sweepTxid)
	decoded, err := DecodeContractCall(call.Encode())
	require.NoError(t, err)
	assert.Equal(t, call, decoded)

	// The canonical encoding is deterministic, and the tx hash commits
	// to nonce and fee.
	assert.Equal(t, call.Encode(), decoded.Encode())
	assert.Equal(t, call.TxHash(3, 50), decoded.TxHash(3, 50))
	assert.NotEqual(t, call.TxHash(3, 50), decoded.TxHash(4, 50))
}

func TestDepositArgsExtraction(t *testing.T) {
	deployer := Principal{Version: 22, Hash160: [20]byte{7}}
	txid := chainhash.Hash{0x11, 0x22}
	burn := chainhash.Hash{}
	sweepTxid := chainhash.Hash{}
	recipient := Principal{Version: 20, Hash160: [20]byte{9}}

	call := CompleteDepositCall(deployer, &txid, 5, 1000, recipient, &burn, 1, &sweepTxid)
	gotTxid, gotIndex, err := DepositArgs(call)
	require.NoError(t, err)
	assert.Equal(t, txid, *gotTxid)
	assert.Equal(t, uint32(5), gotIndex)
}

func TestWithdrawalArgsExtraction(t *testing.T) {
	deployer := Principal{Version: 22, Hash160: [20]byte{7}}

	accept := AcceptWithdrawalCall(deployer, 42, 0b111, 10, &chainhash.Hash{}, 1, &chainhash.Hash{})
	id, err := WithdrawalArgs(accept)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	reject := RejectWithdrawalCall(deployer, 43, 0b011)
	id, err = WithdrawalArgs(reject)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), id)
}

func TestClarityUIntBounds(t *testing.T) {
	_, err := parseUInt(ClarityUInt(7))
	require.NoError(t, err)

	// A forged uint with high bits set is refused.
	forged := ClarityUInt(7)
	forged[1] = 0x01
	_, err = parseUInt(forged)
	assert.Error(t, err)
}
