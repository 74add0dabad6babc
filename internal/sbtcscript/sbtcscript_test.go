package sbtcscript

import (
	"testing"

	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
)

func xOnlyKey(t *testing.T) [32]byte {
	t.Helper()
	sk, err := keys.GeneratePrivateKey()
	require.NoError(t, err)
	return sk.PublicKey().XOnly()
}

func standardRecipient() stacks.Principal {
	return stacks.Principal{Version: 22, Hash160: [20]byte{1, 2, 3}}
}

func TestDepositScriptRoundTrip(t *testing.T) {
	inputs := DepositInputs{
		SignersPublicKey: xOnlyKey(t),
		MaxFee:           100,
		Recipient:        standardRecipient(),
	}
	script, err := inputs.DepositScript()
	require.NoError(t, err)

	parsed, err := ParseDepositScript(script)
	require.NoError(t, err)
	assert.Equal(t, inputs.SignersPublicKey, parsed.SignersPublicKey)
	assert.Equal(t, inputs.MaxFee, parsed.MaxFee)
	assert.Equal(t, inputs.Recipient, parsed.Recipient)

	// Reassembly is byte identical.
	reassembled, err := parsed.DepositScript()
	require.NoError(t, err)
	assert.Equal(t, script, reassembled)
}

func TestDepositScriptContractRecipient(t *testing.T) {
	inputs := DepositInputs{
		SignersPublicKey: xOnlyKey(t),
		MaxFee:           42,
		Recipient: stacks.Principal{
			Version:      22,
			Hash160:      [20]byte{9},
			ContractName: "sbtc-bridge-v1",
		},
	}
	script, err := inputs.DepositScript()
	require.NoError(t, err)
	parsed, err := ParseDepositScript(script)
	require.NoError(t, err)
	assert.Equal(t, inputs.Recipient, parsed.Recipient)
}

func TestParseDepositScriptRejectsGarbage(t *testing.T) {
	_, err := ParseDepositScript([]byte{0x51})
	assert.Error(t, err)

	inputs := DepositInputs{
		SignersPublicKey: xOnlyKey(t),
		MaxFee:           1,
		Recipient:        standardRecipient(),
	}
	script, err := inputs.DepositScript()
	require.NoError(t, err)

	// Break the tail opcode.
	mutated := append([]byte(nil), script...)
	mutated[len(mutated)-1] = txscript.OP_CHECKSIGVERIFY
	_, err = ParseDepositScript(mutated)
	assert.Error(t, err)
}

func TestParseReclaimLockTime(t *testing.T) {
	// OP_0 form.
	lockTime, err := ParseReclaimLockTime([]byte{txscript.OP_0, txscript.OP_CHECKSEQUENCEVERIFY})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), lockTime)

	// OP_N form.
	lockTime, err = ParseReclaimLockTime([]byte{txscript.OP_14, txscript.OP_CHECKSEQUENCEVERIFY})
	require.NoError(t, err)
	assert.Equal(t, uint32(14), lockTime)

	// Little endian script num push.
	lockTime, err = ParseReclaimLockTime([]byte{2, 0x2c, 0x01, txscript.OP_CHECKSEQUENCEVERIFY, txscript.OP_DROP})
	require.NoError(t, err)
	assert.Equal(t, uint32(300), lockTime)

	// Negative numbers are refused.
	_, err = ParseReclaimLockTime([]byte{1, 0x81, txscript.OP_CHECKSEQUENCEVERIFY})
	assert.Error(t, err)

	// Missing OP_CSV is refused.
	_, err = ParseReclaimLockTime([]byte{1, 0x10, txscript.OP_DROP})
	assert.Error(t, err)
}

func TestPegScriptIsTaproot(t *testing.T) {
	sk, err := keys.GeneratePrivateKey()
	require.NoError(t, err)

	script, err := PegScript(sk.PublicKey())
	require.NoError(t, err)
	require.Len(t, script, 34)
	assert.Equal(t, byte(txscript.OP_1), script[0])
	assert.Equal(t, byte(32), script[1])
	assert.Equal(t, txscript.WitnessV1TaprootTy, txscript.GetScriptClass(script))
}
