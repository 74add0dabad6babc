// Package sbtcscript builds and parses the bitcoin scripts the peg uses: the
// taproot deposit script, its reclaim companion, and the signers' peg output
// script derived from the aggregate key.
package sbtcscript

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
)

// The deposit script is
//
//	<deposit-data> OP_DROP OP_PUSHBYTES_32 <x-only-public-key> OP_CHECKSIG
//
// where <deposit-data> is an 8 byte big endian max fee followed by a SIP-005
// principal. The fixed tail is 35 bytes: OP_DROP, the 32 byte push, the key
// and OP_CHECKSIG.
const depositScriptFixedLength = 35

// A standard (non-contract) recipient yields a 30 byte data push, making the
// smallest valid script 1 + 30 + 35 bytes.
const standardScriptLength = 66

// DepositInputs are the parsed variable parts of a deposit script.
type DepositInputs struct {
	SignersPublicKey [32]byte
	MaxFee           uint64
	Recipient        stacks.Principal
}

// DepositScript reassembles the deposit script from its inputs.
func (d DepositInputs) DepositScript() ([]byte, error) {
	data := make([]byte, 0, 8+160)
	data = binary.BigEndian.AppendUint64(data, d.MaxFee)
	data = append(data, d.Recipient.Serialize()...)

	builder := txscript.NewScriptBuilder()
	builder.AddData(data)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(d.SignersPublicKey[:])
	builder.AddOp(txscript.OP_CHECKSIG)
	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("fail to build deposit script: %w", err)
	}
	return script, nil
}

// ParseDepositScript validates a deposit script and extracts its inputs.
func ParseDepositScript(script []byte) (DepositInputs, error) {
	var out DepositInputs
	if len(script) < standardScriptLength {
		return out, fmt.Errorf("deposit script too short: %d bytes", len(script))
	}

	split := len(script) - depositScriptFixedLength
	params, check := script[:split], script[split:]
	if check[0] != txscript.OP_DROP || check[1] != txscript.OP_DATA_32 ||
		check[34] != txscript.OP_CHECKSIG {
		return out, fmt.Errorf("invalid deposit script tail")
	}
	copy(out.SignersPublicKey[:], check[2:34])
	if _, err := schnorr.ParsePubKey(out.SignersPublicKey[:]); err != nil {
		return out, fmt.Errorf("invalid x-only public key in deposit script: %w", err)
	}

	// The deposit data is pushed with OP_PUSHBYTES_N for N < 76 and
	// OP_PUSHDATA1 otherwise; contract principals can reach 159 bytes.
	var data []byte
	switch {
	case params[0] == txscript.OP_PUSHDATA1 && len(params) >= 2 &&
		int(params[1]) == len(params)-2 && params[1] < 160:
		data = params[2:]
	case params[0] < txscript.OP_PUSHDATA1 && int(params[0]) == len(params)-1:
		data = params[1:]
	default:
		return out, fmt.Errorf("invalid deposit data push")
	}
	if len(data) < 8 {
		return out, fmt.Errorf("deposit data missing max fee")
	}
	out.MaxFee = binary.BigEndian.Uint64(data[:8])

	recipient, n, err := stacks.ParsePrincipal(data[8:])
	if err != nil {
		return out, fmt.Errorf("invalid recipient principal: %w", err)
	}
	if n != len(data[8:]) {
		return out, fmt.Errorf("trailing bytes after recipient principal")
	}
	out.Recipient = recipient
	return out, nil
}

// ParseReclaimLockTime extracts the relative lock time from a reclaim script
// of the form <locked-time> OP_CHECKSEQUENCEVERIFY <rest>.
func ParseReclaimLockTime(script []byte) (uint32, error) {
	if len(script) < 2 {
		return 0, fmt.Errorf("reclaim script too short")
	}
	// Minimal CScriptNum forms first: OP_0 and OP_1 through OP_16.
	switch {
	case script[0] == txscript.OP_0 && script[1] == txscript.OP_CHECKSEQUENCEVERIFY:
		return 0, nil
	case script[0] >= txscript.OP_1 && script[0] <= txscript.OP_16 &&
		script[1] == txscript.OP_CHECKSEQUENCEVERIFY:
		return uint32(script[0]-txscript.OP_1) + 1, nil
	}
	// General form: OP_PUSHBYTES_N (N <= 5) little endian script num.
	n := int(script[0])
	if n < 1 || n > 5 || len(script) < 1+n+1 {
		return 0, fmt.Errorf("invalid reclaim lock time push")
	}
	if script[1+n] != txscript.OP_CHECKSEQUENCEVERIFY {
		return 0, fmt.Errorf("reclaim script missing OP_CSV")
	}
	num := script[1 : 1+n]
	if num[n-1]&0x80 != 0 {
		return 0, fmt.Errorf("negative reclaim lock time")
	}
	var lockTime uint64
	for i := n - 1; i >= 0; i-- {
		lockTime = lockTime<<8 | uint64(num[i])
	}
	if lockTime > uint64(^uint32(0)) {
		return 0, fmt.Errorf("reclaim lock time %d too large", lockTime)
	}
	return uint32(lockTime), nil
}

// PegScript is the scriptPubKey custodying the peg under an aggregate key:
// a taproot output whose key is the aggregate key itself. The key has no
// known discrete log holder, so the absent script path is unspendable.
func PegScript(aggregateKey keys.PublicKey) ([]byte, error) {
	pub, err := aggregateKey.ToBtcec()
	if err != nil {
		return nil, fmt.Errorf("invalid aggregate key: %w", err)
	}
	return txscript.PayToTaprootScript(pub)
}
