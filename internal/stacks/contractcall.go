package stacks

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// sBTC contract function names the signers invoke.
const (
	FunctionCompleteDeposit  = "complete-deposit"
	FunctionAcceptWithdrawal = "accept-withdrawal-request"
	FunctionRejectWithdrawal = "reject-withdrawal-request"
	FunctionRotateKeys       = "rotate-keys-wrapper"
	ContractDeposit          = "sbtc-deposit"
	ContractWithdrawal       = "sbtc-withdrawal"
	ContractBootstrapSigners = "sbtc-bootstrap-signers"
)

// ContractCall is one stacks contract call the coordinator wants signed by
// the aggregate key.
type ContractCall struct {
	Deployer     Principal
	ContractName string
	FunctionName string
	Args         []ClarityValue
}

// Encode returns the canonical byte encoding of the call. Followers rebuild
// the call locally and require an exact match, so every field is length
// prefixed and written in a fixed order.
func (c *ContractCall) Encode() []byte {
	var buf bytes.Buffer
	deployer := c.Deployer.Serialize()
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(deployer))))
	buf.Write(deployer)
	writeLenPrefixed(&buf, []byte(c.ContractName))
	writeLenPrefixed(&buf, []byte(c.FunctionName))
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(c.Args)))
	buf.Write(count[:])
	for _, arg := range c.Args {
		writeLenPrefixed(&buf, arg)
	}
	return buf.Bytes()
}

// TxHash is the digest a signing round produces a signature over for this
// call at a given account nonce and fee.
func (c *ContractCall) TxHash(nonce, fee uint64) [32]byte {
	h := sha256.New()
	h.Write([]byte("sbtc-signer/stacks-tx/v1"))
	h.Write(c.Encode())
	h.Write(binary.BigEndian.AppendUint64(nil, nonce))
	h.Write(binary.BigEndian.AppendUint64(nil, fee))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// DecodeContractCall parses a canonical call encoding.
func DecodeContractCall(raw []byte) (*ContractCall, error) {
	r := bytes.NewReader(raw)
	deployerBytes, err := readLenPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("fail to read deployer: %w", err)
	}
	deployer, n, err := ParsePrincipal(deployerBytes)
	if err != nil {
		return nil, err
	}
	if n != len(deployerBytes) {
		return nil, fmt.Errorf("trailing bytes after deployer principal")
	}

	call := &ContractCall{Deployer: deployer}
	name, err := readLenPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("fail to read contract name: %w", err)
	}
	call.ContractName = string(name)
	fn, err := readLenPrefixed(r)
	if err != nil {
		return nil, fmt.Errorf("fail to read function name: %w", err)
	}
	call.FunctionName = string(fn)

	var count [4]byte
	if _, err := r.Read(count[:]); err != nil {
		return nil, fmt.Errorf("fail to read arg count: %w", err)
	}
	argc := binary.BigEndian.Uint32(count[:])
	if argc > 64 {
		return nil, fmt.Errorf("arg count %d too large", argc)
	}
	call.Args = make([]ClarityValue, argc)
	for i := range call.Args {
		arg, err := readLenPrefixed(r)
		if err != nil {
			return nil, fmt.Errorf("fail to read arg %d: %w", i, err)
		}
		call.Args[i] = arg
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("trailing bytes in contract call")
	}
	return call, nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(b))))
	buf.Write(b)
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBytes [4]byte
	if _, err := r.Read(lenBytes[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBytes[:])
	if int(n) > r.Len() {
		return nil, fmt.Errorf("length prefix %d exceeds remaining %d", n, r.Len())
	}
	out := make([]byte, n)
	if _, err := r.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}
