package stacks

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// CompleteDepositCall builds the sbtc-deposit.complete-deposit call that
// mints for a swept deposit.
func CompleteDepositCall(deployer Principal, txid *chainhash.Hash, outputIndex uint32, amount uint64, recipient Principal, burnHash *chainhash.Hash, burnHeight uint64, sweepTxid *chainhash.Hash) *ContractCall {
	return &ContractCall{
		Deployer:     deployer,
		ContractName: ContractDeposit,
		FunctionName: FunctionCompleteDeposit,
		Args: []ClarityValue{
			ClarityBuffer(txid[:]),
			ClarityUInt(uint64(outputIndex)),
			ClarityUInt(amount),
			ClarityPrincipal(recipient),
			ClarityBuffer(burnHash[:]),
			ClarityUInt(burnHeight),
			ClarityBuffer(sweepTxid[:]),
		},
	}
}

// AcceptWithdrawalCall builds the sbtc-withdrawal.accept-withdrawal-request
// call for a withdrawal serviced by a confirmed sweep.
func AcceptWithdrawalCall(deployer Principal, requestID uint64, signerBitmap uint64, fee uint64, burnHash *chainhash.Hash, burnHeight uint64, sweepTxid *chainhash.Hash) *ContractCall {
	return &ContractCall{
		Deployer:     deployer,
		ContractName: ContractWithdrawal,
		FunctionName: FunctionAcceptWithdrawal,
		Args: []ClarityValue{
			ClarityUInt(requestID),
			ClarityUInt(signerBitmap),
			ClarityUInt(fee),
			ClarityBuffer(burnHash[:]),
			ClarityUInt(burnHeight),
			ClarityBuffer(sweepTxid[:]),
		},
	}
}

// RejectWithdrawalCall builds the sbtc-withdrawal.reject-withdrawal-request
// call that returns the locked balance to the sender.
func RejectWithdrawalCall(deployer Principal, requestID uint64, signerBitmap uint64) *ContractCall {
	return &ContractCall{
		Deployer:     deployer,
		ContractName: ContractWithdrawal,
		FunctionName: FunctionRejectWithdrawal,
		Args: []ClarityValue{
			ClarityUInt(requestID),
			ClarityUInt(signerBitmap),
		},
	}
}

// parseUInt extracts a uint64 from a clarity uint128 argument.
func parseUInt(arg ClarityValue) (uint64, error) {
	if len(arg) != 17 || arg[0] != clarityTypeUInt {
		return 0, fmt.Errorf("argument is not a clarity uint")
	}
	for _, b := range arg[1:9] {
		if b != 0 {
			return 0, fmt.Errorf("clarity uint exceeds 64 bits")
		}
	}
	return binary.BigEndian.Uint64(arg[9:]), nil
}

// parseBuffer32 extracts a 32 byte clarity buffer argument.
func parseBuffer32(arg ClarityValue) ([32]byte, error) {
	var out [32]byte
	if len(arg) != 37 || arg[0] != clarityTypeBuffer ||
		binary.BigEndian.Uint32(arg[1:5]) != 32 {
		return out, fmt.Errorf("argument is not a 32 byte clarity buffer")
	}
	copy(out[:], arg[5:])
	return out, nil
}

// DepositArgs parses the deposit outpoint from a complete-deposit call.
func DepositArgs(call *ContractCall) (*chainhash.Hash, uint32, error) {
	if len(call.Args) < 2 {
		return nil, 0, fmt.Errorf("complete-deposit needs at least 2 args, got %d", len(call.Args))
	}
	raw, err := parseBuffer32(call.Args[0])
	if err != nil {
		return nil, 0, err
	}
	txid, err := chainhash.NewHash(raw[:])
	if err != nil {
		return nil, 0, err
	}
	outputIndex, err := parseUInt(call.Args[1])
	if err != nil {
		return nil, 0, err
	}
	if outputIndex > 0xffffffff {
		return nil, 0, fmt.Errorf("output index %d overflows", outputIndex)
	}
	return txid, uint32(outputIndex), nil
}

// WithdrawalArgs parses the request id from a withdrawal call.
func WithdrawalArgs(call *ContractCall) (uint64, error) {
	if len(call.Args) < 1 {
		return 0, fmt.Errorf("withdrawal call needs at least 1 arg")
	}
	return parseUInt(call.Args[0])
}
