// Package validation is the keystone defense against a malicious
// coordinator: before contributing a nonce, a follower independently rebuilds
// the proposal from its own chain view and refuses unless the reconstruction
// matches byte for byte.
package validation

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/stacks-network/sbtc-signer/internal/chainstate"
	"github.com/stacks-network/sbtc-signer/internal/policy"
	"github.com/stacks-network/sbtc-signer/internal/stacks"
	"github.com/stacks-network/sbtc-signer/internal/sweep"
	"github.com/stacks-network/sbtc-signer/internal/wire"
	"github.com/stacks-network/sbtc-signer/storage"
)

// ErrValidationMismatch marks a coordinator proposal the local
// reconstruction disagrees with.
var ErrValidationMismatch = errors.New("validation: proposal does not match local reconstruction")

// MismatchError carries the reason code logged when a follower refuses.
type MismatchError struct {
	Reason string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v: %s", ErrValidationMismatch, e.Reason)
}

func (e *MismatchError) Unwrap() error { return ErrValidationMismatch }

func mismatch(format string, args ...any) error {
	return &MismatchError{Reason: fmt.Sprintf(format, args...)}
}

// Validator rebuilds coordinator proposals from local state.
type Validator struct {
	View              *chainstate.View
	Store             storage.Store
	Selector          *policy.Selector
	FeeRate           float64
	FeeTolerance      uint64
	StacksFeesMaxUstx uint64
}

// ValidateBitcoinPreSign checks a sweep proposal and returns the validated
// package the follower will sign against.
func (v *Validator) ValidateBitcoinPreSign(ctx context.Context, req *wire.BitcoinPreSignRequest) (*sweep.Package, error) {
	tip, ok := v.View.Tip()
	if !ok {
		return nil, storage.ErrNoChainTip
	}
	if req.AnchorBlockHash != tip.BlockHash {
		return nil, mismatch("anchor %s is not our tip %s",
			req.AnchorBlockHash, tip.BlockHash)
	}

	state, err := v.View.SbtcStateAt(ctx, req.AnchorBlockHash)
	if err != nil {
		return nil, err
	}
	if state.AggregateKey != req.AggregateKey {
		return nil, mismatch("aggregate key %s is not the key in force", req.AggregateKey)
	}
	if state.SignerUtxo == nil {
		return nil, mismatch("no signer utxo under the aggregate key")
	}

	// A request with no deposits and no withdrawals is a rotate
	// transaction verifying a fresh DKG output on chain.
	if len(req.Deposits) == 0 && len(req.Withdrawals) == 0 {
		return v.validateRotate(ctx, req, state)
	}

	deposits, err := v.Selector.SelectDeposits(ctx, state.Deposits)
	if err != nil {
		return nil, err
	}
	accepted, _, err := v.Selector.SelectWithdrawals(ctx, state.Withdrawals)
	if err != nil {
		return nil, err
	}

	// The ordered request lists must agree before anything else; a
	// mismatch here is a coordinator using different decisions.
	if len(deposits) != len(req.Deposits) {
		return nil, mismatch("deposit count %d, expected %d", len(req.Deposits), len(deposits))
	}
	for i, d := range deposits {
		if req.Deposits[i].Txid != d.Txid || req.Deposits[i].OutputIndex != d.OutputIndex {
			return nil, mismatch("deposit %d is %s:%d, expected %s:%d", i,
				req.Deposits[i].Txid, req.Deposits[i].OutputIndex, d.Txid, d.OutputIndex)
		}
	}
	if len(accepted) != len(req.Withdrawals) {
		return nil, mismatch("withdrawal count %d, expected %d", len(req.Withdrawals), len(accepted))
	}
	for i, w := range accepted {
		if req.Withdrawals[i] != w.RequestID {
			return nil, mismatch("withdrawal %d is request %d, expected %d",
				i, req.Withdrawals[i], w.RequestID)
		}
	}

	params := sweep.Params{
		SignerUtxo:      state.SignerUtxo,
		AggregateKey:    state.AggregateKey,
		NewAggregateKey: state.AggregateKey,
		Deposits:        deposits,
		Withdrawals:     accepted,
		AnchorBlock:     req.AnchorBlockHash,
		FeeRate:         v.FeeRate,
	}
	expected, err := sweep.Build(params)
	if err != nil {
		return nil, err
	}

	// The coordinator's fee must sit within tolerance of our own
	// estimate; Build has already enforced every request's max fee.
	if diff(expected.Fee, req.Fee) > v.FeeTolerance {
		return nil, mismatch("fee %d outside tolerance of estimate %d", req.Fee, expected.Fee)
	}
	if expected.Fee != req.Fee {
		params.FeeOverride = req.Fee
		if expected, err = sweep.Build(params); err != nil {
			return nil, err
		}
	}

	if !bytes.Equal(expected.TxBytes(), req.TxBytes) {
		return nil, mismatch("transaction bytes differ from local reconstruction")
	}
	return expected, nil
}

// validateRotate rebuilds the rotate-to transaction against the newest DKG
// output we hold shares for. A coordinator rotating to any other key is
// refused.
func (v *Validator) validateRotate(ctx context.Context, req *wire.BitcoinPreSignRequest, state *chainstate.SbtcState) (*sweep.Package, error) {
	latest, err := v.Store.GetLatestDkgShares(ctx)
	if err != nil {
		return nil, mismatch("rotate proposal but no dkg output on record")
	}
	if latest.Status == storage.DkgSharesFailed {
		return nil, mismatch("rotate proposal for failed dkg output %s", latest.AggregateKey)
	}

	params := sweep.Params{
		SignerUtxo:      state.SignerUtxo,
		AggregateKey:    state.AggregateKey,
		NewAggregateKey: latest.AggregateKey,
		AnchorBlock:     req.AnchorBlockHash,
		FeeRate:         v.FeeRate,
	}
	expected, err := sweep.Build(params)
	if err != nil {
		return nil, err
	}
	if diff(expected.Fee, req.Fee) > v.FeeTolerance {
		return nil, mismatch("rotate fee %d outside tolerance of estimate %d", req.Fee, expected.Fee)
	}
	if expected.Fee != req.Fee {
		params.FeeOverride = req.Fee
		if expected, err = sweep.Build(params); err != nil {
			return nil, err
		}
	}
	if !bytes.Equal(expected.TxBytes(), req.TxBytes) {
		return nil, mismatch("rotate transaction bytes differ from local reconstruction")
	}
	return expected, nil
}

// ValidateStacksSignRequest checks a contract call proposal against local
// state before the follower contributes to its signing round.
func (v *Validator) ValidateStacksSignRequest(ctx context.Context, req *wire.StacksTransactionSignRequest) error {
	if !v.View.IsCanonical(req.AnchorBlockHash) {
		return mismatch("anchor %s is not canonical", req.AnchorBlockHash)
	}
	if req.Fee > v.StacksFeesMaxUstx {
		return mismatch("fee %d exceeds cap %d", req.Fee, v.StacksFeesMaxUstx)
	}

	call, err := stacks.DecodeContractCall(req.ContractCall)
	if err != nil {
		return mismatch("undecodable contract call: %v", err)
	}
	if hash := call.TxHash(req.Nonce, req.Fee); hash != req.TxHash {
		return mismatch("tx hash does not commit to the contract call")
	}

	switch call.FunctionName {
	case stacks.FunctionCompleteDeposit:
		return v.validateCompleteDeposit(ctx, call)
	case stacks.FunctionAcceptWithdrawal:
		return v.validateWithdrawalCall(ctx, call, true)
	case stacks.FunctionRejectWithdrawal:
		return v.validateWithdrawalCall(ctx, call, false)
	case stacks.FunctionRotateKeys:
		return nil
	default:
		return mismatch("unexpected contract function %q", call.FunctionName)
	}
}

func (v *Validator) validateCompleteDeposit(ctx context.Context, call *stacks.ContractCall) error {
	txid, outputIndex, err := stacks.DepositArgs(call)
	if err != nil {
		return mismatch("malformed complete-deposit args: %v", err)
	}
	req, err := v.Store.GetDepositRequest(ctx, txid, outputIndex)
	if err != nil {
		return mismatch("complete-deposit for unknown deposit %s:%d", txid, outputIndex)
	}
	decisions, err := v.Store.GetDepositSignerDecisions(ctx, &req.Txid, req.OutputIndex)
	if err != nil {
		return err
	}
	var votes uint16
	for _, d := range decisions {
		if d.CanSign && d.CanAccept {
			votes++
		}
	}
	if votes < v.Selector.Threshold {
		return mismatch("complete-deposit for %s:%d without threshold agreement", txid, outputIndex)
	}
	return nil
}

func (v *Validator) validateWithdrawalCall(ctx context.Context, call *stacks.ContractCall, accept bool) error {
	requestID, err := stacks.WithdrawalArgs(call)
	if err != nil {
		return mismatch("malformed withdrawal args: %v", err)
	}
	if _, err := v.Store.GetWithdrawalRequest(ctx, requestID); err != nil {
		return mismatch("withdrawal call for unknown request %d", requestID)
	}
	decisions, err := v.Store.GetWithdrawalSignerDecisions(ctx, requestID)
	if err != nil {
		return err
	}
	var votes int
	for _, d := range decisions {
		if d.Accepted {
			votes++
		}
	}
	if accept && votes < int(v.Selector.Threshold) {
		return mismatch("accept-withdrawal for request %d without threshold agreement", requestID)
	}
	if !accept && votes >= int(v.Selector.Threshold) {
		return mismatch("reject-withdrawal for request %d that has threshold accepts", requestID)
	}
	return nil
}

func diff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
