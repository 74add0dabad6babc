// Package policy applies the threshold agreement rules to pending requests.
// The coordinator and every follower run the same selection over the same
// tip anchored state, which is what makes the coordinator's proposal
// reproducible.
package policy

import (
	"context"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/storage"
)

// Selector filters pending requests down to the set a sweep may service.
type Selector struct {
	Store       storage.Store
	Threshold   uint16
	SetSize     int
	MaxDeposits int
	Self        keys.PublicKey
}

// SelectDeposits keeps deposits with at least threshold signers voting both
// can_sign and can_accept, our own vote included, preserving the canonical
// input order and the per transaction cap.
func (s *Selector) SelectDeposits(ctx context.Context, pending []*storage.DepositRequest) ([]*storage.DepositRequest, error) {
	var out []*storage.DepositRequest
	for _, req := range pending {
		if len(out) == s.MaxDeposits {
			break
		}
		decisions, err := s.Store.GetDepositSignerDecisions(ctx, &req.Txid, req.OutputIndex)
		if err != nil {
			return nil, err
		}
		var votes uint16
		var selfCanSign bool
		for _, d := range decisions {
			if d.CanSign && d.CanAccept {
				votes++
				if d.SignerPubKey == s.Self {
					selfCanSign = true
				}
			}
		}
		if votes >= s.Threshold && selfCanSign {
			out = append(out, req)
		}
	}
	return out, nil
}

// SelectWithdrawals splits pending withdrawals into those with threshold
// accepts and those whose decisions are in but fall short; the latter are
// packaged as rejections.
func (s *Selector) SelectWithdrawals(ctx context.Context, pending []*storage.WithdrawalRequest) (accepted, rejected []*storage.WithdrawalRequest, err error) {
	for _, req := range pending {
		decisions, err := s.Store.GetWithdrawalSignerDecisions(ctx, req.RequestID)
		if err != nil {
			return nil, nil, err
		}
		var votes int
		for _, d := range decisions {
			if d.Accepted {
				votes++
			}
		}
		undecided := s.SetSize - len(decisions)
		switch {
		case votes >= int(s.Threshold):
			accepted = append(accepted, req)
		case votes+undecided < int(s.Threshold):
			// Even if every silent signer voted accept the request
			// cannot reach the threshold; package a rejection.
			rejected = append(rejected, req)
		}
	}
	return accepted, rejected, nil
}
