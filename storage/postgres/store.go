package postgres

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/jackc/pgx/v5"

	"github.com/stacks-network/sbtc-signer/internal/keys"
	"github.com/stacks-network/sbtc-signer/storage"
)

// canonicalWindowCTE walks the chain backwards from a tip, bounded by the
// context window, and yields the hashes of the canonical branch.
const canonicalWindowCTE = `
WITH RECURSIVE canonical AS (
    SELECT block_hash, parent_hash, block_height, 0 AS depth
    FROM bitcoin_blocks WHERE block_hash = $1
  UNION ALL
    SELECT b.block_hash, b.parent_hash, b.block_height, c.depth + 1
    FROM bitcoin_blocks b
    JOIN canonical c ON b.block_hash = c.parent_hash
    WHERE c.depth < $2
)`

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}

func scanHash(raw []byte) (chainhash.Hash, error) {
	var h chainhash.Hash
	if err := h.SetBytes(raw); err != nil {
		return h, fmt.Errorf("invalid hash column: %w", err)
	}
	return h, nil
}

func scan32(raw []byte) ([32]byte, error) {
	var out [32]byte
	if len(raw) != 32 {
		return out, fmt.Errorf("invalid 32 byte column length %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func scanPubKey(raw []byte) (keys.PublicKey, error) {
	return keys.ParsePublicKey(raw)
}

func pubKeySet(set []keys.PublicKey) [][]byte {
	out := make([][]byte, len(set))
	for i, pk := range set {
		out[i] = append([]byte(nil), pk[:]...)
	}
	return out
}

func parsePubKeySet(raw [][]byte) ([]keys.PublicKey, error) {
	out := make([]keys.PublicKey, len(raw))
	for i, b := range raw {
		pk, err := keys.ParsePublicKey(b)
		if err != nil {
			return nil, err
		}
		out[i] = pk
	}
	return out, nil
}

func (s *Store) WriteBitcoinBlock(ctx context.Context, block *storage.BitcoinBlock) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bitcoin_blocks (block_hash, block_height, parent_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (block_hash) DO NOTHING`,
		block.BlockHash[:], block.BlockHeight, block.ParentHash[:])
	return err
}

func (s *Store) GetBitcoinBlock(ctx context.Context, hash *chainhash.Hash) (*storage.BitcoinBlock, error) {
	var blockHash, parentHash []byte
	block := &storage.BitcoinBlock{}
	err := s.pool.QueryRow(ctx, `
		SELECT block_hash, block_height, parent_hash
		FROM bitcoin_blocks WHERE block_hash = $1`, hash[:]).
		Scan(&blockHash, &block.BlockHeight, &parentHash)
	if err != nil {
		return nil, notFound(err)
	}
	if block.BlockHash, err = scanHash(blockHash); err != nil {
		return nil, err
	}
	if block.ParentHash, err = scanHash(parentHash); err != nil {
		return nil, err
	}
	return block, nil
}

func (s *Store) GetBitcoinCanonicalChainTip(ctx context.Context) (*storage.BitcoinBlock, error) {
	var blockHash, parentHash []byte
	block := &storage.BitcoinBlock{}
	err := s.pool.QueryRow(ctx, `
		SELECT block_hash, block_height, parent_hash
		FROM bitcoin_blocks ORDER BY block_height DESC, block_hash ASC LIMIT 1`).
		Scan(&blockHash, &block.BlockHeight, &parentHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoChainTip
	}
	if err != nil {
		return nil, err
	}
	if block.BlockHash, err = scanHash(blockHash); err != nil {
		return nil, err
	}
	if block.ParentHash, err = scanHash(parentHash); err != nil {
		return nil, err
	}
	return block, nil
}

func (s *Store) WriteStacksBlock(ctx context.Context, block *storage.StacksBlock) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stacks_blocks (block_id, block_height, parent_block_id, bitcoin_anchor)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (block_id) DO NOTHING`,
		block.BlockID[:], block.BlockHeight, block.ParentBlockID[:], block.BitcoinAnchor[:])
	return err
}

func (s *Store) GetStacksBlock(ctx context.Context, blockID [32]byte) (*storage.StacksBlock, error) {
	var id, parent, anchor []byte
	block := &storage.StacksBlock{}
	err := s.pool.QueryRow(ctx, `
		SELECT block_id, block_height, parent_block_id, bitcoin_anchor
		FROM stacks_blocks WHERE block_id = $1`, blockID[:]).
		Scan(&id, &block.BlockHeight, &parent, &anchor)
	if err != nil {
		return nil, notFound(err)
	}
	if block.BlockID, err = scan32(id); err != nil {
		return nil, err
	}
	if block.ParentBlockID, err = scan32(parent); err != nil {
		return nil, err
	}
	if block.BitcoinAnchor, err = scanHash(anchor); err != nil {
		return nil, err
	}
	return block, nil
}

func (s *Store) GetStacksChainTip(ctx context.Context) (*storage.StacksBlock, error) {
	var id []byte
	err := s.pool.QueryRow(ctx, `
		SELECT block_id FROM stacks_blocks
		ORDER BY block_height DESC, block_id ASC LIMIT 1`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNoChainTip
	}
	if err != nil {
		return nil, err
	}
	blockID, err := scan32(id)
	if err != nil {
		return nil, err
	}
	return s.GetStacksBlock(ctx, blockID)
}

func (s *Store) WriteDepositRequest(ctx context.Context, req *storage.DepositRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_requests (
			txid, output_index, amount, max_fee, recipient,
			deposit_script, reclaim_script, lock_time, signers_public_key,
			sender_script_pub_keys, confirmation_hash, confirmation_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (txid, output_index) DO NOTHING`,
		req.Txid[:], req.OutputIndex, int64(req.Amount), int64(req.MaxFee), req.Recipient,
		req.DepositScript, req.ReclaimScript, int64(req.LockTime), req.SignersPublicKey[:],
		req.SenderScriptPubKeys, req.ConfirmationHash[:], req.ConfirmationHeight)
	return err
}

func (s *Store) scanDepositRequest(row pgx.Row) (*storage.DepositRequest, error) {
	req := &storage.DepositRequest{}
	var txid, signersKey, confirmation []byte
	var amount, maxFee, lockTime int64
	err := row.Scan(&txid, &req.OutputIndex, &amount, &maxFee, &req.Recipient,
		&req.DepositScript, &req.ReclaimScript, &lockTime, &signersKey,
		&req.SenderScriptPubKeys, &confirmation, &req.ConfirmationHeight)
	if err != nil {
		return nil, notFound(err)
	}
	req.Amount = uint64(amount)
	req.MaxFee = uint64(maxFee)
	req.LockTime = uint32(lockTime)
	if req.Txid, err = scanHash(txid); err != nil {
		return nil, err
	}
	if req.SignersPublicKey, err = scan32(signersKey); err != nil {
		return nil, err
	}
	if req.ConfirmationHash, err = scanHash(confirmation); err != nil {
		return nil, err
	}
	return req, nil
}

const depositColumns = `txid, output_index, amount, max_fee, recipient,
	deposit_script, reclaim_script, lock_time, signers_public_key,
	sender_script_pub_keys, confirmation_hash, confirmation_height`

func (s *Store) GetDepositRequest(ctx context.Context, txid *chainhash.Hash, outputIndex uint32) (*storage.DepositRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+depositColumns+` FROM deposit_requests
		WHERE txid = $1 AND output_index = $2`, txid[:], outputIndex)
	return s.scanDepositRequest(row)
}

func (s *Store) GetPendingDepositRequests(ctx context.Context, chainTip *chainhash.Hash, window uint32) ([]*storage.DepositRequest, error) {
	rows, err := s.pool.Query(ctx, canonicalWindowCTE+`
		SELECT `+depositColumns+`
		FROM deposit_requests d
		JOIN canonical c ON c.block_hash = d.confirmation_hash
		WHERE NOT EXISTS (
			SELECT 1 FROM completed_deposit_events e
			WHERE e.txid = d.txid AND e.output_index = d.output_index)
		AND NOT EXISTS (
			SELECT 1 FROM sweep_transactions t
			WHERE t.confirmed_hash IS NOT NULL
			AND t.deposits @> jsonb_build_array(jsonb_build_object(
				'txid', encode(d.txid, 'hex'), 'output_index', d.output_index)))
		ORDER BY d.confirmation_height ASC, d.txid ASC, d.output_index ASC`,
		chainTip[:], window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.DepositRequest
	for rows.Next() {
		req, err := s.scanDepositRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Store) WriteWithdrawalRequest(ctx context.Context, req *storage.WithdrawalRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawal_requests (
			request_id, stacks_block_id, stacks_txid, sender,
			recipient_script, amount, max_fee, bitcoin_anchor, created_height)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING`,
		int64(req.RequestID), req.StacksBlockID[:], req.StacksTxid[:], req.Sender,
		req.RecipientScript, int64(req.Amount), int64(req.MaxFee),
		req.BitcoinAnchor[:], req.CreatedHeight)
	return err
}

func (s *Store) scanWithdrawalRequest(row pgx.Row) (*storage.WithdrawalRequest, error) {
	req := &storage.WithdrawalRequest{}
	var requestID, amount, maxFee int64
	var blockID, txid, anchor []byte
	err := row.Scan(&requestID, &blockID, &txid, &req.Sender,
		&req.RecipientScript, &amount, &maxFee, &anchor, &req.CreatedHeight)
	if err != nil {
		return nil, notFound(err)
	}
	req.RequestID = uint64(requestID)
	req.Amount = uint64(amount)
	req.MaxFee = uint64(maxFee)
	if req.StacksBlockID, err = scan32(blockID); err != nil {
		return nil, err
	}
	if req.StacksTxid, err = scan32(txid); err != nil {
		return nil, err
	}
	if req.BitcoinAnchor, err = scanHash(anchor); err != nil {
		return nil, err
	}
	return req, nil
}

const withdrawalColumns = `request_id, stacks_block_id, stacks_txid, sender,
	recipient_script, amount, max_fee, bitcoin_anchor, created_height`

func (s *Store) GetWithdrawalRequest(ctx context.Context, requestID uint64) (*storage.WithdrawalRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawal_requests
		WHERE request_id = $1`, int64(requestID))
	return s.scanWithdrawalRequest(row)
}

func (s *Store) GetPendingWithdrawalRequests(ctx context.Context, chainTip *chainhash.Hash, window uint32) ([]*storage.WithdrawalRequest, error) {
	rows, err := s.pool.Query(ctx, canonicalWindowCTE+`
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests w
		JOIN canonical c ON c.block_hash = w.bitcoin_anchor
		WHERE NOT EXISTS (
			SELECT 1 FROM withdrawal_events e WHERE e.request_id = w.request_id)
		ORDER BY w.request_id ASC`,
		chainTip[:], window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.WithdrawalRequest
	for rows.Next() {
		req, err := s.scanWithdrawalRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *Store) WriteDepositSignerDecision(ctx context.Context, decision *storage.DepositSigner) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deposit_signers (txid, output_index, signer_pub_key, can_accept, can_sign)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (txid, output_index, signer_pub_key)
		DO UPDATE SET can_accept = $4, can_sign = $5`,
		decision.Txid[:], decision.OutputIndex, decision.SignerPubKey[:],
		decision.CanAccept, decision.CanSign)
	return err
}

func (s *Store) GetDepositSignerDecisions(ctx context.Context, txid *chainhash.Hash, outputIndex uint32) ([]*storage.DepositSigner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT txid, output_index, signer_pub_key, can_accept, can_sign
		FROM deposit_signers
		WHERE txid = $1 AND output_index = $2
		ORDER BY signer_pub_key ASC`, txid[:], outputIndex)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.DepositSigner
	for rows.Next() {
		decision := &storage.DepositSigner{}
		var txidRaw, signer []byte
		if err := rows.Scan(&txidRaw, &decision.OutputIndex, &signer,
			&decision.CanAccept, &decision.CanSign); err != nil {
			return nil, err
		}
		if decision.Txid, err = scanHash(txidRaw); err != nil {
			return nil, err
		}
		if decision.SignerPubKey, err = scanPubKey(signer); err != nil {
			return nil, err
		}
		out = append(out, decision)
	}
	return out, rows.Err()
}

func (s *Store) WriteWithdrawalSignerDecision(ctx context.Context, decision *storage.WithdrawalSigner) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawal_signers (request_id, stacks_block_id, signer_pub_key, accepted)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id, signer_pub_key) DO UPDATE SET accepted = $4`,
		int64(decision.RequestID), decision.StacksBlockID[:],
		decision.SignerPubKey[:], decision.Accepted)
	return err
}

func (s *Store) GetWithdrawalSignerDecisions(ctx context.Context, requestID uint64) ([]*storage.WithdrawalSigner, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id, stacks_block_id, signer_pub_key, accepted
		FROM withdrawal_signers WHERE request_id = $1
		ORDER BY signer_pub_key ASC`, int64(requestID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.WithdrawalSigner
	for rows.Next() {
		decision := &storage.WithdrawalSigner{}
		var id int64
		var blockID, signer []byte
		if err := rows.Scan(&id, &blockID, &signer, &decision.Accepted); err != nil {
			return nil, err
		}
		decision.RequestID = uint64(id)
		if decision.StacksBlockID, err = scan32(blockID); err != nil {
			return nil, err
		}
		if decision.SignerPubKey, err = scanPubKey(signer); err != nil {
			return nil, err
		}
		out = append(out, decision)
	}
	return out, rows.Err()
}

func (s *Store) WriteEncryptedDkgShares(ctx context.Context, shares *storage.EncryptedDkgShares) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dkg_shares (
			aggregate_key, epoch, threshold, signer_index, signer_set,
			encrypted_shares, public_shares, status, started_at_height, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (aggregate_key) DO NOTHING`,
		shares.AggregateKey[:], int64(shares.Epoch), int32(shares.Threshold),
		shares.SignerIndex, pubKeySet(shares.SignerSet), shares.EncryptedShares,
		shares.PublicShares, string(shares.Status), shares.StartedAtHeight,
		shares.CreatedAt)
	return err
}

const dkgSharesColumns = `aggregate_key, epoch, threshold, signer_index, signer_set,
	encrypted_shares, public_shares, status, started_at_height, created_at`

func (s *Store) scanDkgShares(row pgx.Row) (*storage.EncryptedDkgShares, error) {
	shares := &storage.EncryptedDkgShares{}
	var aggKey []byte
	var signerSet [][]byte
	var epoch int64
	var threshold int32
	var status string
	err := row.Scan(&aggKey, &epoch, &threshold, &shares.SignerIndex, &signerSet,
		&shares.EncryptedShares, &shares.PublicShares, &status,
		&shares.StartedAtHeight, &shares.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	shares.Epoch = uint64(epoch)
	shares.Threshold = uint16(threshold)
	shares.Status = storage.DkgSharesStatus(status)
	if shares.AggregateKey, err = scanPubKey(aggKey); err != nil {
		return nil, err
	}
	if shares.SignerSet, err = parsePubKeySet(signerSet); err != nil {
		return nil, err
	}
	return shares, nil
}

func (s *Store) GetEncryptedDkgShares(ctx context.Context, aggregateKey keys.PublicKey) (*storage.EncryptedDkgShares, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+dkgSharesColumns+` FROM dkg_shares
		WHERE aggregate_key = $1`, aggregateKey[:])
	return s.scanDkgShares(row)
}

func (s *Store) GetLatestVerifiedDkgShares(ctx context.Context) (*storage.EncryptedDkgShares, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+dkgSharesColumns+` FROM dkg_shares
		WHERE status = $1 ORDER BY epoch DESC LIMIT 1`,
		string(storage.DkgSharesVerified))
	return s.scanDkgShares(row)
}

func (s *Store) GetLatestDkgShares(ctx context.Context) (*storage.EncryptedDkgShares, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT ` + dkgSharesColumns + ` FROM dkg_shares
		ORDER BY epoch DESC LIMIT 1`)
	return s.scanDkgShares(row)
}

func (s *Store) SetDkgSharesStatus(ctx context.Context, aggregateKey keys.PublicKey, status storage.DkgSharesStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE dkg_shares SET status = $2 WHERE aggregate_key = $1`,
		aggregateKey[:], string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) WriteRotateKeysTransaction(ctx context.Context, rotation *storage.RotateKeysTransaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rotate_keys_transactions (txid, block_hash, aggregate_key, signer_set, threshold)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (txid) DO NOTHING`,
		rotation.Txid[:], rotation.BlockHash[:], rotation.AggregateKey[:],
		pubKeySet(rotation.SignerSet), int32(rotation.Threshold))
	return err
}

func (s *Store) GetLastKeyRotation(ctx context.Context) (*storage.RotateKeysTransaction, error) {
	rotation := &storage.RotateKeysTransaction{}
	var txid, blockHash, aggKey []byte
	var signerSet [][]byte
	var threshold int32
	err := s.pool.QueryRow(ctx, `
		SELECT txid, block_hash, aggregate_key, signer_set, threshold
		FROM rotate_keys_transactions ORDER BY created_at DESC LIMIT 1`).
		Scan(&txid, &blockHash, &aggKey, &signerSet, &threshold)
	if err != nil {
		return nil, notFound(err)
	}
	rotation.Threshold = uint16(threshold)
	if rotation.Txid, err = scanHash(txid); err != nil {
		return nil, err
	}
	if rotation.BlockHash, err = scanHash(blockHash); err != nil {
		return nil, err
	}
	if rotation.AggregateKey, err = scanPubKey(aggKey); err != nil {
		return nil, err
	}
	if rotation.SignerSet, err = parsePubKeySet(signerSet); err != nil {
		return nil, err
	}
	return rotation, nil
}

type sweepDepositRow struct {
	Txid        string `json:"txid"`
	OutputIndex uint32 `json:"output_index"`
}

func (s *Store) WriteSweepTransaction(ctx context.Context, sweep *storage.SweepTransaction) error {
	deposits := make([]sweepDepositRow, len(sweep.Deposits))
	for i, d := range sweep.Deposits {
		deposits[i] = sweepDepositRow{Txid: fmt.Sprintf("%x", d.Txid[:]), OutputIndex: d.OutputIndex}
	}
	depositJSON, err := json.Marshal(deposits)
	if err != nil {
		return fmt.Errorf("fail to marshal sweep deposits: %w", err)
	}
	ids := make([]int64, len(sweep.WithdrawalIDs))
	for i, id := range sweep.WithdrawalIDs {
		ids[i] = int64(id)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sweep_transactions (
			txid, anchor_block_hash, fee, deposits, withdrawal_ids, broadcast_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (txid) DO NOTHING`,
		sweep.Txid[:], sweep.AnchorBlockHash[:], int64(sweep.Fee),
		depositJSON, ids, sweep.BroadcastAt)
	return err
}

func (s *Store) GetSweepTransaction(ctx context.Context, txid *chainhash.Hash) (*storage.SweepTransaction, error) {
	sweep := &storage.SweepTransaction{}
	var txidRaw, anchor, confirmedHash, depositJSON []byte
	var fee int64
	var ids []int64
	err := s.pool.QueryRow(ctx, `
		SELECT txid, anchor_block_hash, fee, deposits, withdrawal_ids,
			broadcast_at, confirmed_hash, confirmed_height
		FROM sweep_transactions WHERE txid = $1`, txid[:]).
		Scan(&txidRaw, &anchor, &fee, &depositJSON, &ids,
			&sweep.BroadcastAt, &confirmedHash, &sweep.ConfirmedHeight)
	if err != nil {
		return nil, notFound(err)
	}
	sweep.Fee = uint64(fee)
	if sweep.Txid, err = scanHash(txidRaw); err != nil {
		return nil, err
	}
	if sweep.AnchorBlockHash, err = scanHash(anchor); err != nil {
		return nil, err
	}
	if confirmedHash != nil {
		hash, err := scanHash(confirmedHash)
		if err != nil {
			return nil, err
		}
		sweep.ConfirmedHash = &hash
	}
	var deposits []sweepDepositRow
	if err := json.Unmarshal(depositJSON, &deposits); err != nil {
		return nil, fmt.Errorf("fail to unmarshal sweep deposits: %w", err)
	}
	sweep.Deposits = make([]storage.DepositOutpoint, len(deposits))
	for i, d := range deposits {
		raw, err := hex.DecodeString(d.Txid)
		if err != nil {
			return nil, fmt.Errorf("fail to parse sweep deposit txid: %w", err)
		}
		if sweep.Deposits[i].Txid, err = scanHash(raw); err != nil {
			return nil, err
		}
		sweep.Deposits[i].OutputIndex = d.OutputIndex
	}
	sweep.WithdrawalIDs = make([]uint64, len(ids))
	for i, id := range ids {
		sweep.WithdrawalIDs[i] = uint64(id)
	}
	return sweep, nil
}

func (s *Store) MarkSweepConfirmed(ctx context.Context, txid *chainhash.Hash, blockHash *chainhash.Hash, height int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sweep_transactions SET confirmed_hash = $2, confirmed_height = $3
		WHERE txid = $1`, txid[:], blockHash[:], height)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) WriteSignerUtxo(ctx context.Context, utxo *storage.SignerUtxo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signer_utxos (txid, output_index, amount, script_pub_key)
		VALUES ($1, $2, $3, $4)`,
		utxo.Txid[:], utxo.OutputIndex, int64(utxo.Amount), utxo.ScriptPubKey)
	return err
}

func (s *Store) GetSignerUtxo(ctx context.Context, scriptPubKey []byte) (*storage.SignerUtxo, error) {
	utxo := &storage.SignerUtxo{}
	var txid []byte
	var amount int64
	err := s.pool.QueryRow(ctx, `
		SELECT txid, output_index, amount, script_pub_key
		FROM signer_utxos WHERE script_pub_key = $1
		ORDER BY id DESC LIMIT 1`, scriptPubKey).
		Scan(&txid, &utxo.OutputIndex, &amount, &utxo.ScriptPubKey)
	if err != nil {
		return nil, notFound(err)
	}
	utxo.Amount = uint64(amount)
	if utxo.Txid, err = scanHash(txid); err != nil {
		return nil, err
	}
	return utxo, nil
}

func (s *Store) WriteCompletedDepositEvent(ctx context.Context, event *storage.CompletedDepositEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO completed_deposit_events (txid, output_index, stacks_block_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (txid, output_index) DO NOTHING`,
		event.Txid[:], event.OutputIndex, event.StacksBlockID[:])
	return err
}

func (s *Store) GetCompletedDepositEvent(ctx context.Context, txid *chainhash.Hash, outputIndex uint32) (*storage.CompletedDepositEvent, error) {
	event := &storage.CompletedDepositEvent{}
	var txidRaw, blockID []byte
	err := s.pool.QueryRow(ctx, `
		SELECT txid, output_index, stacks_block_id FROM completed_deposit_events
		WHERE txid = $1 AND output_index = $2`, txid[:], outputIndex).
		Scan(&txidRaw, &event.OutputIndex, &blockID)
	if err != nil {
		return nil, notFound(err)
	}
	if event.Txid, err = scanHash(txidRaw); err != nil {
		return nil, err
	}
	if event.StacksBlockID, err = scan32(blockID); err != nil {
		return nil, err
	}
	return event, nil
}

func (s *Store) WriteWithdrawalEvent(ctx context.Context, event *storage.WithdrawalEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawal_events (request_id, stacks_block_id, accepted)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO NOTHING`,
		int64(event.RequestID), event.StacksBlockID[:], event.Accepted)
	return err
}

func (s *Store) GetWithdrawalEvent(ctx context.Context, requestID uint64) (*storage.WithdrawalEvent, error) {
	event := &storage.WithdrawalEvent{}
	var id int64
	var blockID []byte
	err := s.pool.QueryRow(ctx, `
		SELECT request_id, stacks_block_id, accepted FROM withdrawal_events
		WHERE request_id = $1`, int64(requestID)).
		Scan(&id, &blockID, &event.Accepted)
	if err != nil {
		return nil, notFound(err)
	}
	event.RequestID = uint64(id)
	if event.StacksBlockID, err = scan32(blockID); err != nil {
		return nil, err
	}
	return event, nil
}

var _ storage.Store = (*Store)(nil)
