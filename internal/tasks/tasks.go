// Package tasks defines the background jobs the signer defers to its asynq
// queue: Emily status synchronization after a sweep and share backup uploads.
// Queue delivery gives these at least once retry semantics without blocking
// the protocol loops. Every payload carries a trace id stamped at enqueue
// time so retries of one job line up in the logs.
package tasks

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	TypeEmilyDepositUpdate    = "emily:deposit_update"
	TypeEmilyWithdrawalUpdate = "emily:withdrawal_update"
	TypeShareBackup           = "dkg:share_backup"
)

// EmilyDepositUpdatePayload marks a deposit's status on the read side API.
type EmilyDepositUpdatePayload struct {
	TraceID     string
	Txid        string
	OutputIndex uint32
	Status      string
	FulfillTxid string
}

// EmilyWithdrawalUpdatePayload marks a withdrawal's status.
type EmilyWithdrawalUpdatePayload struct {
	TraceID     string
	RequestID   uint64
	Status      string
	FulfillTxid string
}

// ShareBackupPayload uploads an encrypted DKG share blob to the backup
// bucket. The blob is already ciphertext.
type ShareBackupPayload struct {
	TraceID      string
	AggregateKey string
	Blob         []byte
}

func NewEmilyDepositUpdateTask(payload EmilyDepositUpdatePayload) (*asynq.Task, error) {
	payload.TraceID = uuid.NewString()
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal failed: %w", err)
	}
	return asynq.NewTask(TypeEmilyDepositUpdate, raw, asynq.MaxRetry(10)), nil
}

func NewEmilyWithdrawalUpdateTask(payload EmilyWithdrawalUpdatePayload) (*asynq.Task, error) {
	payload.TraceID = uuid.NewString()
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal failed: %w", err)
	}
	return asynq.NewTask(TypeEmilyWithdrawalUpdate, raw, asynq.MaxRetry(10)), nil
}

func NewShareBackupTask(payload ShareBackupPayload) (*asynq.Task, error) {
	payload.TraceID = uuid.NewString()
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal failed: %w", err)
	}
	return asynq.NewTask(TypeShareBackup, raw, asynq.MaxRetry(5), asynq.Queue("low")), nil
}
