package signer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/stacks-network/sbtc-signer/internal/emily"
	"github.com/stacks-network/sbtc-signer/internal/logging"
	"github.com/stacks-network/sbtc-signer/internal/tasks"
	"github.com/stacks-network/sbtc-signer/storage"
)

// Worker processes the deferred jobs the protocol loops enqueue: Emily
// status updates after a sweep and DKG share backups. Running it embedded
// keeps the signer a single process while the queue still provides retries.
type Worker struct {
	Emily  emily.Interact
	Backup *storage.ShareBackup
}

// Run serves the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context, redisOpt asynq.RedisClientOpt) error {
	logger := logging.Logger.WithField("service", "worker")

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeEmilyDepositUpdate, w.HandleEmilyDepositUpdate)
	mux.HandleFunc(tasks.TypeEmilyWithdrawalUpdate, w.HandleEmilyWithdrawalUpdate)
	mux.HandleFunc(tasks.TypeShareBackup, w.HandleShareBackup)

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("could not start worker: %w", err)
	}
	logger.Info("worker started")
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func (w *Worker) HandleEmilyDepositUpdate(ctx context.Context, t *asynq.Task) error {
	var p tasks.EmilyDepositUpdatePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	logging.Logger.WithFields(logrus.Fields{
		"trace_id": p.TraceID,
		"txid":     p.Txid,
		"status":   p.Status,
	}).Info("updating emily deposit status")
	if w.Emily == nil {
		return nil
	}
	return w.Emily.UpdateDepositStatus(ctx, emily.StatusUpdate{
		Txid:        p.Txid,
		OutputIndex: p.OutputIndex,
		Status:      p.Status,
		FulfillTxid: p.FulfillTxid,
	})
}

func (w *Worker) HandleEmilyWithdrawalUpdate(ctx context.Context, t *asynq.Task) error {
	var p tasks.EmilyWithdrawalUpdatePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	logging.Logger.WithFields(logrus.Fields{
		"trace_id":   p.TraceID,
		"request_id": p.RequestID,
		"status":     p.Status,
	}).Info("updating emily withdrawal status")
	if w.Emily == nil {
		return nil
	}
	return w.Emily.UpdateWithdrawalStatus(ctx, emily.StatusUpdate{
		RequestID:   p.RequestID,
		Status:      p.Status,
		FulfillTxid: p.FulfillTxid,
	})
}

func (w *Worker) HandleShareBackup(ctx context.Context, t *asynq.Task) error {
	var p tasks.ShareBackupPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json.Unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	logging.Logger.WithFields(logrus.Fields{
		"trace_id":      p.TraceID,
		"aggregate_key": p.AggregateKey,
	}).Info("uploading dkg share backup")
	if w.Backup == nil {
		return nil
	}
	return w.Backup.UploadWithRetry(ctx, p.Blob, "dkg-shares/"+p.AggregateKey+".bin", 3)
}
