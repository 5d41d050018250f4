// Package worker implements the Migration Worker: it streams one
// [startSN, endSN] shard of a phase iteration from the source,
// applies each record to the destination state provider in order,
// and checkpoints its progress so a crash or failover resumes from
// the last applied sequence number rather than the shard's start.
package worker

import (
	"context"
	"time"

	"k8s.io/klog/v2"

	"github.com/openshift/kvs-migration-orchestrator/pkg/metadatastore"
	"github.com/openshift/kvs-migration-orchestrator/pkg/migration"
	"github.com/openshift/kvs-migration-orchestrator/pkg/sourceclient"
)

// StateProvider is the narrow interface the destination replicated
// store exposes to a worker: apply one record at a given source
// sequence number.
type StateProvider interface {
	Apply(ctx context.Context, sn int64, key, value string) error
}

// SourceReader is the subset of sourceclient.Client a worker needs;
// narrowed to an interface so tests can substitute a stub.
type SourceReader interface {
	EnumerateKeys(ctx context.Context, startSN, endSN int64, fn func(sourceclient.KeyRecord) error) error
}

// CheckpointInterval bounds how often a worker persists
// LastAppliedSN to the metadata store while streaming a shard.
const CheckpointInterval = 2 * time.Second

// Worker runs one shard of one phase iteration.
type Worker struct {
	dict   *metadatastore.Dictionary
	source SourceReader
	state  StateProvider
}

// New creates a Worker over dict, source and state.
func New(dict *metadatastore.Dictionary, source SourceReader, state StateProvider) *Worker {
	return &Worker{dict: dict, source: source, state: state}
}

// Run executes in.Phase/in.Iteration/in.WorkerID's shard
// [in.StartSN, in.EndSN], resuming from its own last checkpoint if
// one already exists, and returns the terminal WorkerResult.
//
// It never returns an error for an ordinary apply failure: that is
// recorded in the returned WorkerResult so the caller (the Phase
// Workload) can aggregate it without special-casing error returns.
// It does return an error for a failure to read or write the
// metadata store itself, since that leaves no result to report.
func (w *Worker) Run(ctx context.Context, in migration.WorkerInput) (migration.WorkerResult, error) {
	logger := klog.FromContext(ctx).WithValues(
		"phase", in.Phase, "iteration", in.Iteration, "worker", in.WorkerID)

	resumeFrom := in.StartSN - 1
	ckptKey := metadatastore.WorkerKey("LastAppliedSN", string(in.Phase), in.Iteration, in.WorkerID)

	if last, ok, err := w.dict.GetInt64(ctx, ckptKey); err != nil {
		return migration.WorkerResult{}, err
	} else if ok {
		resumeFrom = last
		logger.Info("resuming worker from checkpoint", "lastAppliedSN", last)
	}

	if resumeFrom >= in.EndSN {
		return migration.WorkerResult{
			Phase: in.Phase, Iteration: in.Iteration, WorkerID: in.WorkerID,
			Status: migration.WorkerStatusCompleted, LastAppliedSN: resumeFrom,
		}, nil
	}

	var keysApplied int64
	lastCheckpointWritten := resumeFrom
	lastCheckpointAt := time.Now()

	applyErr := w.source.EnumerateKeys(ctx, resumeFrom+1, in.EndSN, func(rec sourceclient.KeyRecord) error {
		if err := w.state.Apply(ctx, rec.SN, rec.Key, rec.Value); err != nil {
			return migration.NewApplyError(rec.SN, "state provider rejected record", err)
		}
		resumeFrom = rec.SN
		keysApplied++

		if time.Since(lastCheckpointAt) >= CheckpointInterval {
			if err := w.dict.PutInt64(ctx, ckptKey, resumeFrom); err != nil {
				return err
			}
			lastCheckpointWritten = resumeFrom
			lastCheckpointAt = time.Now()
		}
		return nil
	})

	if resumeFrom != lastCheckpointWritten {
		if err := w.dict.PutInt64(ctx, ckptKey, resumeFrom); err != nil {
			return migration.WorkerResult{}, err
		}
	}

	result := migration.WorkerResult{
		Phase: in.Phase, Iteration: in.Iteration, WorkerID: in.WorkerID,
		LastAppliedSN: resumeFrom, KeysApplied: keysApplied,
	}

	if applyErr != nil {
		if ctx.Err() != nil {
			result.Status = migration.WorkerStatusFailed
			result.Err = migration.NewCancelledError("Run", ctx.Err()).Error()
			return result, nil
		}
		logger.Error(applyErr, "worker shard failed")
		result.Status = migration.WorkerStatusFailed
		result.Err = applyErr.Error()
		return result, nil
	}

	result.Status = migration.WorkerStatusCompleted
	logger.Info("worker shard completed", "keysApplied", keysApplied, "lastAppliedSN", resumeFrom)
	return result, nil
}
