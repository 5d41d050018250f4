// Package phase implements the Phase Workload: planning and running
// one (phase, iteration) of the Copy -> Catchup* -> Downtime state
// machine, sharding its sequence-number range across a pool of
// Migration Workers and aggregating their results.
package phase

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/openshift/kvs-migration-orchestrator/pkg/metadatastore"
	"github.com/openshift/kvs-migration-orchestrator/pkg/migration"
	"github.com/openshift/kvs-migration-orchestrator/pkg/telemetry"
	"github.com/openshift/kvs-migration-orchestrator/pkg/worker"
)

// Source is the subset of sourceclient.Client a phase workload needs
// to plan a (phase, iteration): sequence-number bounds and the
// write-rejection handshake. Narrowed to an interface so phase.go
// never depends on sourceclient's HTTP concerns directly.
type Source interface {
	GetStartSN(ctx context.Context) (int64, error)
	GetEndSN(ctx context.Context) (int64, error)
	RejectWrites(ctx context.Context) error
}

// SourceReader is re-exported so callers constructing a Workload do
// not need to import pkg/worker directly.
type SourceReader = worker.SourceReader

// StateProvider is re-exported for the same reason.
type StateProvider = worker.StateProvider

// Workload runs one (phase, iteration), tagged by Kind rather than
// subclassed per phase: computeStartSN/computeEndSN carry the only
// behavior that differs between Copy, Catchup and Downtime.
type Workload struct {
	dict    *metadatastore.Dictionary
	source  Source
	reader  SourceReader
	state   StateProvider
	metrics *telemetry.Metrics
}

// New creates a Workload over dict, source, reader and state.
func New(dict *metadatastore.Dictionary, source Source, reader SourceReader, state StateProvider) *Workload {
	return &Workload{dict: dict, source: source, reader: reader, state: state}
}

// SetMetrics attaches m so every subsequent StartOrResume reports
// phase duration and keys-applied into it. Optional: a Workload with
// no metrics attached runs identically, just unobserved.
func (w *Workload) SetMetrics(m *telemetry.Metrics) *Workload {
	w.metrics = m
	return w
}

// StartOrResume plans (if not already planned) and runs phase/iter,
// fanning out workerCount workers across its sequence-number range,
// and returns the aggregated result. Calling it again for a
// (phase, iter) that is already Completed or Failed re-aggregates
// the existing worker results rather than re-running them; calling
// it again for one still Running resumes each worker from its own
// checkpoint.
func (w *Workload) StartOrResume(ctx context.Context, kind migration.MigrationPhase, iter, workerCount int) (migration.PhaseResult, error) {
	logger := klog.FromContext(ctx).WithValues("phase", kind, "iteration", iter)

	in, err := w.getOrAddInput(ctx, kind, iter, workerCount)
	if err != nil {
		return migration.PhaseResult{}, err
	}

	statusKey := metadatastore.PhaseKey("Status", string(kind), iter)
	if status, ok, err := w.dict.Get(ctx, statusKey); err != nil {
		return migration.PhaseResult{}, err
	} else if ok && migration.PhaseStatus(status) != migration.PhaseStatusRunning {
		return w.GetResult(ctx, kind, iter)
	}

	if err := w.dict.AddOrUpdate(ctx, statusKey, string(migration.PhaseStatusRunning)); err != nil {
		return migration.PhaseResult{}, err
	}

	start := time.Now()
	logger.Info("running phase workload", "startSN", in.StartSN, "endSN", in.EndSN, "workers", in.WorkerCount)

	results, runErr := w.runWorkers(ctx, in)
	if runErr != nil {
		return migration.PhaseResult{}, runErr
	}

	status := migration.PhaseStatusCompleted
	var failMsg string
	var keysApplied int64
	for _, r := range results {
		keysApplied += r.KeysApplied
		if r.Status == migration.WorkerStatusFailed {
			status = migration.PhaseStatusFailed
			if failMsg == "" {
				failMsg = r.Err
			}
		}
	}

	if err := w.dict.AddOrUpdate(ctx, statusKey, string(status)); err != nil {
		return migration.PhaseResult{}, err
	}
	if err := w.recordCompletion(ctx, kind, iter, in.EndSN, keysApplied); err != nil {
		return migration.PhaseResult{}, err
	}

	duration := time.Since(start)
	result := migration.PhaseResult{
		Phase: kind, Iteration: iter, Status: status,
		StartSN: in.StartSN, EndSN: in.EndSN,
		KeysApplied: keysApplied, Duration: duration, Err: failMsg,
	}
	if w.metrics != nil {
		w.metrics.PhaseDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
		w.metrics.KeysApplied.WithLabelValues(string(kind)).Add(float64(keysApplied))
		w.metrics.CurrentSN.WithLabelValues("end").Set(float64(in.EndSN))
	}
	logger.Info("phase workload finished", "status", status, "keysApplied", keysApplied)
	return result, nil
}

// recordCompletion writes the per-phase bookkeeping row for (kind,
// iter) and folds its outcome into the migration-wide counters:
// MigrationLastAppliedSeqNum never decreases across phases, and
// MigrationNoOfKeysMigrated accumulates every phase's keysApplied.
func (w *Workload) recordCompletion(ctx context.Context, kind migration.MigrationPhase, iter int, endSN, keysApplied int64) error {
	if err := w.dict.AddOrUpdate(ctx, metadatastore.PhaseKey("EndDateTimeUTC", string(kind), iter), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if err := w.dict.PutInt64(ctx, metadatastore.PhaseKey("LastAppliedSeqNum", string(kind), iter), endSN); err != nil {
		return err
	}
	if err := w.dict.PutInt64(ctx, metadatastore.PhaseKey("NoOfKeysMigrated", string(kind), iter), keysApplied); err != nil {
		return err
	}
	if _, err := w.dict.MaxInt64(ctx, metadatastore.MigrationLastAppliedSeqNumKey, endSN); err != nil {
		return err
	}
	if _, err := w.dict.AddInt64(ctx, metadatastore.MigrationNoOfKeysMigratedKey, keysApplied); err != nil {
		return err
	}
	return nil
}

// GetResult is a static reader: it never runs a worker, only reads
// the planning row and each worker's own checkpoint row for
// phase/iter. It only reads rows keyed by phase/iter itself, never a
// later iteration's, so a caller reading an
// older iteration after newer ones have started never sees the wrong
// iteration's progress blended in.
func (w *Workload) GetResult(ctx context.Context, kind migration.MigrationPhase, iter int) (migration.PhaseResult, error) {
	statusKey := metadatastore.PhaseKey("Status", string(kind), iter)
	status, ok, err := w.dict.Get(ctx, statusKey)
	if err != nil {
		return migration.PhaseResult{}, err
	}
	if !ok {
		return migration.PhaseResult{Phase: kind, Iteration: iter, Status: migration.PhaseStatusPending}, nil
	}

	startSN, _, err := w.dict.GetInt64(ctx, metadatastore.PhaseKey("StartSN", string(kind), iter))
	if err != nil {
		return migration.PhaseResult{}, err
	}
	endSN, _, err := w.dict.GetInt64(ctx, metadatastore.PhaseKey("EndSN", string(kind), iter))
	if err != nil {
		return migration.PhaseResult{}, err
	}
	workerCount, _, err := w.dict.GetInt64(ctx, metadatastore.PhaseKey("WorkerCount", string(kind), iter))
	if err != nil {
		return migration.PhaseResult{}, err
	}

	var keysApplied int64
	for id := 0; id < int(workerCount); id++ {
		last, ok, err := w.dict.GetInt64(ctx, metadatastore.WorkerKey("LastAppliedSN", string(kind), iter, id))
		if err != nil {
			return migration.PhaseResult{}, err
		}
		if ok {
			lo := shardStart(startSN, endSN, int(workerCount), id)
			if last >= lo {
				keysApplied += last - lo + 1
			}
		}
	}

	return migration.PhaseResult{
		Phase: kind, Iteration: iter, Status: migration.PhaseStatus(status),
		StartSN: startSN, EndSN: endSN, KeysApplied: keysApplied,
	}, nil
}

// getOrAddInput plans phase/iter exactly once: it computes
// startSN/endSN via computeStartSN/computeEndSN and writes
// StartSN/EndSN/WorkerCount together inside one GetOrAddMulti
// transaction, so two racing callers (e.g. after a failover) converge
// on the same plan instead of one clobbering the other's in-flight
// work, and a crash between individual field writes can never be
// observed: either none of the three fields exist yet (not planned)
// or all three do (planned).
func (w *Workload) getOrAddInput(ctx context.Context, kind migration.MigrationPhase, iter, workerCount int) (migration.PhaseInput, error) {
	startKey := metadatastore.PhaseKey("StartSN", string(kind), iter)
	endKey := metadatastore.PhaseKey("EndSN", string(kind), iter)
	countKey := metadatastore.PhaseKey("WorkerCount", string(kind), iter)

	if existing, err := w.readFullPlan(ctx, kind, iter, startKey, endKey, countKey); err != nil {
		return migration.PhaseInput{}, err
	} else if existing != nil {
		return *existing, nil
	}

	startSN, err := w.computeStartSN(ctx, kind, iter)
	if err != nil {
		return migration.PhaseInput{}, err
	}

	// Downtime's endSN must be fetched only after RejectWrites has
	// returned, never before: computeEndSN enforces that ordering for
	// the Downtime kind.
	endSN, err := w.computeEndSN(ctx, kind, iter)
	if err != nil {
		return migration.PhaseInput{}, err
	}

	planned, err := w.dict.GetOrAddMulti(ctx, map[string]string{
		startKey: fmt.Sprintf("%d", startSN),
		endKey:   fmt.Sprintf("%d", endSN),
		countKey: fmt.Sprintf("%d", workerCount),
	})
	if err != nil {
		return migration.PhaseInput{}, err
	}

	plannedStart, err := parsePlannedInt64(startKey, planned[startKey])
	if err != nil {
		return migration.PhaseInput{}, err
	}
	plannedEnd, err := parsePlannedInt64(endKey, planned[endKey])
	if err != nil {
		return migration.PhaseInput{}, err
	}
	plannedCount, err := parsePlannedInt64(countKey, planned[countKey])
	if err != nil {
		return migration.PhaseInput{}, err
	}

	if kind == migration.PhaseCopy {
		if _, err := w.dict.GetOrAdd(ctx, metadatastore.MigrationStartSeqNumKey, fmt.Sprintf("%d", plannedStart)); err != nil {
			return migration.PhaseInput{}, err
		}
	}

	return migration.PhaseInput{
		Phase: kind, Iteration: iter, StartSN: plannedStart, EndSN: plannedEnd, WorkerCount: int(plannedCount),
	}, nil
}

// readFullPlan returns the planning row for (kind, iter) only if
// StartSN, EndSN and WorkerCount are all present; a partial row (e.g.
// a crash that committed StartSN but never reached WorkerCount) is
// treated the same as no row at all, so getOrAddInput replans it
// rather than returning zero-valued fields.
func (w *Workload) readFullPlan(ctx context.Context, kind migration.MigrationPhase, iter int, startKey, endKey, countKey string) (*migration.PhaseInput, error) {
	start, ok, err := w.dict.GetInt64(ctx, startKey)
	if err != nil || !ok {
		return nil, err
	}
	end, ok, err := w.dict.GetInt64(ctx, endKey)
	if err != nil || !ok {
		return nil, err
	}
	count, ok, err := w.dict.GetInt64(ctx, countKey)
	if err != nil || !ok {
		return nil, err
	}
	return &migration.PhaseInput{Phase: kind, Iteration: iter, StartSN: start, EndSN: end, WorkerCount: int(count)}, nil
}

func parsePlannedInt64(key, raw string) (int64, error) {
	var v int64
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, migration.NewCorruptionError(key, "not an integer", err)
	}
	return v, nil
}

// finalCatchupIterationKey is the global key the orchestrator writes,
// via RecordFinalCatchupIteration, with the index of the last Catchup
// iteration it ran before moving to Downtime. Downtime's own
// iteration number is always 0 (it runs once), so it cannot derive
// "the previous iteration" from iter-1 the way Catchup does; it reads
// this key instead.
const finalCatchupIterationKey = "FinalCatchupIteration"

// RecordFinalCatchupIteration is called by the orchestrator once it
// decides to stop iterating Catchup and move to Downtime, so
// Downtime's computeStartSN knows which Catchup iteration's EndSN to
// chain from.
func (w *Workload) RecordFinalCatchupIteration(ctx context.Context, iter int) error {
	return w.dict.PutInt64(ctx, finalCatchupIterationKey, int64(iter))
}

// computeStartSN dispatches on kind: Copy starts at the source's
// current start; Catchup and Downtime start one past the previous
// iteration's end.
func (w *Workload) computeStartSN(ctx context.Context, kind migration.MigrationPhase, iter int) (int64, error) {
	switch kind {
	case migration.PhaseCopy:
		return w.source.GetStartSN(ctx)
	case migration.PhaseCatchup:
		if iter == 0 {
			return w.lastEndSN(ctx, migration.PhaseCopy, 0)
		}
		return w.lastEndSN(ctx, migration.PhaseCatchup, iter-1)
	case migration.PhaseDowntime:
		finalIter, ok, err := w.dict.GetInt64(ctx, finalCatchupIterationKey)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("downtime planned before any catchup iteration was recorded")
		}
		return w.lastEndSN(ctx, migration.PhaseCatchup, int(finalIter))
	default:
		return 0, fmt.Errorf("unknown phase kind %q", kind)
	}
}

// computeEndSN dispatches on kind. Downtime is the one case where
// order matters: RejectWrites must complete before the fresh
// GetEndSN call, so that no write the source accepted before
// rejection took effect is left out of the migrated range.
func (w *Workload) computeEndSN(ctx context.Context, kind migration.MigrationPhase, iter int) (int64, error) {
	switch kind {
	case migration.PhaseCopy, migration.PhaseCatchup:
		return w.source.GetEndSN(ctx)
	case migration.PhaseDowntime:
		if err := w.source.RejectWrites(ctx); err != nil {
			return 0, err
		}
		return w.source.GetEndSN(ctx)
	default:
		return 0, fmt.Errorf("unknown phase kind %q", kind)
	}
}

func (w *Workload) lastEndSN(ctx context.Context, kind migration.MigrationPhase, iter int) (int64, error) {
	end, ok, err := w.dict.GetInt64(ctx, metadatastore.PhaseKey("EndSN", string(kind), iter))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("no recorded end sn for %s iteration %d", kind, iter)
	}
	return end + 1, nil
}

// runWorkers fans out in.WorkerCount workers over in's contiguous
// shards using an errgroup, the same job-fan-out shape the corpus's
// Filecoin actor-state migrator uses for its parallel migration
// workers.
func (w *Workload) runWorkers(ctx context.Context, in migration.PhaseInput) ([]migration.WorkerResult, error) {
	results := make([]migration.WorkerResult, in.WorkerCount)
	grp, ctx := errgroup.WithContext(ctx)

	mw := worker.New(w.dict, w.reader, w.state)

	for id := 0; id < in.WorkerCount; id++ {
		id := id
		grp.Go(func() error {
			lo := shardStart(in.StartSN, in.EndSN, in.WorkerCount, id)
			hi := shardEnd(in.StartSN, in.EndSN, in.WorkerCount, id)
			if lo > hi {
				results[id] = migration.WorkerResult{
					Phase: in.Phase, Iteration: in.Iteration, WorkerID: id,
					Status: migration.WorkerStatusCompleted, LastAppliedSN: lo - 1,
				}
				return nil
			}
			r, err := mw.Run(ctx, migration.WorkerInput{
				Phase: in.Phase, Iteration: in.Iteration, WorkerID: id, StartSN: lo, EndSN: hi,
			})
			if err != nil {
				return err
			}
			results[id] = r
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// shardStart and shardEnd split [startSN, endSN] into workerCount
// contiguous, roughly-equal shards, shard id's bounds inclusive.
func shardStart(startSN, endSN int64, workerCount, id int) int64 {
	total := endSN - startSN + 1
	if total < 0 {
		total = 0
	}
	per := total / int64(workerCount)
	rem := total % int64(workerCount)
	offset := int64(id)*per + minInt64(int64(id), rem)
	return startSN + offset
}

func shardEnd(startSN, endSN int64, workerCount, id int) int64 {
	next := shardStart(startSN, endSN, workerCount, id+1)
	return next - 1
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
