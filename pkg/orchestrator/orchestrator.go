// Package orchestrator implements the top-level migration state
// machine: it drives the Copy -> Catchup* -> Downtime -> Cutover
// sequence, decides when Catchup has converged, and answers the
// destination HTTP surface's result/abort queries.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/openshift/kvs-migration-orchestrator/pkg/metadatastore"
	"github.com/openshift/kvs-migration-orchestrator/pkg/migration"
	"github.com/openshift/kvs-migration-orchestrator/pkg/phase"
	"github.com/openshift/kvs-migration-orchestrator/pkg/telemetry"
)

const migrationStateKey = "MigrationState"
const migrationEndSeqNumKey = "MigrationEndSeqNum"
const migrationStartedAtKey = "MigrationStartedAt"
const migrationFinishedAtKey = "MigrationFinishedAt"
const migrationCatchupIterationsKey = "MigrationCatchupIterations"
const migrationErrKey = "MigrationErr"

// Source is the subset of sourceclient.Client the orchestrator itself
// needs, beyond what it hands to the Phase Workload.
type Source interface {
	ResumeWrites(ctx context.Context) error
	GetEndSN(ctx context.Context) (int64, error)
}

// Orchestrator drives one partition's migration.
type Orchestrator struct {
	dict     *metadatastore.Dictionary
	workload *phase.Workload
	source   Source
	settings migration.MigrationSettings
	metrics  *telemetry.Metrics
}

// New creates an Orchestrator over dict, workload, source and
// settings.
func New(dict *metadatastore.Dictionary, workload *phase.Workload, source Source, settings migration.MigrationSettings) *Orchestrator {
	return &Orchestrator{dict: dict, workload: workload, source: source, settings: settings}
}

// SetMetrics attaches m so every state transition reports the
// migration's current state into it. Optional.
func (o *Orchestrator) SetMetrics(m *telemetry.Metrics) *Orchestrator {
	o.metrics = m
	return o
}

func (o *Orchestrator) reportState(state migration.MigrationState) {
	if o.metrics == nil {
		return
	}
	for _, s := range []migration.MigrationState{
		migration.MigrationStateNotStarted, migration.MigrationStateRunning,
		migration.MigrationStateDone, migration.MigrationStateAborted,
	} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		o.metrics.MigrationState.WithLabelValues(string(s)).Set(v)
	}
}

// Run drives the migration to completion or until ctx is cancelled
// (e.g. by loss of partition-primary leadership), resuming from
// whatever state it finds in the metadata store. It is safe to call
// again after a cancellation, a process restart or an Abort; only a
// migration that has reached Done is left untouched.
func (o *Orchestrator) Run(ctx context.Context) error {
	logger := klog.FromContext(ctx)

	state, err := o.currentState(ctx)
	if err != nil {
		return err
	}

	switch state {
	case migration.MigrationStateDone:
		logger.Info("migration already in terminal state, nothing to do", "state", state)
		return nil
	case migration.MigrationStateAborted:
		logger.Info("resuming aborted migration")
		if err := o.dict.AddOrUpdate(ctx, migrationStateKey, string(migration.MigrationStateRunning)); err != nil {
			return err
		}
		o.reportState(migration.MigrationStateRunning)
	case migration.MigrationStateNotStarted:
		if err := o.markStarted(ctx); err != nil {
			return err
		}
	case migration.MigrationStateRunning:
		logger.Info("resuming in-progress migration")
	}

	if err := o.runCopy(ctx); err != nil {
		return o.fail(ctx, err)
	}

	finalIter, err := o.runCatchupUntilConverged(ctx)
	if err != nil {
		return o.fail(ctx, err)
	}

	if err := o.workload.RecordFinalCatchupIteration(ctx, finalIter); err != nil {
		return o.fail(ctx, err)
	}

	// Downtime applies whatever trickle of writes landed after the
	// final Catchup iteration, so it is sized like Catchup rather than
	// the wide Copy fan-out.
	downtimeResult, err := o.workload.StartOrResume(ctx, migration.PhaseDowntime, 0, o.settings.CatchupPhaseWorkerCount)
	if err != nil {
		return o.fail(ctx, err)
	}
	if downtimeResult.Status != migration.PhaseStatusCompleted {
		return o.fail(ctx, fmt.Errorf("downtime phase failed: %s", downtimeResult.Err))
	}

	return o.cutover(ctx, downtimeResult.EndSN)
}

func (o *Orchestrator) runCopy(ctx context.Context) error {
	result, err := o.workload.StartOrResume(ctx, migration.PhaseCopy, 0, o.settings.CopyPhaseWorkerCount)
	if err != nil {
		return err
	}
	if result.Status != migration.PhaseStatusCompleted {
		return fmt.Errorf("copy phase failed: %s", result.Err)
	}
	return nil
}

// runCatchupUntilConverged runs successive Catchup iterations until a
// fresh read of the source's end sequence number falls within
// DowntimeThreshold of the iteration's own endSN, or
// MaxCatchupIterations is reached, returning the index of the final
// iteration run.
func (o *Orchestrator) runCatchupUntilConverged(ctx context.Context) (int, error) {
	logger := klog.FromContext(ctx)

	for iter := 0; iter < o.settings.MaxCatchupIterations; iter++ {
		result, err := o.workload.StartOrResume(ctx, migration.PhaseCatchup, iter, o.settings.CatchupPhaseWorkerCount)
		if err != nil {
			return 0, err
		}
		if result.Status != migration.PhaseStatusCompleted {
			return 0, fmt.Errorf("catchup iteration %d failed: %s", iter, result.Err)
		}

		if err := o.dict.PutInt64(ctx, migrationCatchupIterationsKey, int64(iter+1)); err != nil {
			return 0, err
		}
		if o.metrics != nil {
			o.metrics.CatchupIteration.Set(float64(iter))
		}

		end, err := o.source.GetEndSN(ctx)
		if err != nil {
			return 0, err
		}
		delta := end - result.EndSN

		logger.Info("catchup iteration converged check", "iteration", iter, "delta", delta)
		if delta <= o.settings.DowntimeThreshold {
			return iter, nil
		}
	}

	logger.Info("catchup iteration cap reached without full convergence, proceeding to downtime anyway",
		"maxIterations", o.settings.MaxCatchupIterations)
	return o.settings.MaxCatchupIterations - 1, nil
}

// cutover records the migration's end sequence number exactly once
// and marks the migration Done.
func (o *Orchestrator) cutover(ctx context.Context, endSN int64) error {
	if _, err := o.dict.GetOrAdd(ctx, migrationEndSeqNumKey, fmt.Sprintf("%d", endSN)); err != nil {
		return err
	}
	if err := o.dict.AddOrUpdate(ctx, migrationStateKey, string(migration.MigrationStateDone)); err != nil {
		return err
	}
	o.reportState(migration.MigrationStateDone)
	return o.dict.AddOrUpdate(ctx, migrationFinishedAtKey, time.Now().UTC().Format(time.RFC3339Nano))
}

func (o *Orchestrator) fail(ctx context.Context, cause error) error {
	klog.FromContext(ctx).Error(cause, "migration run failed")
	_ = o.dict.AddOrUpdate(ctx, migrationErrKey, cause.Error())
	return cause
}

// Abort cancels an in-progress migration: it tells the source to
// resume accepting writes (a no-op if RejectWrites was never called)
// and marks the migration Aborted. It never runs on a migration that
// has already reached Done.
func (o *Orchestrator) Abort(ctx context.Context) error {
	state, err := o.currentState(ctx)
	if err != nil {
		return err
	}
	if state == migration.MigrationStateDone {
		return fmt.Errorf("cannot abort a migration that has already cut over")
	}

	if err := o.source.ResumeWrites(ctx); err != nil {
		klog.FromContext(ctx).Error(err, "failed to resume writes on the source during abort")
	}

	if err := o.dict.AddOrUpdate(ctx, migrationStateKey, string(migration.MigrationStateAborted)); err != nil {
		return err
	}
	o.reportState(migration.MigrationStateAborted)
	return o.dict.AddOrUpdate(ctx, migrationFinishedAtKey, time.Now().UTC().Format(time.RFC3339Nano))
}

// Result returns the caller-facing MigrationResult for GET
// /migration/result.
func (o *Orchestrator) Result(ctx context.Context) (migration.MigrationResult, error) {
	state, err := o.currentState(ctx)
	if err != nil {
		return migration.MigrationResult{}, err
	}

	iterations, _, err := o.dict.GetInt64(ctx, migrationCatchupIterationsKey)
	if err != nil {
		return migration.MigrationResult{}, err
	}

	errMsg, _, err := o.dict.Get(ctx, migrationErrKey)
	if err != nil {
		return migration.MigrationResult{}, err
	}

	totalKeys, _, err := o.dict.GetInt64(ctx, metadatastore.MigrationNoOfKeysMigratedKey)
	if err != nil {
		return migration.MigrationResult{}, err
	}

	result := migration.MigrationResult{State: state, Iterations: int(iterations), TotalKeys: totalKeys, Err: errMsg}

	if state == migration.MigrationStateDone || state == migration.MigrationStateAborted {
		result.CompletedPhase = migration.PhaseCutover
	}

	if startedAt, ok, err := o.dict.Get(ctx, migrationStartedAtKey); err != nil {
		return migration.MigrationResult{}, err
	} else if ok {
		if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			result.StartedAt = t
		}
	}
	if finishedAt, ok, err := o.dict.Get(ctx, migrationFinishedAtKey); err != nil {
		return migration.MigrationResult{}, err
	} else if ok {
		if t, err := time.Parse(time.RFC3339Nano, finishedAt); err == nil {
			result.FinishedAt = t
		}
	}

	return result, nil
}

func (o *Orchestrator) currentState(ctx context.Context) (migration.MigrationState, error) {
	raw, err := o.dict.GetOrDefault(ctx, migrationStateKey, string(migration.MigrationStateNotStarted))
	if err != nil {
		return "", err
	}
	return migration.MigrationState(raw), nil
}

func (o *Orchestrator) markStarted(ctx context.Context) error {
	if err := o.dict.AddOrUpdate(ctx, migrationStateKey, string(migration.MigrationStateRunning)); err != nil {
		return err
	}
	o.reportState(migration.MigrationStateRunning)
	return o.dict.AddOrUpdate(ctx, migrationStartedAtKey, time.Now().UTC().Format(time.RFC3339Nano))
}

// IsForwardingWindow reports whether actor calls should currently be
// forwarded to the source rather than served locally, consulted by
// pkg/forward's Middleware on every request. True for every state
// except Done: a migration that has not started, is running, or was
// aborted and may yet be resumed still has state on the source that
// the destination cannot serve; only a completed cutover stops
// forwarding.
func (o *Orchestrator) IsForwardingWindow(ctx context.Context) (bool, error) {
	state, err := o.currentState(ctx)
	if err != nil {
		return false, err
	}
	return state != migration.MigrationStateDone, nil
}
