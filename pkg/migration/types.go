// Package migration defines the shared vocabulary for the KVS-to-RC
// live state migration orchestrator: the phase/iteration model, the
// inputs and results exchanged between the orchestrator, phase
// workloads and migration workers, and the settings that parameterize
// a migration run.
package migration

import "time"

// MigrationState is the top-level state of a migration run.
type MigrationState string

const (
	MigrationStateNotStarted MigrationState = "NotStarted"
	MigrationStateRunning    MigrationState = "Running"
	MigrationStateDone       MigrationState = "Done"
	MigrationStateAborted    MigrationState = "Aborted"
)

// MigrationPhase identifies a phase in the Copy -> Catchup* ->
// Downtime -> Cutover state machine.
type MigrationPhase string

const (
	PhaseCopy     MigrationPhase = "Copy"
	PhaseCatchup  MigrationPhase = "Catchup"
	PhaseDowntime MigrationPhase = "Downtime"
	PhaseCutover  MigrationPhase = "Cutover"
)

// PhaseStatus is the status of one (phase, iteration) execution.
type PhaseStatus string

const (
	PhaseStatusPending   PhaseStatus = "Pending"
	PhaseStatusRunning   PhaseStatus = "Running"
	PhaseStatusCompleted PhaseStatus = "Completed"
	PhaseStatusFailed    PhaseStatus = "Failed"
)

// WorkerStatus is the status of one worker's shard.
type WorkerStatus string

const (
	WorkerStatusPending   WorkerStatus = "Pending"
	WorkerStatusRunning   WorkerStatus = "Running"
	WorkerStatusCompleted WorkerStatus = "Completed"
	WorkerStatusFailed    WorkerStatus = "Failed"
)

// PhaseInput is the planning record written once per (phase, iter) by
// getOrAddInput and read thereafter by every resuming worker and by
// getResult. Once written it is never mutated.
type PhaseInput struct {
	Phase         MigrationPhase
	Iteration     int
	StartSN       int64
	EndSN         int64
	WorkerCount   int
	PlannedAtUnix int64
}

// WorkerInput is the planning record for one worker's shard of a
// phase iteration, derived deterministically from PhaseInput and the
// worker's index.
type WorkerInput struct {
	Phase     MigrationPhase
	Iteration int
	WorkerID  int
	StartSN   int64
	EndSN     int64
}

// WorkerResult is the outcome a Migration Worker records for its
// shard. LastAppliedSN is the checkpoint: on resume a worker starts
// from LastAppliedSN+1, never from WorkerInput.StartSN.
type WorkerResult struct {
	Phase         MigrationPhase
	Iteration     int
	WorkerID      int
	Status        WorkerStatus
	LastAppliedSN int64
	KeysApplied   int64
	Err           string
}

// PhaseResult is the aggregated outcome of every worker in one
// (phase, iteration), computed by the Phase Workload once all workers
// have reached a terminal status.
type PhaseResult struct {
	Phase       MigrationPhase
	Iteration   int
	Status      PhaseStatus
	StartSN     int64
	EndSN       int64
	KeysApplied int64
	Duration    time.Duration
	Err         string
}

// MigrationResult is the caller-facing summary returned by GET
// /migration/result, reflecting the migration's current state whether
// or not it has reached a terminal one.
type MigrationResult struct {
	State          MigrationState
	CompletedPhase MigrationPhase
	Iterations     int
	TotalKeys      int64
	StartedAt      time.Time
	FinishedAt     time.Time
	Err            string
}

// MigrationSettings is the full set of tunables for one migration
// run. It is loaded once at startup and held immutable for the
// lifetime of the orchestrator process; see pkg/config.
type MigrationSettings struct {
	// SourceServiceURI is the base URL of the legacy KVS controller's
	// migration control API (GetStartSN/GetEndSN/EnumerateKeys/
	// RejectWrites/ResumeWrites) for this partition's primary.
	SourceServiceURI string

	// KVSActorServiceURI is the base URL of the legacy KVS partition
	// primary's live actor RPC surface, the forwarding target
	// pkg/forward's Middleware proxies unmigrated calls to. Consumed
	// by the actor-service process that embeds the dispatcher, not by
	// this orchestrator binary directly.
	KVSActorServiceURI string

	// CopyPhaseWorkerCount is the number of parallel workers fanned
	// out for the initial Copy phase, which covers the whole existing
	// keyspace and so benefits from wide parallelism.
	CopyPhaseWorkerCount int

	// CatchupPhaseWorkerCount is the number of parallel workers fanned
	// out for each Catchup iteration and for Downtime, both of which
	// only ever cover the trickle of writes since the previous phase.
	CatchupPhaseWorkerCount int

	// DowntimeThreshold is the maximum number of un-migrated keys a
	// Catchup iteration may leave behind and still be considered
	// converged; below this threshold the orchestrator moves to
	// Downtime.
	DowntimeThreshold int64

	// MaxCatchupIterations bounds how many Catchup iterations the
	// orchestrator will run before giving up convergence and forcing
	// Downtime anyway.
	MaxCatchupIterations int

	// RequestTimeout bounds a single HTTP call to the source service.
	RequestTimeout time.Duration

	// MaxRetries bounds retry attempts for a transient source-client
	// failure.
	MaxRetries int

	// RetryBaseDelay is the base delay for exponential backoff
	// between source-client retries.
	RetryBaseDelay time.Duration

	// BatchSize is loaded from configuration but is not read by any
	// component: a worker requests its whole shard in one
	// EnumerateKeys call and checkpoints on worker.CheckpointInterval,
	// not after a fixed number of keys.
	BatchSize int

	// LeaseDuration, RenewDeadline and RetryPeriod parameterize
	// partition-primary leader election.
	LeaseDuration time.Duration
	RenewDeadline time.Duration
	RetryPeriod   time.Duration
}

// DefaultSettings returns the settings used when a field is left
// unset in the loaded configuration file.
func DefaultSettings() MigrationSettings {
	return MigrationSettings{
		CopyPhaseWorkerCount:    8,
		CatchupPhaseWorkerCount: 1,
		DowntimeThreshold:       1000,
		MaxCatchupIterations:    10,
		RequestTimeout:          30 * time.Second,
		MaxRetries:              5,
		RetryBaseDelay:          200 * time.Millisecond,
		BatchSize:               500,
		LeaseDuration:           15 * time.Second,
		RenewDeadline:           10 * time.Second,
		RetryPeriod:             2 * time.Second,
	}
}
