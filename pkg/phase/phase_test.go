package phase_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/kvs-migration-orchestrator/pkg/metadatastore"
	"github.com/openshift/kvs-migration-orchestrator/pkg/metadatastore/memstore"
	"github.com/openshift/kvs-migration-orchestrator/pkg/migration"
	"github.com/openshift/kvs-migration-orchestrator/pkg/phase"
	"github.com/openshift/kvs-migration-orchestrator/pkg/sourceclient"
)

type fakeSource struct {
	mu             sync.Mutex
	startSN        int64
	endSN          int64
	rejectCalled   bool
	endSNAfterFlag int64
}

func (f *fakeSource) GetStartSN(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startSN, nil
}

func (f *fakeSource) GetEndSN(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectCalled {
		return f.endSNAfterFlag, nil
	}
	return f.endSN, nil
}

func (f *fakeSource) RejectWrites(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectCalled = true
	return nil
}

type fakeReader struct {
	records []sourceclient.KeyRecord
}

func (r *fakeReader) EnumerateKeys(ctx context.Context, startSN, endSN int64, fn func(sourceclient.KeyRecord) error) error {
	for _, rec := range r.records {
		if rec.SN < startSN || rec.SN > endSN {
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

type fakeState struct {
	mu      sync.Mutex
	applied map[int64]string
}

func newFakeState() *fakeState { return &fakeState{applied: map[int64]string{}} }

func (s *fakeState) Apply(ctx context.Context, sn int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[sn] = value
	return nil
}

func records(n int) []sourceclient.KeyRecord {
	recs := make([]sourceclient.KeyRecord, n)
	for i := 0; i < n; i++ {
		recs[i] = sourceclient.KeyRecord{SN: int64(i + 1), Key: "k", Value: "v"}
	}
	return recs
}

func TestCopyPhaseShardsAcrossWorkers(t *testing.T) {
	ctx := context.Background()
	dict := metadatastore.New(memstore.New())
	src := &fakeSource{startSN: 1, endSN: 10}
	reader := &fakeReader{records: records(10)}
	state := newFakeState()

	w := phase.New(dict, src, reader, state)
	result, err := w.StartOrResume(ctx, migration.PhaseCopy, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, migration.PhaseStatusCompleted, result.Status)
	assert.Equal(t, int64(1), result.StartSN)
	assert.Equal(t, int64(10), result.EndSN)
	assert.Equal(t, int64(10), result.KeysApplied)
	assert.Len(t, state.applied, 10)
}

func TestGetOrAddInputIsPlannedOnce(t *testing.T) {
	ctx := context.Background()
	dict := metadatastore.New(memstore.New())
	src := &fakeSource{startSN: 1, endSN: 5}
	reader := &fakeReader{records: records(5)}
	state := newFakeState()

	w := phase.New(dict, src, reader, state)
	first, err := w.StartOrResume(ctx, migration.PhaseCopy, 0, 2)
	require.NoError(t, err)

	src.startSN = 100
	src.endSN = 200

	second, err := w.StartOrResume(ctx, migration.PhaseCopy, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, first.StartSN, second.StartSN, "re-running the same iteration must not re-plan from a changed source")
	assert.Equal(t, first.EndSN, second.EndSN)
}

func TestDowntimeFetchesEndSNAfterRejectWrites(t *testing.T) {
	ctx := context.Background()
	dict := metadatastore.New(memstore.New())
	require.NoError(t, dict.PutInt64(ctx, metadatastore.PhaseKey("EndSN", string(migration.PhaseCatchup), 0), 49))

	src := &fakeSource{startSN: 1, endSN: 40, endSNAfterFlag: 55}
	reader := &fakeReader{records: records(60)}
	state := newFakeState()

	w := phase.New(dict, src, reader, state)
	require.NoError(t, w.RecordFinalCatchupIteration(ctx, 0))
	result, err := w.StartOrResume(ctx, migration.PhaseDowntime, 0, 2)
	require.NoError(t, err)
	assert.True(t, src.rejectCalled)
	assert.Equal(t, int64(50), result.StartSN)
	assert.Equal(t, int64(55), result.EndSN, "downtime must use the end sn observed after RejectWrites, not before")
}

func TestGetOrAddInputReplansAPartiallyWrittenRow(t *testing.T) {
	ctx := context.Background()
	dict := metadatastore.New(memstore.New())

	// Simulate a crash that committed only StartSN before the process
	// died, leaving EndSN and WorkerCount unwritten.
	require.NoError(t, dict.PutInt64(ctx, metadatastore.PhaseKey("StartSN", string(migration.PhaseCopy), 0), 1))

	src := &fakeSource{startSN: 1, endSN: 10}
	reader := &fakeReader{records: records(10)}
	state := newFakeState()

	w := phase.New(dict, src, reader, state)
	result, err := w.StartOrResume(ctx, migration.PhaseCopy, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, migration.PhaseStatusCompleted, result.Status)
	assert.Equal(t, int64(1), result.StartSN, "the pre-existing StartSN must be preserved, not overwritten")
	assert.Equal(t, int64(10), result.EndSN)
	assert.Equal(t, int64(10), result.KeysApplied)
}

func TestPhaseCompletionUpdatesGlobalCounters(t *testing.T) {
	ctx := context.Background()
	dict := metadatastore.New(memstore.New())
	src := &fakeSource{startSN: 1, endSN: 10}
	reader := &fakeReader{records: records(10)}
	state := newFakeState()

	w := phase.New(dict, src, reader, state)
	_, err := w.StartOrResume(ctx, migration.PhaseCopy, 0, 2)
	require.NoError(t, err)

	lastApplied, ok, err := dict.GetInt64(ctx, metadatastore.MigrationLastAppliedSeqNumKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), lastApplied)

	migrated, ok, err := dict.GetInt64(ctx, metadatastore.MigrationNoOfKeysMigratedKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), migrated)

	startSN, ok, err := dict.GetInt64(ctx, metadatastore.MigrationStartSeqNumKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), startSN)

	src.startSN = 11
	src.endSN = 15
	_, err = w.StartOrResume(ctx, migration.PhaseCatchup, 0, 2)
	require.NoError(t, err)

	migrated, ok, err = dict.GetInt64(ctx, metadatastore.MigrationNoOfKeysMigratedKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(15), migrated, "counters must accumulate across phases, not reset")
}

func TestGetResultReadsOwnIterationNotLatest(t *testing.T) {
	ctx := context.Background()
	dict := metadatastore.New(memstore.New())
	src := &fakeSource{startSN: 1, endSN: 10}
	reader := &fakeReader{records: records(30)}
	state := newFakeState()

	w := phase.New(dict, src, reader, state)
	_, err := w.StartOrResume(ctx, migration.PhaseCopy, 0, 2)
	require.NoError(t, err)

	_, err = w.StartOrResume(ctx, migration.PhaseCatchup, 0, 2)
	require.NoError(t, err)

	src.endSN = 20
	_, err = w.StartOrResume(ctx, migration.PhaseCatchup, 1, 2)
	require.NoError(t, err)

	iter0, err := w.GetResult(ctx, migration.PhaseCatchup, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), iter0.EndSN, "iteration 0's result must reflect its own planned range, not iteration 1's")

	iter1, err := w.GetResult(ctx, migration.PhaseCatchup, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(20), iter1.EndSN)
}
