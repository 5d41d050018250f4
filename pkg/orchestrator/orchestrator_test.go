package orchestrator_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/kvs-migration-orchestrator/pkg/metadatastore"
	"github.com/openshift/kvs-migration-orchestrator/pkg/metadatastore/memstore"
	"github.com/openshift/kvs-migration-orchestrator/pkg/migration"
	"github.com/openshift/kvs-migration-orchestrator/pkg/orchestrator"
	"github.com/openshift/kvs-migration-orchestrator/pkg/phase"
	"github.com/openshift/kvs-migration-orchestrator/pkg/sourceclient"
)

// stubSource models a source whose EndSN grows on each successive
// GetEndSN call, until writes are rejected, after which it holds steady at
// a higher value to simulate the tail of writes that land between
// the last Catchup pass and RejectWrites taking effect.
type stubSource struct {
	mu           sync.Mutex
	startSN      int64
	catchupEnds  []int64 // EndSN returned on successive GetEndSN calls before reject
	callIdx      int
	rejectCalled bool
	resumeCalled bool
	postReject   int64
}

func (s *stubSource) GetStartSN(ctx context.Context) (int64, error) {
	return s.startSN, nil
}

func (s *stubSource) GetEndSN(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectCalled {
		return s.postReject, nil
	}
	if s.callIdx >= len(s.catchupEnds) {
		return s.catchupEnds[len(s.catchupEnds)-1], nil
	}
	v := s.catchupEnds[s.callIdx]
	s.callIdx++
	return v, nil
}

func (s *stubSource) RejectWrites(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectCalled = true
	return nil
}

func (s *stubSource) ResumeWrites(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeCalled = true
	return nil
}

type stubReader struct{ n int64 }

func (r *stubReader) EnumerateKeys(ctx context.Context, startSN, endSN int64, fn func(sourceclient.KeyRecord) error) error {
	for sn := startSN; sn <= endSN; sn++ {
		if err := fn(sourceclient.KeyRecord{SN: sn, Key: "k", Value: "v"}); err != nil {
			return err
		}
	}
	return nil
}

type stubState struct {
	mu      sync.Mutex
	applied map[int64]bool
}

func newStubState() *stubState { return &stubState{applied: map[int64]bool{}} }

func (s *stubState) Apply(ctx context.Context, sn int64, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied[sn] = true
	return nil
}

func settingsForTest() migration.MigrationSettings {
	s := migration.DefaultSettings()
	s.CopyPhaseWorkerCount = 2
	s.CatchupPhaseWorkerCount = 2
	s.DowntimeThreshold = 5
	s.MaxCatchupIterations = 10
	return s
}

func TestOrchestratorRunsFullLifecycle(t *testing.T) {
	ctx := context.Background()
	dict := metadatastore.New(memstore.New())

	src := &stubSource{
		startSN:     1,
		catchupEnds: []int64{100, 103}, // copy plans to 100, first catchup to 103, convergence check sees 103: delta 0, converges
		postReject:  104,
	}
	reader := &stubReader{}
	state := newStubState()

	w := phase.New(dict, src, reader, state)
	orch := orchestrator.New(dict, w, src, settingsForTest())

	require.NoError(t, orch.Run(ctx))

	result, err := orch.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.MigrationStateDone, result.State)
	assert.True(t, src.rejectCalled)

	end, ok, err := dict.GetInt64(ctx, "MigrationEndSeqNum")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(104), end, "cutover must record the post-reject end sn")
	assert.Equal(t, int64(104), result.TotalKeys, "total keys migrated must accumulate across every phase")
}

func TestOrchestratorAbortResumesWrites(t *testing.T) {
	ctx := context.Background()
	dict := metadatastore.New(memstore.New())

	src := &stubSource{startSN: 1, catchupEnds: []int64{10}, postReject: 10}
	reader := &stubReader{}
	state := newStubState()

	w := phase.New(dict, src, reader, state)
	orch := orchestrator.New(dict, w, src, settingsForTest())

	require.NoError(t, dict.AddOrUpdate(ctx, "MigrationState", string(migration.MigrationStateRunning)))
	require.NoError(t, orch.Abort(ctx))

	assert.True(t, src.resumeCalled)
	result, err := orch.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, migration.MigrationStateAborted, result.State)
}

func TestOrchestratorDoneIsTerminal(t *testing.T) {
	ctx := context.Background()
	dict := metadatastore.New(memstore.New())

	// Pre-seed a cutover value and a Done state, as if an earlier run
	// already completed; a re-run must never touch either.
	require.NoError(t, dict.AddOrUpdate(ctx, "MigrationEndSeqNum", "999"))
	require.NoError(t, dict.AddOrUpdate(ctx, "MigrationState", string(migration.MigrationStateDone)))

	src := &stubSource{startSN: 1, catchupEnds: []int64{10}, postReject: 50}
	reader := &stubReader{}
	state := newStubState()
	w := phase.New(dict, src, reader, state)
	orch := orchestrator.New(dict, w, src, settingsForTest())

	require.NoError(t, orch.Run(ctx))

	end, ok, err := dict.GetInt64(ctx, "MigrationEndSeqNum")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(999), end, "a terminal Done migration must never re-run and overwrite its cutover sn")
}
