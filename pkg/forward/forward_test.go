package forward_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openshift/kvs-migration-orchestrator/pkg/forward"
)

type stubState struct{ forwarding bool }

func (s stubState) IsForwardingWindow(ctx context.Context) (bool, error) { return s.forwarding, nil }

func extractKey(r *http.Request) string {
	return r.URL.Query().Get("key")
}

func TestMiddlewareServesLocallyWhenNotForwarding(t *testing.T) {
	sourceCalled := false
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceCalled = true
	}))
	defer source.Close()

	localCalled := false
	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		localCalled = true
		w.WriteHeader(http.StatusOK)
	})

	handler, err := forward.Middleware(stubState{forwarding: false}, extractKey, source.URL, local)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/actor?key=foo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, localCalled)
	assert.False(t, sourceCalled)
}

func TestMiddlewareForwardsEveryCallWhileForwarding(t *testing.T) {
	sourceCalled := false
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceCalled = true
		w.WriteHeader(http.StatusOK)
	}))
	defer source.Close()

	localCalled := false
	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		localCalled = true
	})

	handler, err := forward.Middleware(stubState{forwarding: true}, extractKey, source.URL, local)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/actor?key=already-migrated", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, sourceCalled)
	assert.False(t, localCalled)
}

func TestMiddlewareServesLocallyOnStateError(t *testing.T) {
	sourceCalled := false
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceCalled = true
	}))
	defer source.Close()

	localCalled := false
	local := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		localCalled = true
		w.WriteHeader(http.StatusOK)
	})

	handler, err := forward.Middleware(erroringState{}, extractKey, source.URL, local)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/actor?key=foo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.True(t, localCalled)
	assert.False(t, sourceCalled)
}

type erroringState struct{}

func (erroringState) IsForwardingWindow(ctx context.Context) (bool, error) {
	return false, assert.AnError
}
