// Package memstore is an in-memory metadatastore.Transactor used by
// tests and local/dev runs in place of the production replicated
// transactional store.
package memstore

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/openshift/kvs-migration-orchestrator/pkg/metadatastore"
)

// Store is a single-process, mutex-guarded Transactor. Every
// WithTransaction call holds the lock for its whole duration, so
// transactions are isolated from each other and see their own writes.
// Writes are applied to the map as they are made: if the callback
// returns an error, the writes it already made are not rolled back.
type Store struct {
	mu   sync.Mutex
	data map[string]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{data: make(map[string]string)}
}

// WithTransaction implements metadatastore.Transactor.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx metadatastore.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{store: s}
	return fn(ctx, tx)
}

type memTx struct {
	store *Store
}

func (t *memTx) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := t.store.data[key]
	return v, ok, nil
}

func (t *memTx) Put(ctx context.Context, key, value string) error {
	t.store.data[key] = value
	return nil
}

func (t *memTx) PutIfAbsent(ctx context.Context, key, value string) (string, bool, error) {
	if existing, ok := t.store.data[key]; ok {
		klog.FromContext(ctx).V(4).Info("key already present, keeping existing value", "key", key)
		return existing, false, nil
	}
	t.store.data[key] = value
	return value, true, nil
}
