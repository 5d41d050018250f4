// Package metadatastore provides the typed facade over the external
// transactional ordered dictionary used as the migration's persistent
// keyspace: Phase_<field>_<phase>_<iter>[_<workerId>] composite keys
// for phase/worker planning and result rows, and a small set of
// unprefixed global keys (MigrationState, MigrationEndSeqNum, ...).
package metadatastore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/openshift/kvs-migration-orchestrator/pkg/migration"
)

// Tx is one transaction against the dictionary. All reads and writes
// inside a single WithTransaction callback observe a consistent
// snapshot and commit atomically.
type Tx interface {
	// Get returns the raw string value for key, or ok=false if the
	// key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Put unconditionally writes value for key.
	Put(ctx context.Context, key, value string) error

	// PutIfAbsent writes value for key only if key is not already
	// present, returning the value that ends up stored (the existing
	// one if key was already present, the new one otherwise) and
	// whether this call was the one that wrote it.
	PutIfAbsent(ctx context.Context, key, value string) (stored string, wrote bool, err error)
}

// Transactor executes callbacks against the dictionary inside a
// leased transaction, matching the corpus's "get narrow client
// interface, do the read-modify-write inside one call" shape.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// DefaultLease is the default transaction lease used when a caller
// does not impose its own deadline.
const DefaultLease = 5 * time.Second

// Dictionary is the typed facade described in the Metadata Store
// Adapter design: get/getOrDefault/getOrAdd/addOrUpdate, each
// executed inside its own bounded transaction. Dictionary has no way
// to run several of its calls inside one caller-supplied transaction;
// only AddOrUpdateFunc and GetOrAddMulti group their own reads and
// writes into a single transaction.
type Dictionary struct {
	tx Transactor
}

// New wraps a Transactor in the typed Dictionary facade.
func New(tx Transactor) *Dictionary {
	return &Dictionary{tx: tx}
}

func (d *Dictionary) withLease(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultLease)
	defer cancel()
	return d.tx.WithTransaction(ctx, fn)
}

// Get returns the raw string stored at key, or ok=false if absent.
func (d *Dictionary) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = d.withLease(ctx, func(ctx context.Context, tx Tx) error {
		value, ok, err = tx.Get(ctx, key)
		return err
	})
	return value, ok, err
}

// GetOrDefault returns the value at key, or def if the key is absent.
func (d *Dictionary) GetOrDefault(ctx context.Context, key, def string) (string, error) {
	value, ok, err := d.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return value, nil
}

// GetOrAdd writes value for key only if key is absent, and returns
// whatever ends up stored there. This and GetOrAddMulti are the only
// write paths used for phase-planning rows: two racing planners converge on the same
// value, and neither overwrites a value the other already committed.
func (d *Dictionary) GetOrAdd(ctx context.Context, key, value string) (stored string, err error) {
	err = d.withLease(ctx, func(ctx context.Context, tx Tx) error {
		stored, _, err = tx.PutIfAbsent(ctx, key, value)
		return err
	})
	return stored, err
}

// AddOrUpdate unconditionally writes value for key, used only for
// rows that are genuinely owned by a single writer (a worker's own
// checkpoint, the orchestrator's own state transitions).
func (d *Dictionary) AddOrUpdate(ctx context.Context, key, value string) error {
	return d.withLease(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Put(ctx, key, value)
	})
}

// AddOrUpdateFunc is the general read-modify-write primitive: inside a
// single transaction it reads the current value at key (or starts
// from initial if key is absent), applies update, writes the result
// and returns it. Unlike AddOrUpdate, it is safe for rows more than
// one caller can update concurrently, e.g. a running total.
func (d *Dictionary) AddOrUpdateFunc(ctx context.Context, key, initial string, update func(old string) string) (result string, err error) {
	err = d.withLease(ctx, func(ctx context.Context, tx Tx) error {
		old, ok, err := tx.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			old = initial
		}
		result = update(old)
		return tx.Put(ctx, key, result)
	})
	return result, err
}

// AddInt64 atomically adds delta to the int64 at key, treating an
// absent key as zero, and returns the new total. Used for running
// counters such as MigrationNoOfKeysMigrated that multiple phase
// completions add to.
func (d *Dictionary) AddInt64(ctx context.Context, key string, delta int64) (int64, error) {
	stored, err := d.AddOrUpdateFunc(ctx, key, "0", func(old string) string {
		current, parseErr := strconv.ParseInt(old, 10, 64)
		if parseErr != nil {
			current = 0
		}
		return strconv.FormatInt(current+delta, 10)
	})
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(stored, 10, 64)
}

// MaxInt64 atomically sets the int64 at key to the larger of its
// current value and candidate, and returns the stored result. Used
// for monotonic counters such as MigrationLastAppliedSeqNum that must
// never be observed to decrease.
func (d *Dictionary) MaxInt64(ctx context.Context, key string, candidate int64) (int64, error) {
	stored, err := d.AddOrUpdateFunc(ctx, key, strconv.FormatInt(candidate, 10), func(old string) string {
		current, parseErr := strconv.ParseInt(old, 10, 64)
		if parseErr != nil || candidate > current {
			current = candidate
		}
		return strconv.FormatInt(current, 10)
	})
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(stored, 10, 64)
}

// GetOrAddMulti writes every key/value pair in kvs inside a single
// transaction via PutIfAbsent, and returns whatever ends up stored
// for each key. A key already present keeps its existing value; a key
// missing gets the one supplied here. Grouping a planning row's
// fields (StartSN, EndSN, WorkerCount) into one call means a crash
// can never leave only some of them written: the next caller either
// sees none of them and plans all three together, or sees all of
// them and writes nothing.
func (d *Dictionary) GetOrAddMulti(ctx context.Context, kvs map[string]string) (map[string]string, error) {
	result := make(map[string]string, len(kvs))
	err := d.withLease(ctx, func(ctx context.Context, tx Tx) error {
		for key, value := range kvs {
			stored, _, err := tx.PutIfAbsent(ctx, key, value)
			if err != nil {
				return err
			}
			result[key] = stored
		}
		return nil
	})
	return result, err
}

// Global, unprefixed metadata keys shared across phases: the overall
// migration's first planned sequence number, the high-water mark of
// applied sequence numbers across every phase, and the running total
// of keys migrated.
const (
	MigrationStartSeqNumKey       = "MigrationStartSeqNum"
	MigrationLastAppliedSeqNumKey = "MigrationLastAppliedSeqNum"
	MigrationNoOfKeysMigratedKey  = "MigrationNoOfKeysMigrated"
)

// GetInt64 reads key and parses it as an int64, returning a parse
// failure as a *migration.CorruptionError. Returns ok=false if the key
// is absent.
func (d *Dictionary) GetInt64(ctx context.Context, key string) (value int64, ok bool, err error) {
	raw, present, err := d.Get(ctx, key)
	if err != nil || !present {
		return 0, present, err
	}
	value, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, true, migration.NewCorruptionError(key, "not an int64", err)
	}
	return value, true, nil
}

// PutInt64 formats v and writes it unconditionally for key.
func (d *Dictionary) PutInt64(ctx context.Context, key string, v int64) error {
	return d.AddOrUpdate(ctx, key, strconv.FormatInt(v, 10))
}

// PhaseKey builds the composite key Phase_<field>_<phase>_<iter>.
func PhaseKey(field string, phase string, iter int) string {
	return fmt.Sprintf("Phase_%s_%s_%d", field, phase, iter)
}

// WorkerKey builds the composite key
// Phase_<field>_<phase>_<iter>_<workerId>.
func WorkerKey(field string, phase string, iter, workerID int) string {
	return fmt.Sprintf("Phase_%s_%s_%d_%d", field, phase, iter, workerID)
}
