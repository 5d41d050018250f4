// Package sourcefake is an in-memory double of the legacy KVS
// controller's HTTP surface (GetStartSN, GetEndSN, EnumerateKeys,
// RejectWrites, ResumeWrites), used by integration tests and local
// development runs in place of the real legacy service. It is not a
// re-implementation of the legacy controller; it exists only so the
// orchestrator and its Source Client have something to talk to
// without a real partition primary.
package sourcefake

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gorilla/mux"
)

// Record is one key/value write at a given sequence number.
type Record struct {
	SN    int64
	Key   string
	Value string
}

// Controller is the fake source partition primary: an ordered log of
// records plus a writes-accepted flag.
type Controller struct {
	mu             sync.RWMutex
	records        []Record
	writesRejected bool
}

// NewController creates an empty fake controller.
func NewController() *Controller {
	return &Controller{}
}

// Seed appends records to the log, as if they had arrived via the
// legacy write path before the migration started watching.
func (c *Controller) Seed(records ...Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, records...)
	sort.Slice(c.records, func(i, j int) bool { return c.records[i].SN < c.records[j].SN })
}

// Append simulates one more live write arriving, returning an error
// if writes have been rejected.
func (c *Controller) Append(rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writesRejected {
		return fmt.Errorf("writes rejected")
	}
	c.records = append(c.records, rec)
	return nil
}

// Router builds the gorilla/mux router serving this controller's
// HTTP surface, mirroring the destination apiserver's routing shape.
func (c *Controller) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/source/start-sn", c.handleStartSN).Methods(http.MethodGet)
	r.HandleFunc("/source/end-sn", c.handleEndSN).Methods(http.MethodGet)
	r.HandleFunc("/source/keys", c.handleEnumerateKeys).Methods(http.MethodGet)
	r.HandleFunc("/source/reject-writes", c.handleRejectWrites).Methods(http.MethodPost)
	r.HandleFunc("/source/resume-writes", c.handleResumeWrites).Methods(http.MethodPost)
	return r
}

func (c *Controller) handleStartSN(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sn int64
	if len(c.records) > 0 {
		sn = c.records[0].SN
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sn": sn})
}

func (c *Controller) handleEndSN(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sn int64
	if len(c.records) > 0 {
		sn = c.records[len(c.records)-1].SN
	}
	writeJSON(w, http.StatusOK, map[string]int64{"sn": sn})
}

func (c *Controller) handleEnumerateKeys(w http.ResponseWriter, r *http.Request) {
	startSN, endSN, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(w)
	for _, rec := range c.records {
		if rec.SN < startSN || rec.SN > endSN {
			continue
		}
		_ = enc.Encode(map[string]interface{}{"sn": rec.SN, "key": rec.Key, "value": rec.Value})
	}
}

func (c *Controller) handleRejectWrites(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.writesRejected = true
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *Controller) handleResumeWrites(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.writesRejected = false
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func parseRange(r *http.Request) (startSN, endSN int64, err error) {
	q := r.URL.Query()
	if _, err = fmt.Sscanf(q.Get("startSN"), "%d", &startSN); err != nil {
		return 0, 0, fmt.Errorf("bad startSN: %w", err)
	}
	if _, err = fmt.Sscanf(q.Get("endSN"), "%d", &endSN); err != nil {
		return 0, 0, fmt.Errorf("bad endSN: %w", err)
	}
	return startSN, endSN, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
