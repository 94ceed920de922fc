package broker

import (
	"sync"
	"time"

	"github.com/ultimaops/backend-datalink/pkg/metrics"
)

// Callback receives the response payload of an async call, or the
// error that ended the wait. Exactly one of payload/err is set, and
// the callback fires exactly once per call.
type Callback func(payload []byte, err error)

// pendingRequest is one in-flight call awaiting its response
type pendingRequest struct {
	tid           string
	responseTopic string
	cb            Callback
	createdAt     time.Time
	timeout       time.Duration
}

// pendingTable maps transaction IDs to in-flight calls. Entries are
// removed under the mutex before their callback is invoked, which
// makes response-vs-timeout a race with exactly one winner.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

// add registers a pending entry. At most one entry exists per
// transaction ID.
func (t *pendingTable) add(tid, responseTopic string, timeoutMS int, cb Callback) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[tid]; ok {
		return ErrAlreadyPending
	}
	t.entries[tid] = &pendingRequest{
		tid:           tid,
		responseTopic: responseTopic,
		cb:            cb,
		createdAt:     time.Now(),
		timeout:       time.Duration(timeoutMS) * time.Millisecond,
	}
	return nil
}

// remove drops an entry without invoking its callback. Used when the
// request publish itself failed.
func (t *pendingTable) remove(tid string) {
	t.mu.Lock()
	delete(t.entries, tid)
	t.mu.Unlock()
}

// complete resolves an entry with its response payload. It reports
// whether a matching entry existed.
func (t *pendingTable) complete(tid string, payload []byte) bool {
	t.mu.Lock()
	entry, ok := t.entries[tid]
	if ok {
		delete(t.entries, tid)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	entry.cb(payload, nil)
	return true
}

// sweep expires entries older than their timeout and invokes their
// callbacks with ErrTimeout. Returns the number of expired entries.
func (t *pendingTable) sweep(now time.Time) int {
	t.mu.Lock()
	var expired []*pendingRequest
	for tid, entry := range t.entries {
		if now.Sub(entry.createdAt) > entry.timeout {
			expired = append(expired, entry)
			delete(t.entries, tid)
		}
	}
	t.mu.Unlock()

	for _, entry := range expired {
		metrics.RPCTimeouts.Inc()
		entry.cb(nil, ErrTimeout)
	}
	return len(expired)
}

// len returns the number of in-flight entries
func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
