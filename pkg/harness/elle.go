package harness

import (
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"
)

// EventType tags a history event.
type EventType string

const (
	EventInvoke EventType = "invoke"
	EventOK     EventType = "ok"
	EventFail   EventType = "fail"
	EventInfo   EventType = "info"
)

// MicroOp is one list-append micro-operation: ["append", key, value] or
// ["r", key, values-or-null].
type MicroOp []interface{}

// Append builds an append micro-op.
func Append(key, value int64) MicroOp { return MicroOp{"append", key, value} }

// Read builds a read micro-op. values may be nil (not yet observed).
func Read(key int64, values []int64) MicroOp {
	if values == nil {
		return MicroOp{"r", key, nil}
	}
	v := make([]interface{}, len(values))
	for i, x := range values {
		v[i] = x
	}
	return MicroOp{"r", key, v}
}

// Event is one entry in the Elle-compatible transactional history.
type Event struct {
	Index    int       `json:"index"`
	Type     EventType `json:"type"`
	Function string    `json:"function"`
	Process  int64     `json:"process"`
	Time     int64     `json:"time"`
	Value    []MicroOp `json:"value"`
}

// pendingOp is an invoke awaiting its completion event.
type pendingOp struct {
	index int
}

// HistoryRecorder builds a deterministic, time-ordered Elle history: an
// invoke event at proposal creation, paired with an ok (commit) or fail
// (expiry) event. Keys and values are hashed to stable
// integers so the same input sequence always yields the same history.
type HistoryRecorder struct {
	mu      sync.Mutex
	events  []Event
	seq     int
	start   time.Time
	pending map[string]pendingOp // token -> invoke bookkeeping
}

// NewHistoryRecorder creates a recorder anchored at start (for relative
// nanosecond timestamps).
func NewHistoryRecorder(start time.Time) *HistoryRecorder {
	return &HistoryRecorder{
		start:   start,
		pending: make(map[string]pendingOp),
	}
}

// Invoke records an invoke event for a transaction under token, which
// Complete later uses to record its completion.
func (r *HistoryRecorder) Invoke(token string, process int64, ops []MicroOp, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.seq
	r.seq++
	r.events = append(r.events, Event{
		Index:    idx,
		Type:     EventInvoke,
		Function: "txn",
		Process:  process,
		Time:     now.Sub(r.start).Nanoseconds(),
		Value:    ops,
	})
	r.pending[token] = pendingOp{index: idx}
}

// Complete records the completion (ok or fail) of the transaction
// identified by token.
func (r *HistoryRecorder) Complete(token string, process int64, typ EventType, ops []MicroOp, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, token)

	idx := r.seq
	r.seq++
	r.events = append(r.events, Event{
		Index:    idx,
		Type:     typ,
		Function: "txn",
		Process:  process,
		Time:     now.Sub(r.start).Nanoseconds(),
		Value:    ops,
	})
}

// CommittedAppends returns the values appended to key by every ok'd
// transaction recorded so far, in commit order. Used by read-only scenario
// steps that need to observe a value a concurrent append already committed.
func (r *HistoryRecorder) CommittedAppends(key int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var values []int64
	for _, ev := range r.events {
		if ev.Type != EventOK {
			continue
		}
		for _, op := range ev.Value {
			if len(op) != 3 {
				continue
			}
			tag, _ := op[0].(string)
			if tag != "append" {
				continue
			}
			if k, ok := op[1].(int64); !ok || k != key {
				continue
			}
			if v, ok := op[2].(int64); ok {
				values = append(values, v)
			}
		}
	}
	return values
}

// NextSeq returns the recorder's next event index without consuming it, for
// callers that need a unique token component.
func (r *HistoryRecorder) NextSeq() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Events returns a copy of the recorded history, time-ordered as recorded.
func (r *HistoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// WriteJSON serializes the history as a JSON array, the format consumed by
// the external list-append checker.
func (r *HistoryRecorder) WriteJSON() ([]byte, error) {
	return json.MarshalIndent(r.Events(), "", "  ")
}

// HashKey derives a stable integer for a string key, for the Elle
// micro-op encoding.
func HashKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("key:" + key))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

// HashValue derives a stable integer for an arbitrary JSON value.
func HashValue(value json.RawMessage) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("value:"))
	_, _ = h.Write(value)
	return int64(h.Sum64() & 0x7fffffffffffffff)
}
