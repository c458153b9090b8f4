// Package kv implements the replicated key-value state machine applied to
// the raft log: a Command is JSON-encoded into a LogEntry's Value and
// applied deterministically on every node.
package kv

import (
	"encoding/json"
	"sync"

	"github.com/orange-dot/roj-consensus/pkg/raft"
)

// OpType names the operation a Command performs.
type OpType string

const (
	OpSet    OpType = "set"
	OpDelete OpType = "delete"
)

// Command is the JSON payload carried by a raft.LogEntry of kind Data.
type Command struct {
	Op        OpType          `json:"op"`
	Value     json.RawMessage `json:"value,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	RequestID uint64          `json:"request_id,omitempty"`
}

// ClientSession tracks the last request from each client for deduplication,
// so a retried Submit after a network blip doesn't double-apply.
type ClientSession struct {
	LastRequestID uint64
	Response      json.RawMessage
}

// Store is an in-memory key-value state machine satisfying
// raft.StateMachineInterface.
type Store struct {
	mu       sync.RWMutex
	data     map[string]json.RawMessage
	sessions map[string]*ClientSession
}

func New() *Store {
	return &Store{
		data:     make(map[string]json.RawMessage),
		sessions: make(map[string]*ClientSession),
	}
}

// Apply applies a committed log entry to the state machine. Entries of kind
// Noop or Config carry no payload and are no-ops here.
func (s *Store) Apply(entry raft.LogEntry) json.RawMessage {
	if entry.Kind != raft.KindData {
		return nil
	}

	var cmd Command
	if len(entry.Value) > 0 {
		if err := json.Unmarshal(entry.Value, &cmd); err != nil {
			return nil
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.ClientID != "" {
		if session, ok := s.sessions[cmd.ClientID]; ok && session.LastRequestID >= cmd.RequestID {
			return session.Response
		}
	}

	var response json.RawMessage
	switch cmd.Op {
	case OpSet:
		s.data[entry.Key] = cmd.Value
		response = []byte(`true`)
	case OpDelete:
		delete(s.data, entry.Key)
		response = []byte(`true`)
	default:
		response = []byte(`null`)
	}

	if cmd.ClientID != "" {
		s.sessions[cmd.ClientID] = &ClientSession{
			LastRequestID: cmd.RequestID,
			Response:      response,
		}
	}

	return response
}

// Get retrieves a value by key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, false
	}
	result := make(json.RawMessage, len(value))
	copy(result, value)
	return result, true
}

// GetAll returns a copy of every key-value pair.
func (s *Store) GetAll() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]json.RawMessage, len(s.data))
	for k, v := range s.data {
		result[k] = v
	}
	return result
}

// GetSnapshot returns the data portion of the state machine for WAL
// snapshotting (raft.StateMachineInterface). Sessions are not carried in
// the snapshot: a client retrying after a snapshot-driven restore observes
// its request as a fresh one, which is safe since a set/delete is
// idempotent at the final-value level.
func (s *Store) GetSnapshot() map[string]json.RawMessage {
	return s.GetAll()
}

// RestoreSnapshot replaces the current data with snapshot contents.
func (s *Store) RestoreSnapshot(data map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]json.RawMessage, len(data))
	for k, v := range data {
		s.data[k] = v
	}
	s.sessions = make(map[string]*ClientSession)
}

// EncodeCommand builds the JSON payload for a Data log entry.
func EncodeCommand(op OpType, value json.RawMessage, clientID string, requestID uint64) (json.RawMessage, error) {
	cmd := Command{
		Op:        op,
		Value:     value,
		ClientID:  clientID,
		RequestID: requestID,
	}
	return json.Marshal(cmd)
}

// Size returns the number of keys in the store.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
