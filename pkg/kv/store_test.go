package kv

import (
	"encoding/json"
	"testing"

	"github.com/orange-dot/roj-consensus/pkg/raft"
)

func entry(key string, cmd Command) raft.LogEntry {
	payload, _ := json.Marshal(cmd)
	return raft.LogEntry{Kind: raft.KindData, Key: key, Value: payload}
}

func TestStoreSetAndGet(t *testing.T) {
	s := New()
	s.Apply(entry("x", Command{Op: OpSet, Value: json.RawMessage(`42`)}))

	value, ok := s.Get("x")
	if !ok {
		t.Fatal("expected key x to be present")
	}
	if string(value) != "42" {
		t.Errorf("expected value 42, got %s", value)
	}
}

func TestStoreDelete(t *testing.T) {
	s := New()
	s.Apply(entry("x", Command{Op: OpSet, Value: json.RawMessage(`1`)}))
	s.Apply(entry("x", Command{Op: OpDelete}))

	if _, ok := s.Get("x"); ok {
		t.Error("expected key x to be deleted")
	}
}

func TestStoreNonDataEntryIsNoop(t *testing.T) {
	s := New()
	s.Apply(raft.LogEntry{Kind: raft.KindNoop})

	if s.Size() != 0 {
		t.Errorf("expected noop entry to leave the store empty, got size %d", s.Size())
	}
}

func TestStoreClientSessionDedup(t *testing.T) {
	s := New()
	cmd := Command{Op: OpSet, Value: json.RawMessage(`1`), ClientID: "c1", RequestID: 1}
	first := s.Apply(entry("x", cmd))

	s.Apply(entry("x", Command{Op: OpSet, Value: json.RawMessage(`2`), ClientID: "c1", RequestID: 1}))
	value, _ := s.Get("x")
	if string(value) != "1" {
		t.Errorf("expected retried request to not re-apply, value is %s", value)
	}

	replay := s.Apply(entry("x", Command{Op: OpSet, Value: json.RawMessage(`2`), ClientID: "c1", RequestID: 1}))
	if string(replay) != string(first) {
		t.Errorf("expected cached response %s on retry, got %s", first, replay)
	}
}

func TestStoreSnapshotRoundTrip(t *testing.T) {
	s := New()
	s.Apply(entry("a", Command{Op: OpSet, Value: json.RawMessage(`1`)}))
	s.Apply(entry("b", Command{Op: OpSet, Value: json.RawMessage(`2`)}))

	snap := s.GetSnapshot()

	s2 := New()
	s2.RestoreSnapshot(snap)

	if s2.Size() != 2 {
		t.Fatalf("expected 2 keys after restore, got %d", s2.Size())
	}
	value, ok := s2.Get("a")
	if !ok || string(value) != "1" {
		t.Errorf("expected a=1 after restore, got %s (ok=%v)", value, ok)
	}
}
