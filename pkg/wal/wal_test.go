package wal

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/orange-dot/roj-consensus/pkg/raft"
)

func TestWALNew(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	state, err := w.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.CurrentTerm != 0 || len(state.Log) != 0 {
		t.Errorf("expected empty recovered state, got %+v", state)
	}
}

func TestWALSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries := []raft.LogEntry{
		{Index: 1, Term: 1, Kind: raft.KindData, Value: json.RawMessage(`"cmd1"`)},
		{Index: 2, Term: 1, Kind: raft.KindData, Value: json.RawMessage(`"cmd2"`)},
	}
	state := &raft.PersistentState{CurrentTerm: 1, VotedFor: "node1", Log: entries}
	if err := w.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	w.Close()

	w2, err := New(dir, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	loaded, err := w2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.CurrentTerm != 1 || loaded.VotedFor != "node1" {
		t.Errorf("expected term 1 / votedFor node1, got %+v", loaded)
	}
	if len(loaded.Log) != 2 || loaded.Log[1].Index != 2 {
		t.Fatalf("expected 2 recovered log entries, got %+v", loaded.Log)
	}
}

// TestWALSnapshotRecovery: 5 appends, snapshot at
// index 3, crash (close+reopen), recover via snapshot+WAL replay.
func TestWALSnapshotRecovery(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, true)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entries := make([]raft.LogEntry, 0, 5)
	for i := uint64(1); i <= 5; i++ {
		entries = append(entries, raft.LogEntry{
			Index: i, Term: 1, Kind: raft.KindData,
			Value: json.RawMessage(fmt.Sprintf(`{"k":"v%d"}`, i)),
		})
	}
	if err := w.Save(&raft.PersistentState{CurrentTerm: 1, VotedFor: "node1", Log: entries}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	snap := &raft.Snapshot{
		LastIncludedIndex: 3,
		LastIncludedTerm:  1,
		Data:              map[string]json.RawMessage{"k1": json.RawMessage(`1`), "k2": json.RawMessage(`2`), "k3": json.RawMessage(`3`)},
	}
	if err := w.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	size, err := w.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size == 0 {
		t.Errorf("expected WAL file to contain the post-compaction marker, got size 0")
	}

	w.Close() // simulates a crash/restart boundary

	w2, err := New(dir, true)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer w2.Close()

	loadedSnap, err := w2.LoadSnapshot()
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if loadedSnap == nil || loadedSnap.LastIncludedIndex != 3 {
		t.Fatalf("expected recovered snapshot at index 3, got %+v", loadedSnap)
	}

	state, err := w2.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if state.CurrentTerm != 1 || state.VotedFor != "node1" {
		t.Errorf("expected election state to survive compaction, got term=%d votedFor=%q", state.CurrentTerm, state.VotedFor)
	}
	for _, e := range state.Log {
		if e.Kind == raft.KindData && e.Index <= 3 {
			t.Errorf("expected data entries at or before the snapshot index to be compacted, found index %d", e.Index)
		}
	}
	var tail []uint64
	for _, e := range state.Log {
		if e.Index > 3 {
			tail = append(tail, e.Index)
		}
	}
	if len(tail) != 2 || tail[0] != 4 || tail[1] != 5 {
		t.Errorf("expected entries 4 and 5 to survive compaction, got %v", tail)
	}
}
