package harness

import (
	"fmt"
	"sync"

	"github.com/orange-dot/roj-consensus/pkg/raft"
)

// CommittedEntry is one entry a node reported as committed, collected for
// cross-node safety checking.
type CommittedEntry struct {
	Index  uint64
	Term   uint64
	Entry  raft.LogEntry
	NodeID string
}

// InvariantViolation describes a safety property violation found by the
// checker.
type InvariantViolation struct {
	Type        string
	Description string
	Details     map[string]interface{}
}

// InvariantChecker checks raft's core safety invariants: State
// Machine Safety, monotonic commit, term monotonicity, and Election Safety.
// Leader Completeness is not checked.
type InvariantChecker struct {
	mu              sync.Mutex
	committedByNode map[string][]CommittedEntry
	leadersByTerm   map[uint64][]string
	violations      []InvariantViolation
}

func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{
		committedByNode: make(map[string][]CommittedEntry),
		leadersByTerm:   make(map[uint64][]string),
	}
}

func (ic *InvariantChecker) RecordCommit(nodeID string, index, term uint64, entry raft.LogEntry) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	ic.committedByNode[nodeID] = append(ic.committedByNode[nodeID], CommittedEntry{
		Index: index, Term: term, Entry: entry, NodeID: nodeID,
	})
}

// RecordLeader records that nodeID believes itself leader for term, for
// the Election Safety check (at most one leader per term).
func (ic *InvariantChecker) RecordLeader(nodeID string, term uint64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	for _, existing := range ic.leadersByTerm[term] {
		if existing == nodeID {
			return
		}
	}
	ic.leadersByTerm[term] = append(ic.leadersByTerm[term], nodeID)
}

func (ic *InvariantChecker) CheckSafetyInvariants() (bool, []InvariantViolation) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	ic.violations = nil
	ic.checkLogMatchingSafety()
	ic.checkMonotonicCommit()
	ic.checkTermConsistency()
	ic.checkElectionSafety()

	return len(ic.violations) == 0, ic.violations
}

// checkLogMatchingSafety verifies every node agrees on the entry committed
// at each index (state machine safety).
func (ic *InvariantChecker) checkLogMatchingSafety() {
	indexEntries := make(map[uint64]map[string]CommittedEntry)

	for nodeID, entries := range ic.committedByNode {
		for _, entry := range entries {
			if indexEntries[entry.Index] == nil {
				indexEntries[entry.Index] = make(map[string]CommittedEntry)
			}
			indexEntries[entry.Index][nodeID] = entry
		}
	}

	for index, nodeEntries := range indexEntries {
		var refEntry *CommittedEntry
		var refNodeID string

		for nodeID, entry := range nodeEntries {
			e := entry
			if refEntry == nil {
				refEntry = &e
				refNodeID = nodeID
				continue
			}

			if e.Term != refEntry.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "LOG_MATCHING_VIOLATION",
					Description: fmt.Sprintf("different terms at index %d: node %s has term %d, node %s has term %d",
						index, refNodeID, refEntry.Term, nodeID, e.Term),
					Details: map[string]interface{}{"index": index, "node1": refNodeID, "node2": nodeID},
				})
				continue
			}

			if e.Entry.Kind == raft.KindData && refEntry.Entry.Kind == raft.KindData {
				if e.Entry.Key != refEntry.Entry.Key || !jsonEqual(e.Entry.Value, refEntry.Entry.Value) {
					ic.violations = append(ic.violations, InvariantViolation{
						Type: "VALUE_MISMATCH",
						Description: fmt.Sprintf("different values at index %d: node %s has %s=%s, node %s has %s=%s",
							index, refNodeID, refEntry.Entry.Key, refEntry.Entry.Value, nodeID, e.Entry.Key, e.Entry.Value),
						Details: map[string]interface{}{"index": index, "node1": refNodeID, "node2": nodeID},
					})
				}
			}
		}
	}
}

// checkMonotonicCommit verifies each node's committed index sequence never
// regresses.
func (ic *InvariantChecker) checkMonotonicCommit() {
	for nodeID, entries := range ic.committedByNode {
		var lastIndex uint64
		for _, entry := range entries {
			if entry.Index < lastIndex {
				ic.violations = append(ic.violations, InvariantViolation{
					Type:        "NON_MONOTONIC_COMMIT",
					Description: fmt.Sprintf("node %s committed index %d after index %d", nodeID, entry.Index, lastIndex),
					Details:     map[string]interface{}{"nodeID": nodeID, "prevIndex": lastIndex, "currIndex": entry.Index},
				})
			}
			lastIndex = entry.Index
		}
	}
}

// checkTermConsistency verifies term numbers never decrease as index
// increases within a single node's committed sequence.
func (ic *InvariantChecker) checkTermConsistency() {
	for nodeID, entries := range ic.committedByNode {
		for i := 1; i < len(entries); i++ {
			prev, curr := entries[i-1], entries[i]
			if curr.Index > prev.Index && curr.Term < prev.Term {
				ic.violations = append(ic.violations, InvariantViolation{
					Type: "TERM_CONSISTENCY_VIOLATION",
					Description: fmt.Sprintf("node %s has term %d at index %d, but term %d at higher index %d",
						nodeID, prev.Term, prev.Index, curr.Term, curr.Index),
					Details: map[string]interface{}{"nodeID": nodeID},
				})
			}
		}
	}
}

// checkElectionSafety verifies at most one node claims leadership per term.
func (ic *InvariantChecker) checkElectionSafety() {
	for term, leaders := range ic.leadersByTerm {
		if len(leaders) > 1 {
			ic.violations = append(ic.violations, InvariantViolation{
				Type:        "ELECTION_SAFETY_VIOLATION",
				Description: fmt.Sprintf("term %d has multiple leaders: %v", term, leaders),
				Details:     map[string]interface{}{"term": term, "leaders": leaders},
			})
		}
	}
}

func (ic *InvariantChecker) Clear() {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.committedByNode = make(map[string][]CommittedEntry)
	ic.leadersByTerm = make(map[uint64][]string)
	ic.violations = nil
}

// CollectFromNodes pulls every node's committed log entries into the
// checker, ready for CheckSafetyInvariants.
func (ic *InvariantChecker) CollectFromNodes(nodes []*raft.Node) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	for _, node := range nodes {
		nodeID := node.GetID()
		commitIndex := node.GetCommitIndex()

		for _, entry := range node.GetLog() {
			if entry.Index > 0 && entry.Index <= commitIndex {
				ic.committedByNode[nodeID] = append(ic.committedByNode[nodeID], CommittedEntry{
					Index: entry.Index, Term: entry.Term, Entry: entry, NodeID: nodeID,
				})
			}
		}

		if node.IsLeader() {
			term, _ := node.GetState()
			ic.leadersByTerm[term] = append(ic.leadersByTerm[term], nodeID)
		}
	}
}
