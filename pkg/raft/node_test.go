package raft_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/orange-dot/roj-consensus/pkg/harness"
	"github.com/orange-dot/roj-consensus/pkg/raft"
)

// TestElectionSafety: a cluster converges on
// exactly one leader, and every follower agrees on who it is.
func TestElectionSafety(t *testing.T) {
	cluster, err := harness.NewTestCluster(3)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	defer cluster.Cleanup()

	if err := cluster.Start(); err != nil {
		t.Fatalf("start cluster: %v", err)
	}

	if _, err := cluster.WaitForStableLeader(5 * time.Second); err != nil {
		t.Fatalf("no stable leader: %v", err)
	}

	leaderCount := 0
	for _, n := range cluster.Nodes {
		if n.IsLeader() {
			leaderCount++
		}
	}
	if leaderCount != 1 {
		t.Errorf("expected exactly one leader, got %d", leaderCount)
	}
}

// TestLogReplicationCommitsOnMajority: a submitted command
// commits and is applied identically on every node once a majority
// acknowledges it.
func TestLogReplicationCommitsOnMajority(t *testing.T) {
	cluster, err := harness.NewTestCluster(3)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	defer cluster.Cleanup()

	if err := cluster.Start(); err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	if _, err := cluster.WaitForStableLeader(5 * time.Second); err != nil {
		t.Fatalf("no stable leader: %v", err)
	}

	if err := cluster.SubmitSet("x", json.RawMessage(`42`), 5*time.Second); err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		allApplied := true
		for _, store := range cluster.Stores {
			v, ok := store.Get("x")
			if !ok || string(v) != "42" {
				allApplied = false
				break
			}
		}
		if allApplied {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for all nodes to apply x=42")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// TestNonLeaderRejectsSubmit covers the user-visible not-leader failure.
func TestNonLeaderRejectsSubmit(t *testing.T) {
	cluster, err := harness.NewTestCluster(3)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	defer cluster.Cleanup()

	if err := cluster.Start(); err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	leader, err := cluster.WaitForStableLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("no stable leader: %v", err)
	}

	var follower *raft.Node
	for _, n := range cluster.Nodes {
		if n != leader {
			follower = n
			break
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = follower.SubmitWithResult(ctx, "x", json.RawMessage(`1`))
	if err != raft.ErrNotLeader {
		t.Errorf("expected ErrNotLeader from a follower submit, got %v", err)
	}
}

// TestLeaderCrashElectsNewLeader: crashing the leader results in
// a new leader being elected within a bounded time and ops continue to
// commit.
func TestLeaderCrashElectsNewLeader(t *testing.T) {
	cluster, err := harness.NewTestCluster(5)
	if err != nil {
		t.Fatalf("new cluster: %v", err)
	}
	defer cluster.Cleanup()

	if err := cluster.Start(); err != nil {
		t.Fatalf("start cluster: %v", err)
	}
	leader, err := cluster.WaitForStableLeader(5 * time.Second)
	if err != nil {
		t.Fatalf("no stable leader: %v", err)
	}

	oldLeaderID := leader.GetID()
	cluster.Transport.Partition(oldLeaderID)

	newLeader, err := cluster.WaitForNewLeader(oldLeaderID, 10*time.Second)
	if err != nil {
		t.Fatalf("no new leader elected after crash: %v", err)
	}
	if newLeader.GetID() == oldLeaderID {
		t.Fatal("expected a different node to become leader")
	}

	if err := cluster.SubmitSet("y", json.RawMessage(`1`), 5*time.Second); err != nil {
		t.Fatalf("submit after leader change: %v", err)
	}
}
