// Package harness provides a deterministic multi-node raft cluster for
// tests and fault-injection scenarios: in-memory transport, simulated
// clock, safety-invariant checking, and an Elle-compatible history
// recorder.
package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/orange-dot/roj-consensus/pkg/kv"
	"github.com/orange-dot/roj-consensus/pkg/raft"
	"github.com/orange-dot/roj-consensus/pkg/rpc"
	"github.com/orange-dot/roj-consensus/pkg/wal"
)

// TestCluster wires real WAL-backed nodes over an in-memory transport, for
// tests that want disk persistence semantics without a real network.
type TestCluster struct {
	Nodes     []*raft.Node
	Stores    []*kv.Store
	Transport *rpc.LocalTransport
	WALs      []*wal.WAL
	walDirs   []string
}

func NewTestCluster(size int) (*TestCluster, error) {
	transport := rpc.NewLocalTransport()
	uniqueID := rand.Int63()

	nodeIDs := make([]string, size)
	for i := 0; i < size; i++ {
		nodeIDs[i] = fmt.Sprintf("node-%d", i)
	}

	cluster := &TestCluster{
		Nodes:     make([]*raft.Node, size),
		Stores:    make([]*kv.Store, size),
		Transport: transport,
		WALs:      make([]*wal.WAL, size),
		walDirs:   make([]string, size),
	}

	for i := 0; i < size; i++ {
		peers := make([]string, 0, size-1)
		for j := 0; j < size; j++ {
			if i != j {
				peers = append(peers, nodeIDs[j])
			}
		}

		walDir := fmt.Sprintf("/tmp/raft-test-wal-%d-%d-%d", os.Getpid(), uniqueID, i)
		cluster.walDirs[i] = walDir
		os.RemoveAll(walDir)

		walInstance, err := wal.New(walDir, false)
		if err != nil {
			cluster.Cleanup()
			return nil, err
		}
		cluster.WALs[i] = walInstance

		store := kv.New()
		cluster.Stores[i] = store

		config := raft.NodeConfig{
			ID:                 nodeIDs[i],
			Peers:              peers,
			ElectionTimeoutMin: 1500 * time.Millisecond,
			ElectionTimeoutMax: 3000 * time.Millisecond,
			HeartbeatInterval:  100 * time.Millisecond,
			WALPath:            walDir,
			SnapshotThreshold:  100,
			MaxAppendEntries:   8,
		}

		node := raft.NewNode(config, transport, walInstance, store)
		cluster.Nodes[i] = node
		transport.Register(nodeIDs[i], node)
	}

	return cluster, nil
}

func (c *TestCluster) Start() error {
	for _, node := range c.Nodes {
		if err := node.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (c *TestCluster) Stop() {
	for _, node := range c.Nodes {
		if node != nil {
			node.Stop()
		}
	}
}

func (c *TestCluster) Cleanup() {
	c.Stop()
	time.Sleep(100 * time.Millisecond)
	for _, dir := range c.walDirs {
		os.RemoveAll(dir)
	}
}

func (c *TestCluster) WaitForLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if leader := c.GetLeader(); leader != nil {
			return leader, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil, fmt.Errorf("no leader elected within timeout")
}

func (c *TestCluster) WaitForStableLeader(timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	var leader *raft.Node
	stableCount := 0
	const requiredStable = 10

	for time.Now().Before(deadline) {
		currentLeader := c.GetLeader()
		if currentLeader != nil {
			if leader == currentLeader {
				stableCount++
				if stableCount >= requiredStable {
					return leader, nil
				}
			} else {
				leader = currentLeader
				stableCount = 1
			}
		} else {
			leader = nil
			stableCount = 0
		}
		time.Sleep(100 * time.Millisecond)
	}

	if leader != nil && stableCount >= 3 {
		return leader, nil
	}
	return nil, fmt.Errorf("no stable leader elected within timeout")
}

// GetLeader returns the node claiming leadership in the highest term. A
// partitioned old leader still believes it leads, so it loses to any newer one.
func (c *TestCluster) GetLeader() *raft.Node {
	var leader *raft.Node
	var leaderTerm uint64
	for _, node := range c.Nodes {
		if term, isLeader := node.GetState(); isLeader && (leader == nil || term > leaderTerm) {
			leader, leaderTerm = node, term
		}
	}
	return leader
}

func (c *TestCluster) PartitionLeader() *raft.Node {
	leader := c.GetLeader()
	if leader != nil {
		c.Transport.Partition(leader.GetID())
	}
	return leader
}

func (c *TestCluster) HealPartition() {
	c.Transport.HealAll()
}

// SubmitSet submits a set command with retry logic while a leader settles.
func (c *TestCluster) SubmitSet(key string, value json.RawMessage, timeout time.Duration) error {
	payload, err := kv.EncodeCommand(kv.OpSet, value, "", 0)
	if err != nil {
		return err
	}
	return c.submit(key, payload, timeout)
}

func (c *TestCluster) SubmitDelete(key string, timeout time.Duration) error {
	payload, err := kv.EncodeCommand(kv.OpDelete, nil, "", 0)
	if err != nil {
		return err
	}
	return c.submit(key, payload, timeout)
}

func (c *TestCluster) submit(key string, payload json.RawMessage, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		leader := c.GetLeader()
		if leader == nil {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		remaining := time.Until(deadline)
		if remaining < 500*time.Millisecond {
			remaining = 500 * time.Millisecond
		}

		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		_, err := leader.SubmitWithResult(ctx, key, payload)
		cancel()

		if err == nil {
			return nil
		}
		if err == raft.ErrNotLeader || err == context.DeadlineExceeded {
			time.Sleep(200 * time.Millisecond)
			continue
		}
		return err
	}

	return fmt.Errorf("timeout submitting command")
}

func (c *TestCluster) WaitForNewLeader(excludeID string, timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range c.Nodes {
			if node.GetID() != excludeID && node.IsLeader() {
				return node, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("no new leader elected within timeout")
}
