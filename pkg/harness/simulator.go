package harness

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/orange-dot/roj-consensus/pkg/kv"
	"github.com/orange-dot/roj-consensus/pkg/raft"
)

// DeterministicClock is a controllable clock driven by the simulation
// rather than wall time.
type DeterministicClock struct {
	mu      sync.Mutex
	current int64
}

func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Unix(0, c.current)
}

func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current += int64(d)
}

func (c *DeterministicClock) Get() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NetworkCondition describes induced fault behavior between two nodes.
type NetworkCondition struct {
	Delay       time.Duration
	DropRate    float64
	Partitioned bool
}

// DeterministicTransport is raft.Transport with seeded, reproducible fault
// injection: partition, message loss, and delay.
type DeterministicTransport struct {
	mu         sync.RWMutex
	nodes      map[string]*raft.Node
	crashed    map[string]bool
	conditions map[string]map[string]*NetworkCondition
	clock      *DeterministicClock
	rng        *rand.Rand
	messages   []MessageRecord
	msgMu      sync.Mutex
}

// MessageRecord is one delivered or dropped RPC, kept for post-hoc analysis.
type MessageRecord struct {
	Time      int64
	From      string
	To        string
	Type      string
	Delivered bool
	Dropped   bool
}

func NewDeterministicTransport(seed int64) *DeterministicTransport {
	return &DeterministicTransport{
		nodes:      make(map[string]*raft.Node),
		crashed:    make(map[string]bool),
		conditions: make(map[string]map[string]*NetworkCondition),
		clock:      NewDeterministicClock(),
		rng:        rand.New(rand.NewSource(seed)),
		messages:   make([]MessageRecord, 0),
	}
}

func (t *DeterministicTransport) Register(id string, node *raft.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[id] = node
	t.conditions[id] = make(map[string]*NetworkCondition)
}

func (t *DeterministicTransport) GetClock() *DeterministicClock { return t.clock }

func (t *DeterministicTransport) SetNetworkCondition(from, to string, cond *NetworkCondition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conditions[from] == nil {
		t.conditions[from] = make(map[string]*NetworkCondition)
	}
	t.conditions[from][to] = cond
}

func (t *DeterministicTransport) Partition(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.nodes {
		if id != nodeID {
			if t.conditions[nodeID] == nil {
				t.conditions[nodeID] = make(map[string]*NetworkCondition)
			}
			if t.conditions[id] == nil {
				t.conditions[id] = make(map[string]*NetworkCondition)
			}
			t.conditions[nodeID][id] = &NetworkCondition{Partitioned: true}
			t.conditions[id][nodeID] = &NetworkCondition{Partitioned: true}
		}
	}
}

func (t *DeterministicTransport) Heal(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conditions[nodeID] = make(map[string]*NetworkCondition)
	for id := range t.nodes {
		if t.conditions[id] != nil {
			delete(t.conditions[id], nodeID)
		}
	}
}

func (t *DeterministicTransport) HealAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conditions = make(map[string]map[string]*NetworkCondition)
}

// Crash marks a node as unreachable in both directions, distinct from a
// Partition in intent (a crashed node also stops its own run loop from the
// caller's perspective) though mechanically both are modeled as dropped
// messages at the transport.
func (t *DeterministicTransport) Crash(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.crashed[nodeID] = true
}

func (t *DeterministicTransport) Revive(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.crashed, nodeID)
}

func (t *DeterministicTransport) IsCrashed(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.crashed[nodeID]
}

func (t *DeterministicTransport) getCondition(from, to string) *NetworkCondition {
	if t.conditions[from] == nil {
		return nil
	}
	return t.conditions[from][to]
}

func (t *DeterministicTransport) shouldDrop(from, to string) bool {
	if t.crashed[from] || t.crashed[to] {
		return true
	}
	cond := t.getCondition(from, to)
	if cond == nil {
		return false
	}
	if cond.Partitioned {
		return true
	}
	if cond.DropRate > 0 && t.rng.Float64() < cond.DropRate {
		return true
	}
	return false
}

func (t *DeterministicTransport) delay(from, to string) time.Duration {
	cond := t.getCondition(from, to)
	if cond == nil {
		return 0
	}
	return cond.Delay
}

func (t *DeterministicTransport) recordMessage(from, to, msgType string, delivered, dropped bool) {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	t.messages = append(t.messages, MessageRecord{
		Time: t.clock.Get(), From: from, To: to, Type: msgType, Delivered: delivered, Dropped: dropped,
	})
}

func (t *DeterministicTransport) GetMessageHistory() []MessageRecord {
	t.msgMu.Lock()
	defer t.msgMu.Unlock()
	result := make([]MessageRecord, len(t.messages))
	copy(result, t.messages)
	return result
}

func (t *DeterministicTransport) RequestVote(target string, args *raft.RequestVoteArgs) (*raft.RequestVoteReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	drop := t.shouldDrop(args.CandidateID, target)
	d := t.delay(args.CandidateID, target)
	t.mu.RUnlock()

	if !ok {
		t.recordMessage(args.CandidateID, target, "RequestVote", false, false)
		return nil, raft.ErrNodeNotFound
	}
	if drop {
		t.recordMessage(args.CandidateID, target, "RequestVote", false, true)
		return nil, raft.ErrTimeout
	}
	if d > 0 {
		time.Sleep(d)
	}
	t.recordMessage(args.CandidateID, target, "RequestVote", true, false)
	return node.HandleRequestVote(args), nil
}

func (t *DeterministicTransport) AppendEntries(target string, args *raft.AppendEntriesArgs) (*raft.AppendEntriesReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	drop := t.shouldDrop(args.LeaderID, target)
	d := t.delay(args.LeaderID, target)
	t.mu.RUnlock()

	if !ok {
		t.recordMessage(args.LeaderID, target, "AppendEntries", false, false)
		return nil, raft.ErrNodeNotFound
	}
	if drop {
		t.recordMessage(args.LeaderID, target, "AppendEntries", false, true)
		return nil, raft.ErrTimeout
	}
	if d > 0 {
		time.Sleep(d)
	}
	t.recordMessage(args.LeaderID, target, "AppendEntries", true, false)
	return node.HandleAppendEntries(args), nil
}

func (t *DeterministicTransport) InstallSnapshot(target string, args *raft.InstallSnapshotArgs) (*raft.InstallSnapshotReply, error) {
	t.mu.RLock()
	node, ok := t.nodes[target]
	drop := t.shouldDrop(args.LeaderID, target)
	d := t.delay(args.LeaderID, target)
	t.mu.RUnlock()

	if !ok {
		t.recordMessage(args.LeaderID, target, "InstallSnapshot", false, false)
		return nil, raft.ErrNodeNotFound
	}
	if drop {
		t.recordMessage(args.LeaderID, target, "InstallSnapshot", false, true)
		return nil, raft.ErrTimeout
	}
	if d > 0 {
		time.Sleep(d)
	}
	t.recordMessage(args.LeaderID, target, "InstallSnapshot", true, false)
	return node.HandleInstallSnapshot(args), nil
}

// Simulator drives a cluster of raft nodes over a DeterministicTransport.
type Simulator struct {
	Transport *DeterministicTransport
	Nodes     []*raft.Node
	Stores    []*kv.Store
	clock     *DeterministicClock
	rng       *rand.Rand
	seed      int64
}

func NewSimulator(size int, seed int64) (*Simulator, error) {
	transport := NewDeterministicTransport(seed)
	rng := rand.New(rand.NewSource(seed))

	nodeIDs := make([]string, size)
	for i := 0; i < size; i++ {
		nodeIDs[i] = fmt.Sprintf("sim-node-%d", i)
	}

	sim := &Simulator{
		Transport: transport,
		Nodes:     make([]*raft.Node, size),
		Stores:    make([]*kv.Store, size),
		clock:     transport.GetClock(),
		rng:       rng,
		seed:      seed,
	}

	for i := 0; i < size; i++ {
		peers := make([]string, 0, size-1)
		for j := 0; j < size; j++ {
			if i != j {
				peers = append(peers, nodeIDs[j])
			}
		}

		store := kv.New()
		sim.Stores[i] = store

		config := raft.NodeConfig{
			ID:                 nodeIDs[i],
			Peers:              peers,
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
			SnapshotThreshold:  1000,
			MaxAppendEntries:   8,
		}

		node := raft.NewNode(config, transport, nil, store)
		sim.Nodes[i] = node
		transport.Register(nodeIDs[i], node)
	}

	return sim, nil
}

func (s *Simulator) Start() error {
	for _, node := range s.Nodes {
		if err := node.Start(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Simulator) Stop() {
	for _, node := range s.Nodes {
		node.Stop()
	}
}

func (s *Simulator) AdvanceTime(d time.Duration) { s.clock.Advance(d) }

// GetLeader returns the first live node claiming leadership. A crashed node
// still believes it leads but cannot commit anything, so it is skipped.
func (s *Simulator) GetLeader() *raft.Node {
	for _, node := range s.Nodes {
		if s.Transport.IsCrashed(node.GetID()) {
			continue
		}
		if node.IsLeader() {
			return node
		}
	}
	return nil
}

func (s *Simulator) WaitForLeader(maxIterations int) *raft.Node {
	for i := 0; i < maxIterations; i++ {
		if leader := s.GetLeader(); leader != nil {
			return leader
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// waitForMajorityLeader polls the given node indices for one that holds
// leadership, ignoring any stale leader stranded outside the set.
func (s *Simulator) waitForMajorityLeader(idxs []int, maxIterations int) *raft.Node {
	for i := 0; i < maxIterations; i++ {
		for _, idx := range idxs {
			if s.Nodes[idx].IsLeader() {
				return s.Nodes[idx]
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}

// WaitForNewLeader polls for a leader other than excludeID, up to timeout.
func (s *Simulator) WaitForNewLeader(excludeID string, timeout time.Duration) (*raft.Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, node := range s.Nodes {
			if node.GetID() != excludeID && node.IsLeader() {
				return node, nil
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	return nil, fmt.Errorf("no new leader elected within timeout")
}

func (s *Simulator) InjectPartition(nodeIdx int) {
	if nodeIdx >= 0 && nodeIdx < len(s.Nodes) {
		s.Transport.Partition(s.Nodes[nodeIdx].GetID())
	}
}

func (s *Simulator) HealPartition(nodeIdx int) {
	if nodeIdx >= 0 && nodeIdx < len(s.Nodes) {
		s.Transport.Heal(s.Nodes[nodeIdx].GetID())
	}
}

func (s *Simulator) HealAll() { s.Transport.HealAll() }

func (s *Simulator) RandomPartition() int {
	idx := s.rng.Intn(len(s.Nodes))
	s.InjectPartition(idx)
	return idx
}

func (s *Simulator) GetSeed() int64 { return s.seed }

// CompareStateMachines checks that every store's final key-value contents
// agree, used after a scenario run to assert convergence.
func CompareStateMachines(stores []*kv.Store) (bool, []string) {
	if len(stores) == 0 {
		return true, nil
	}

	var differences []string
	refState := stores[0].GetSnapshot()

	for i := 1; i < len(stores); i++ {
		state := stores[i].GetSnapshot()

		for key, refValue := range refState {
			value, ok := state[key]
			if !ok {
				differences = append(differences, fmt.Sprintf("store %d missing key %s (expected %s)", i, key, refValue))
			} else if !jsonEqual(value, refValue) {
				differences = append(differences, fmt.Sprintf("store %d has %s=%s, expected %s", i, key, value, refValue))
			}
		}
		for key, value := range state {
			if _, ok := refState[key]; !ok {
				differences = append(differences, fmt.Sprintf("store %d has unexpected key %s=%s", i, key, value))
			}
		}
	}

	return len(differences) == 0, differences
}

// WaitForStoreConvergence polls CompareStateMachines until every store
// agrees or the timeout expires, returning the last set of differences.
func WaitForStoreConvergence(stores []*kv.Store, timeout time.Duration) (bool, []string) {
	deadline := time.Now().Add(timeout)
	var diffs []string
	for {
		var ok bool
		ok, diffs = CompareStateMachines(stores)
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, diffs
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func jsonEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return string(a) == string(b)
	}
	aj, _ := json.Marshal(av)
	bj, _ := json.Marshal(bv)
	return string(aj) == string(bj)
}
