package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orange-dot/roj-consensus/pkg/kv"
	"github.com/orange-dot/roj-consensus/pkg/raft"
	"github.com/orange-dot/roj-consensus/pkg/stigmergy"
)

// ScenarioResult is the outcome of running one named scenario.
type ScenarioResult struct {
	Name       string               `json:"name"`
	Seed       int64                `json:"seed"`
	Passed     bool                 `json:"passed"`
	Violations []InvariantViolation `json:"violations,omitempty"`
	History    []Event              `json:"history"`
	Check      CheckResult          `json:"check"`
	Detail     string               `json:"detail,omitempty"`
	// Health is an advisory per-node strength reading (pkg/stigmergy), not
	// a correctness signal: a node with a stale commit index cools faster.
	Health map[string]float64 `json:"health,omitempty"`
}

// nodeHealth tags each node with a thermal reading keyed on how far behind
// the cluster's highest commit index it is, then snapshots the resulting
// strengths for display (advisory only, never a pass/fail input).
func nodeHealth(nodes []*raft.Node) map[string]float64 {
	now := time.Now()
	board := stigmergy.NewBoard()

	var maxCommit uint64
	for _, n := range nodes {
		if ci := n.GetCommitIndex(); ci > maxCommit {
			maxCommit = ci
		}
	}

	for _, n := range nodes {
		lag := float64(maxCommit - n.GetCommitIndex())
		board.Merge(stigmergy.NewTag(n.GetID(), lag, 1.0, now))
	}

	out := make(map[string]float64, len(nodes))
	for source, tag := range board.Snapshot(now) {
		out[source] = tag.Strength(now)
	}
	return out
}

// ScenarioNames lists the scenarios the harness CLI accepts.
var ScenarioNames = []string{
	"happy", "partition", "leader-crash", "message-loss", "contention",
	"slow-network", "bft-equivocation", "bft-minority", "bft-threshold",
	"bft-false-commit",
}

// RunScenario dispatches by name and runs the scenario deterministically
// from seed.
func RunScenario(name string, seed int64) (*ScenarioResult, error) {
	switch name {
	case "happy":
		return scenarioHappy(seed)
	case "partition":
		return scenarioPartition(seed)
	case "leader-crash":
		return scenarioLeaderCrash(seed)
	case "message-loss":
		return scenarioMessageLoss(seed)
	case "contention":
		return scenarioContention(seed)
	case "slow-network":
		return scenarioSlowNetwork(seed)
	case "bft-equivocation":
		return scenarioBFTEquivocation(seed)
	case "bft-minority":
		return scenarioBFTMinority(seed)
	case "bft-threshold":
		return scenarioBFTThreshold(seed)
	case "bft-false-commit":
		return scenarioBFTFalseCommit(seed)
	default:
		return nil, fmt.Errorf("harness: unknown scenario %q", name)
	}
}

// --- Raft-path scenarios ---

// scenarioHappy: 3 nodes, 3 writers appending 20 distinct integer values
// each to key "x"; expect convergence and no anomalies.
func scenarioHappy(seed int64) (*ScenarioResult, error) {
	sim, err := NewSimulator(3, seed)
	if err != nil {
		return nil, err
	}
	defer sim.Stop()

	if err := sim.Start(); err != nil {
		return nil, err
	}

	leader := sim.WaitForLeader(200)
	if leader == nil {
		return failResult("happy", seed, "no leader elected"), nil
	}

	rec := NewHistoryRecorder(time.Now())
	checker := NewInvariantChecker()

	for i := 0; i < 3; i++ {
		for op := 0; op < 20; op++ {
			value := int64(i*20 + op + 1)
			runRaftAppend(leader, "x", value, int64(i), rec)
		}
	}

	if ok, diffs := WaitForStoreConvergence(sim.Stores, 5*time.Second); !ok {
		return failResult("happy", seed, fmt.Sprintf("state machines diverged: %v", diffs)), nil
	}
	if v, ok := sim.Stores[0].Get("x"); !ok || string(v) != "60" {
		return failResult("happy", seed, fmt.Sprintf("expected x=60 (the last appended value) on every node, got %s", v)), nil
	}

	return finishRaftScenario("happy", seed, sim.Nodes, checker, rec), nil
}

// scenarioPartition: 5 nodes, partition {0,1}|{2,3,4} mid-run, heal
// later; ops on the majority side keep committing.
func scenarioPartition(seed int64) (*ScenarioResult, error) {
	sim, err := NewSimulator(5, seed)
	if err != nil {
		return nil, err
	}
	defer sim.Stop()

	if err := sim.Start(); err != nil {
		return nil, err
	}

	leader := sim.WaitForLeader(200)
	if leader == nil {
		return failResult("partition", seed, "no leader elected"), nil
	}

	rec := NewHistoryRecorder(time.Now())
	checker := NewInvariantChecker()

	for op := 0; op < 30; op++ {
		runRaftAppend(leader, "x", int64(op+1), 0, rec)
	}

	sim.Transport.Partition(sim.Nodes[0].GetID())
	sim.Transport.Partition(sim.Nodes[1].GetID())

	// A leader stranded in the minority keeps believing it leads until heal;
	// drive the partition phase from a leader on the majority side only.
	majorityLeader := sim.waitForMajorityLeader([]int{2, 3, 4}, 200)
	if majorityLeader == nil {
		return failResult("partition", seed, "no leader elected on the majority side"), nil
	}
	for op := 30; op < 70; op++ {
		runRaftAppend(majorityLeader, "x", int64(op+1), 1, rec)
	}

	sim.Transport.HealAll()

	// A minority candidate may rejoin with an inflated term and force one
	// more election; retry each op through whichever node currently leads
	// until leadership settles.
	for op := 70; op < 90; op++ {
		appendWithRetry(sim, "x", int64(op+1), 2, rec, 5*time.Second)
	}

	if ok, diffs := WaitForStoreConvergence(sim.Stores, 5*time.Second); !ok {
		return failResult("partition", seed, fmt.Sprintf("minority did not converge after heal: %v", diffs)), nil
	}

	return finishRaftScenario("partition", seed, sim.Nodes, checker, rec), nil
}

// scenarioLeaderCrash: 5 nodes, crash the leader mid-run; a new
// leader must complete an election within 2x the max election timeout and
// commit subsequent ops with no duplicate commits at the same index.
func scenarioLeaderCrash(seed int64) (*ScenarioResult, error) {
	sim, err := NewSimulator(5, seed)
	if err != nil {
		return nil, err
	}
	defer sim.Stop()

	if err := sim.Start(); err != nil {
		return nil, err
	}

	leader := sim.WaitForLeader(200)
	if leader == nil {
		return failResult("leader-crash", seed, "no leader elected"), nil
	}

	rec := NewHistoryRecorder(time.Now())
	checker := NewInvariantChecker()

	for op := 0; op < 50; op++ {
		runRaftAppend(leader, "x", int64(op+1), 0, rec)
	}

	crashedID := leader.GetID()
	crashedIdx := -1
	for i, n := range sim.Nodes {
		if n.GetID() == crashedID {
			crashedIdx = i
		}
	}
	sim.Transport.Crash(crashedID)

	if _, err := sim.WaitForNewLeader(crashedID, 2*300*time.Millisecond); err != nil {
		return failResult("leader-crash", seed, "no new leader elected after crash"), nil
	}

	for op := 50; op < 80; op++ {
		appendWithRetry(sim, "x", int64(op+1), 1, rec, 5*time.Second)
	}

	// The crashed node stays dark; the four survivors must agree.
	survivors := make([]*kv.Store, 0, len(sim.Stores)-1)
	for i, st := range sim.Stores {
		if i != crashedIdx {
			survivors = append(survivors, st)
		}
	}
	if ok, diffs := WaitForStoreConvergence(survivors, 5*time.Second); !ok {
		return failResult("leader-crash", seed, fmt.Sprintf("survivors diverged after crash: %v", diffs)), nil
	}

	return finishRaftScenario("leader-crash", seed, sim.Nodes, checker, rec), nil
}

// scenarioMessageLoss exercises retry-tolerance under independent
// per-delivery message loss.
func scenarioMessageLoss(seed int64) (*ScenarioResult, error) {
	sim, err := NewSimulator(5, seed)
	if err != nil {
		return nil, err
	}
	defer sim.Stop()

	for _, from := range sim.Nodes {
		for _, to := range sim.Nodes {
			if from.GetID() != to.GetID() {
				sim.Transport.SetNetworkCondition(from.GetID(), to.GetID(), &NetworkCondition{DropRate: 0.15})
			}
		}
	}

	if err := sim.Start(); err != nil {
		return nil, err
	}

	leader := sim.WaitForLeader(400)
	if leader == nil {
		return failResult("message-loss", seed, "no leader elected under message loss"), nil
	}

	rec := NewHistoryRecorder(time.Now())
	checker := NewInvariantChecker()

	for op := 0; op < 30; op++ {
		runRaftAppend(leader, "x", int64(op+1), 0, rec)
	}

	return finishRaftScenario("message-loss", seed, sim.Nodes, checker, rec), nil
}

// scenarioContention drives concurrent writers against a shared pool of
// keys from multiple callers, relying on the leader's commit serialization.
// Each process draws its operation sequence from a seeded WorkloadGenerator,
// mixing appends with interleaved reads. A read reports the appends the
// recorder has already seen committed for its key (see runRaftRead), so
// contention shows up as read/write interleaving in the Elle history, not
// just appends.
func scenarioContention(seed int64) (*ScenarioResult, error) {
	sim, err := NewSimulator(3, seed)
	if err != nil {
		return nil, err
	}
	defer sim.Stop()

	if err := sim.Start(); err != nil {
		return nil, err
	}

	leader := sim.WaitForLeader(200)
	if leader == nil {
		return failResult("contention", seed, "no leader elected"), nil
	}

	rec := NewHistoryRecorder(time.Now())
	checker := NewInvariantChecker()

	const nProcs = 3
	wlCfg := WorkloadConfig{NumKeys: 2, AppendRatio: 0.7}

	done := make(chan struct{}, nProcs)
	for i := 0; i < nProcs; i++ {
		go func(proc int64) {
			gen := NewWorkloadGenerator(wlCfg, seed+proc+1)
			for _, op := range gen.Sequence(10) {
				switch op.Kind {
				case OpAppend:
					runRaftAppend(leader, op.Key, proc*1000+op.Value, proc, rec)
				case OpRead:
					runRaftRead(op.Key, proc, rec)
				}
			}
			done <- struct{}{}
		}(int64(i))
	}
	for i := 0; i < nProcs; i++ {
		<-done
	}

	return finishRaftScenario("contention", seed, sim.Nodes, checker, rec), nil
}

// scenarioSlowNetwork exercises bounded per-message delay, not loss.
func scenarioSlowNetwork(seed int64) (*ScenarioResult, error) {
	sim, err := NewSimulator(3, seed)
	if err != nil {
		return nil, err
	}
	defer sim.Stop()

	for _, from := range sim.Nodes {
		for _, to := range sim.Nodes {
			if from.GetID() != to.GetID() {
				sim.Transport.SetNetworkCondition(from.GetID(), to.GetID(), &NetworkCondition{Delay: 20 * time.Millisecond})
			}
		}
	}

	if err := sim.Start(); err != nil {
		return nil, err
	}

	leader := sim.WaitForLeader(300)
	if leader == nil {
		return failResult("slow-network", seed, "no leader elected under slow network"), nil
	}

	rec := NewHistoryRecorder(time.Now())
	checker := NewInvariantChecker()

	for op := 0; op < 15; op++ {
		runRaftAppend(leader, "x", int64(op+1), 0, rec)
	}

	return finishRaftScenario("slow-network", seed, sim.Nodes, checker, rec), nil
}

// appendWithRetry resubmits through whichever node currently leads, for
// phases where leadership is settling (post-heal, post-crash).
func appendWithRetry(sim *Simulator, key string, value int64, process int64, rec *HistoryRecorder, timeout time.Duration) {
	raw, _ := json.Marshal(value)
	payload, _ := kv.EncodeCommand(kv.OpSet, raw, "", 0)
	ops := []MicroOp{Append(HashKey(key), value)}
	token := fmt.Sprintf("%s-%d-%d", key, value, process)
	rec.Invoke(token, process, ops, time.Now())

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		leader := sim.GetLeader()
		if leader == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_, err := leader.SubmitWithResult(ctx, key, payload)
		cancel()
		if err == nil {
			rec.Complete(token, process, EventOK, ops, time.Now())
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	rec.Complete(token, process, EventFail, ops, time.Now())
}

func runRaftAppend(leader *raft.Node, key string, value int64, process int64, rec *HistoryRecorder) {
	raw, _ := json.Marshal(value)
	payload, _ := kv.EncodeCommand(kv.OpSet, raw, "", 0)
	ops := []MicroOp{Append(HashKey(key), value)}
	token := fmt.Sprintf("%s-%d-%d", key, value, process)
	now := time.Now()

	rec.Invoke(token, process, ops, now)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_, err := leader.SubmitWithResult(ctx, key, payload)
	cancel()

	if err != nil {
		rec.Complete(token, process, EventFail, ops, time.Now())
		return
	}
	rec.Complete(token, process, EventOK, ops, time.Now())
}

// runRaftRead records a read-only observation of key against the already
// recorded history: the read reports exactly the append values the
// scheduler has committed for key so far, so it is a prefix of whatever the
// final committed order turns out to be and never conflicts with it.
func runRaftRead(key string, process int64, rec *HistoryRecorder) {
	keyHash := HashKey(key)
	values := rec.CommittedAppends(keyHash)

	ops := []MicroOp{Read(keyHash, values)}
	token := fmt.Sprintf("read-%s-%d-%d", key, process, rec.NextSeq())
	now := time.Now()

	rec.Invoke(token, process, ops, now)
	rec.Complete(token, process, EventOK, ops, time.Now())
}

func finishRaftScenario(name string, seed int64, nodes []*raft.Node, checker *InvariantChecker, rec *HistoryRecorder) *ScenarioResult {
	checker.CollectFromNodes(nodes)
	ok, violations := checker.CheckSafetyInvariants()

	history := rec.Events()
	check := CheckHistory(history)

	return &ScenarioResult{
		Name:       name,
		Seed:       seed,
		Passed:     ok && check.Clean,
		Violations: violations,
		History:    history,
		Check:      check,
		Health:     nodeHealth(nodes),
	}
}

func failResult(name string, seed int64, detail string) *ScenarioResult {
	return &ScenarioResult{Name: name, Seed: seed, Passed: false, Detail: detail}
}

// --- Threshold-voting (bft-*) scenarios ---

// scenarioBFTEquivocation: node 0 equivocates on every PROPOSE;
// honest nodes must still reach commits via the remaining honest quorum.
func scenarioBFTEquivocation(seed int64) (*ScenarioResult, error) {
	rec := NewHistoryRecorder(time.Now())
	tc := NewThresholdCluster(5, seed, map[int]ByzantineRole{0: RoleEquivocating}, nil, rec)

	for op := 0; op < 10; op++ {
		key := "x"
		value, _ := json.Marshal(op + 1)
		ops := []MicroOp{Append(HashKey(key), int64(op+1))}
		if !tc.Propose(1, key, value, ops) {
			return failResult("bft-equivocation", seed, fmt.Sprintf("op %d failed to commit via the honest quorum", op)), nil
		}
		tc.AdvanceClock(100 * time.Millisecond)
	}

	// The equivocator's split votes surface when a COMMIT's voter set lists
	// it as an accept at a node it sent a reject; at least one honest node
	// must have caught it.
	caught := false
	for i := 1; i < tc.ClusterSize(); i++ {
		if tc.Core(i).IsByzantine(tc.NodeID(0)) {
			caught = true
		}
	}
	if !caught {
		return failResult("bft-equivocation", seed, "no honest node detected the equivocating voter"), nil
	}

	return finishThresholdScenario("bft-equivocation", seed, tc, rec), nil
}

// scenarioBFTMinority exercises the threshold protocol under a network
// split where no side alone reaches ⌈2N/3⌉: proposals from the minority
// side must not commit falsely.
func scenarioBFTMinority(seed int64) (*ScenarioResult, error) {
	rec := NewHistoryRecorder(time.Now())
	tc := NewThresholdCluster(5, seed, nil, nil, rec)
	tc.SetPartition([]int{0, 1})

	for op := 0; op < 6; op++ {
		key := "x"
		value, _ := json.Marshal(op + 1)
		ops := []MicroOp{Append(HashKey(key), int64(op+1))}
		committed := tc.Propose(0, key, value, ops)
		if committed {
			return failResult("bft-minority", seed, "minority-side proposal committed without quorum"), nil
		}
		tc.AdvanceClock(100 * time.Millisecond)
	}

	tc.HealPartition()
	var lastOK bool
	for op := 6; op < 10; op++ {
		key := "x"
		value, _ := json.Marshal(op + 1)
		ops := []MicroOp{Append(HashKey(key), int64(op+1))}
		lastOK = tc.Propose(0, key, value, ops)
		tc.AdvanceClock(100 * time.Millisecond)
	}
	if !lastOK {
		return failResult("bft-minority", seed, "proposal failed to commit after partition healed"), nil
	}

	return finishThresholdScenario("bft-minority", seed, tc, rec), nil
}

// scenarioBFTThreshold is the no-fault baseline: under no
// Byzantine nodes, valid proposals reach ⌈2N/3⌉ and commit.
func scenarioBFTThreshold(seed int64) (*ScenarioResult, error) {
	rec := NewHistoryRecorder(time.Now())
	tc := NewThresholdCluster(5, seed, nil, nil, rec)

	for op := 0; op < 10; op++ {
		key := "x"
		value, _ := json.Marshal(op + 1)
		ops := []MicroOp{Append(HashKey(key), int64(op+1))}
		if !tc.Propose(op%tc.ClusterSize(), key, value, ops) {
			return failResult("bft-threshold", seed, "proposal failed to reach threshold with no Byzantine nodes"), nil
		}
		tc.AdvanceClock(100 * time.Millisecond)
	}

	return finishThresholdScenario("bft-threshold", seed, tc, rec), nil
}

// scenarioBFTFalseCommit: node 0 broadcasts an unearned COMMIT while
// honest flow commits normally; once caught equivocating (or flagged
// Byzantine) its COMMITs are ignored on subsequent proposals.
func scenarioBFTFalseCommit(seed int64) (*ScenarioResult, error) {
	rec := NewHistoryRecorder(time.Now())
	tc := NewThresholdCluster(5, seed, map[int]ByzantineRole{0: RoleFalseCommit}, nil, rec)

	for op := 0; op < 10; op++ {
		key := "x"
		value, _ := json.Marshal(op + 1)
		ops := []MicroOp{Append(HashKey(key), int64(op+1))}
		if !tc.Propose(1, key, value, ops) {
			return failResult("bft-false-commit", seed, fmt.Sprintf("op %d failed to commit via the honest flow", op)), nil
		}
		tc.AdvanceClock(100 * time.Millisecond)
	}

	// Every honest participant saw the fabricated COMMIT's voter set share
	// nothing with its own observed accepts and must have flagged node 0.
	for i := 1; i < tc.ClusterSize(); i++ {
		if !tc.Core(i).IsByzantine(tc.NodeID(0)) {
			return failResult("bft-false-commit", seed, fmt.Sprintf("node %d did not flag the false-commit source", i)), nil
		}
	}

	return finishThresholdScenario("bft-false-commit", seed, tc, rec), nil
}

func finishThresholdScenario(name string, seed int64, tc *ThresholdCluster, rec *HistoryRecorder) *ScenarioResult {
	history := rec.Events()
	check := CheckHistory(history)

	return &ScenarioResult{
		Name:    name,
		Seed:    seed,
		Passed:  check.Clean,
		History: history,
		Check:   check,
	}
}
