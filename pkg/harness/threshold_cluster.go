package harness

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/orange-dot/roj-consensus/pkg/threshold"
)

// envelope is one in-flight threshold-voting message in the deterministic
// scheduler's single FIFO queue.
type envelope struct {
	from int
	to   int
	msg  threshold.Message
}

// ThresholdCluster is an in-process deterministic cluster of
// threshold-voting cores, used by the bft-* scenarios. It drives message
// delivery itself (a single-threaded FIFO scheduler), applying
// Byzantine role behavior at the point a role-assigned node constructs its
// own outbound messages.
type ThresholdCluster struct {
	cores []*threshold.Core
	roles []ByzantineRole

	crashed   []bool
	partition map[int]map[int]bool // partition[i][j] == true: i cannot reach j

	rng      *rand.Rand
	lossRate float64

	recorder *HistoryRecorder
	clock    time.Time
}

// NewThresholdCluster creates n threshold-voting nodes. roles maps node
// index to assigned Byzantine behavior (absent entries default to honest).
func NewThresholdCluster(n int, seed int64, roles map[int]ByzantineRole, validator threshold.Validator, recorder *HistoryRecorder) *ThresholdCluster {
	tc := &ThresholdCluster{
		cores:     make([]*threshold.Core, n),
		roles:     make([]ByzantineRole, n),
		crashed:   make([]bool, n),
		partition: make(map[int]map[int]bool),
		rng:       rand.New(rand.NewSource(seed)),
		recorder:  recorder,
		clock:     time.Unix(0, 0),
	}
	if recorder != nil {
		// Start the clock at the recorder's anchor so event times count
		// from zero and are the same on every run.
		tc.clock = recorder.start
	}
	for i := 0; i < n; i++ {
		tc.cores[i] = threshold.NewCore(tc.NodeID(i), n, validator, nil)
		if r, ok := roles[i]; ok {
			tc.roles[i] = r
		}
	}
	return tc
}

// NodeID returns the identity string of node i.
func (tc *ThresholdCluster) NodeID(i int) string { return fmt.Sprintf("bft-node-%d", i) }

// Crash marks node idx as not processing or emitting any message.
func (tc *ThresholdCluster) Crash(idx int) { tc.crashed[idx] = true }

// Revive clears node idx's crashed flag.
func (tc *ThresholdCluster) Revive(idx int) { tc.crashed[idx] = false }

// SetPartition splits the cluster into sideA and everyone else, unreachable
// symmetrically in both directions.
func (tc *ThresholdCluster) SetPartition(sideA []int) {
	inA := make(map[int]bool, len(sideA))
	for _, i := range sideA {
		inA[i] = true
	}
	for i := range tc.cores {
		for j := range tc.cores {
			if i == j {
				continue
			}
			if inA[i] != inA[j] {
				tc.block(i, j)
			}
		}
	}
}

func (tc *ThresholdCluster) block(i, j int) {
	if tc.partition[i] == nil {
		tc.partition[i] = make(map[int]bool)
	}
	tc.partition[i][j] = true
}

// HealPartition clears all partition state.
func (tc *ThresholdCluster) HealPartition() {
	tc.partition = make(map[int]map[int]bool)
}

func (tc *ThresholdCluster) reachable(from, to int) bool {
	if tc.crashed[from] || tc.crashed[to] {
		return false
	}
	if m, ok := tc.partition[from]; ok && m[to] {
		return false
	}
	return true
}

// SetLossRate sets the independent per-delivery Bernoulli drop probability
// (FaultConfig.MessageLossRate), drawn from the cluster's seeded RNG.
func (tc *ThresholdCluster) SetLossRate(rate float64) { tc.lossRate = rate }

// AdvanceClock moves the cluster's deterministic clock forward, used to
// expire proposals past threshold.ProposalTimeout.
func (tc *ThresholdCluster) AdvanceClock(d time.Duration) { tc.clock = tc.clock.Add(d) }

// Propose drives a full round of PROPOSE/VOTE/COMMIT delivery for one
// operation, seeded from proposerIdx, and records the corresponding Elle
// invoke/ok/fail events. It returns whether the proposer's own instance
// observed the value committed.
func (tc *ThresholdCluster) Propose(proposerIdx int, key string, value json.RawMessage, ops []MicroOp) bool {
	now := tc.clock
	process := int64(proposerIdx)

	if tc.crashed[proposerIdx] {
		return false
	}

	proposeMsg := tc.cores[proposerIdx].CreateProposal(key, value, now)
	token := proposeMsg.ProposalID
	tc.recorder.Invoke(token, process, ops, now)

	var queue []envelope
	n := len(tc.cores)
	for j := 0; j < n; j++ {
		if j == proposerIdx {
			continue
		}
		queue = append(queue,
			envelope{from: proposerIdx, to: j, msg: proposeMsg},
			envelope{from: proposerIdx, to: j, msg: threshold.Message{
				Type: threshold.MsgVote, ProposalID: token, From: tc.NodeID(proposerIdx), VoteChoice: threshold.Accept,
			}},
		)
	}

	committed := false
	const maxMessages = 10000
	processed := 0

	for len(queue) > 0 && processed < maxMessages {
		e := queue[0]
		queue = queue[1:]
		processed++

		if !tc.reachable(e.from, e.to) {
			continue
		}
		if tc.lossRate > 0 && tc.rng.Float64() < tc.lossRate {
			continue
		}
		if tc.crashed[e.to] {
			continue
		}

		switch e.msg.Type {
		case threshold.MsgPropose:
			queue = append(queue, tc.emitVotes(e.to, e.msg, n)...)

		case threshold.MsgVote:
			commitMsg := tc.cores[e.to].HandleVote(e.msg)
			if commitMsg != nil {
				for j := 0; j < n; j++ {
					if j != e.to {
						queue = append(queue, envelope{from: e.to, to: j, msg: *commitMsg})
					}
				}
				if e.to == proposerIdx {
					committed = true
				}
			}

		case threshold.MsgCommit:
			tc.cores[e.to].HandleCommit(e.msg, tc.NodeID(e.from))
			if e.to == proposerIdx {
				if _, ok := tc.cores[proposerIdx].Get(key); ok {
					committed = true
				}
			}
		}
	}

	completeTime := tc.clock
	if committed {
		tc.recorder.Complete(token, process, EventOK, ops, completeTime)
	} else {
		tc.recorder.Complete(token, process, EventFail, ops, completeTime)
	}
	return committed
}

// emitVotes constructs the outbound VOTE message(s) node actorIdx sends in
// response to an inbound PROPOSE, applying its assigned Byzantine role.
func (tc *ThresholdCluster) emitVotes(actorIdx int, propose threshold.Message, n int) []envelope {
	role := tc.roles[actorIdx]

	switch role {
	case RoleSilent:
		return nil

	case RoleFalseCommit:
		// Skips voting; broadcasts a fabricated COMMIT without quorum.
		voters := []string{tc.NodeID(actorIdx)}
		commit := threshold.Message{
			Type: threshold.MsgCommit, ProposalID: propose.ProposalID,
			Key: propose.Key, Value: propose.Value, Voters: voters,
		}
		var out []envelope
		for j := 0; j < n; j++ {
			if j != actorIdx {
				out = append(out, envelope{from: actorIdx, to: j, msg: commit})
			}
		}
		return out

	case RoleEquivocating:
		// Sends Accept to even-indexed targets, Reject to odd-indexed
		// targets for the same proposal.
		var out []envelope
		for j := 0; j < n; j++ {
			if j == actorIdx {
				continue
			}
			choice := threshold.Reject
			if j%2 == 0 {
				choice = threshold.Accept
			}
			out = append(out, envelope{from: actorIdx, to: j, msg: threshold.Message{
				Type: threshold.MsgVote, ProposalID: propose.ProposalID, From: tc.NodeID(actorIdx), VoteChoice: choice,
			}})
		}
		return out

	case RoleMalformed:
		// Emits a vote for a proposal ID no honest node has, so it fails
		// schema/identity checks at every receiver.
		var out []envelope
		for j := 0; j < n; j++ {
			if j != actorIdx {
				out = append(out, envelope{from: actorIdx, to: j, msg: threshold.Message{
					Type: threshold.MsgVote, ProposalID: "", From: tc.NodeID(actorIdx), VoteChoice: threshold.Accept,
				}})
			}
		}
		return out

	default:
		vote := tc.cores[actorIdx].HandleProposal(propose)
		var out []envelope
		for j := 0; j < n; j++ {
			if j != actorIdx {
				out = append(out, envelope{from: actorIdx, to: j, msg: vote})
			}
		}
		return out
	}
}

// ClusterSize returns the number of nodes.
func (tc *ThresholdCluster) ClusterSize() int { return len(tc.cores) }

// Core returns node idx's underlying threshold core, for assertions.
func (tc *ThresholdCluster) Core(idx int) *threshold.Core { return tc.cores[idx] }
