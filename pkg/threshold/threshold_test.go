package threshold

import (
	"encoding/json"
	"testing"
	"time"
)

func rawValue(v int) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

// TestProposalCommitsAtThreshold exercises the happy k-of-N path for a
// 5-node cluster: ceil(2*5/3) = 4 accepts are needed to commit.
func TestProposalCommitsAtThreshold(t *testing.T) {
	proposer := NewCore("n0", 5, nil, nil)
	propose := proposer.CreateProposal("x", rawValue(1), time.Unix(0, 0))

	if propose.Type != MsgPropose {
		t.Fatalf("expected PROPOSE message, got %s", propose.Type)
	}

	var committed *Message
	for _, voter := range []string{"n1", "n2", "n3"} {
		c := proposer.HandleVote(Message{
			Type: MsgVote, ProposalID: propose.ProposalID, From: voter, VoteChoice: Accept,
		})
		if c != nil {
			committed = c
		}
	}

	if committed == nil {
		t.Fatal("expected proposal to commit once 4 of 5 nodes accepted")
	}
	if committed.Type != MsgCommit {
		t.Errorf("expected COMMIT message, got %s", committed.Type)
	}

	v, ok := proposer.Get("x")
	if !ok || string(v) != "1" {
		t.Errorf("expected committed state x=1, got %s (ok=%v)", v, ok)
	}
	if proposer.PendingCount() != 0 {
		t.Errorf("expected no pending proposals after commit, got %d", proposer.PendingCount())
	}
}

// TestProposalBelowThresholdDoesNotCommit checks that fewer than ceil(2N/3)
// accepts leaves the proposal pending.
func TestProposalBelowThresholdDoesNotCommit(t *testing.T) {
	proposer := NewCore("n0", 5, nil, nil)
	propose := proposer.CreateProposal("x", rawValue(1), time.Unix(0, 0))

	c := proposer.HandleVote(Message{Type: MsgVote, ProposalID: propose.ProposalID, From: "n1", VoteChoice: Accept})
	if c != nil {
		t.Fatal("expected no commit with only 2 of 5 accepts")
	}
	if proposer.PendingCount() != 1 {
		t.Errorf("expected proposal to remain pending, got %d pending", proposer.PendingCount())
	}
}

// TestHandleProposalValidatesPayload covers the validator-driven
// Accept/Reject split.
func TestHandleProposalValidatesPayload(t *testing.T) {
	evenOnly := func(key string, value json.RawMessage) bool {
		var n int
		if err := json.Unmarshal(value, &n); err != nil {
			return false
		}
		return n%2 == 0
	}
	voter := NewCore("n1", 5, evenOnly, nil)

	accept := voter.HandleProposal(Message{Type: MsgPropose, ProposalID: "p1", From: "n0", Key: "x", Value: rawValue(4)})
	if accept.VoteChoice != Accept {
		t.Errorf("expected accept for valid even payload, got %s", accept.VoteChoice)
	}

	reject := voter.HandleProposal(Message{Type: MsgPropose, ProposalID: "p2", From: "n0", Key: "y", Value: rawValue(5)})
	if reject.VoteChoice != Reject {
		t.Errorf("expected reject for invalid odd payload, got %s", reject.VoteChoice)
	}
}

// TestByzantineEquivocationIsolated: once a
// voter is caught sending conflicting votes for the same proposal, its
// votes stop influencing the threshold, including on later proposals.
func TestByzantineEquivocationIsolated(t *testing.T) {
	proposer := NewCore("n0", 5, nil, nil)
	p1 := proposer.CreateProposal("x", rawValue(1), time.Unix(0, 0))

	proposer.HandleVote(Message{Type: MsgVote, ProposalID: p1.ProposalID, From: "bad", VoteChoice: Accept})
	if proposer.IsByzantine("bad") {
		t.Fatal("single vote should not mark a voter Byzantine")
	}

	// Equivocation: "bad" now votes Reject on the same proposal it already
	// accepted.
	c := proposer.HandleVote(Message{Type: MsgVote, ProposalID: p1.ProposalID, From: "bad", VoteChoice: Reject})
	if c != nil {
		t.Fatal("equivocating vote must not itself trigger a commit")
	}
	if !proposer.IsByzantine("bad") {
		t.Fatal("expected voter to be marked Byzantine after conflicting votes")
	}

	// The remaining four honest nodes still reach the ceil(2*5/3)=4
	// threshold despite losing "bad"'s vote from the tally.
	proposer.HandleVote(Message{Type: MsgVote, ProposalID: p1.ProposalID, From: "n2", VoteChoice: Accept})
	if c := proposer.HandleVote(Message{Type: MsgVote, ProposalID: p1.ProposalID, From: "n3", VoteChoice: Accept}); c != nil {
		t.Fatal("3 accepts must not reach the threshold of 4")
	}
	committed := proposer.HandleVote(Message{Type: MsgVote, ProposalID: p1.ProposalID, From: "n4", VoteChoice: Accept})
	if committed == nil {
		t.Fatal("expected commit via the remaining honest quorum")
	}

	// A later proposal: "bad"'s vote is ignored outright now.
	p2 := proposer.CreateProposal("y", rawValue(2), time.Unix(1, 0))
	proposer.HandleVote(Message{Type: MsgVote, ProposalID: p2.ProposalID, From: "bad", VoteChoice: Accept})
	if proposer.PendingCount() != 1 {
		t.Fatal("expected p2 proposal to still be pending; bad's vote must not count")
	}
}

// TestHandleCommitIdempotent covers the "duplicate COMMIT is a no-op"
// round-trip property.
func TestHandleCommitIdempotent(t *testing.T) {
	c := NewCore("n1", 5, nil, nil)
	msg := Message{Type: MsgCommit, ProposalID: "p1", Key: "x", Value: rawValue(7), Voters: []string{"n0"}}

	c.HandleCommit(msg, "n0")
	c.HandleCommit(msg, "n0")

	v, ok := c.Get("x")
	if !ok || string(v) != "7" {
		t.Errorf("expected x=7 after idempotent commits, got %s (ok=%v)", v, ok)
	}
}

// TestHandleCommitFromByzantineSourceIgnored: once a source is marked
// Byzantine, its COMMITs are unconditionally ignored on subsequent
// proposals.
func TestHandleCommitFromByzantineSourceIgnored(t *testing.T) {
	c := NewCore("n1", 5, nil, nil)

	// Mark "n0" Byzantine via equivocation on an unrelated proposal.
	c.recordVoteLocked("p0", "n0", Accept)
	c.recordVoteLocked("p0", "n0", Reject)
	if !c.IsByzantine("n0") {
		t.Fatal("expected n0 to be marked Byzantine")
	}

	c.HandleCommit(Message{Type: MsgCommit, ProposalID: "p1", Key: "x", Value: rawValue(99), Voters: []string{"n0"}}, "n0")
	if _, ok := c.Get("x"); ok {
		t.Error("expected COMMIT from a marked-Byzantine source to be ignored")
	}
}

// TestHandleCommitRejectsDisjointVoterSet: a COMMIT whose voter set shares
// nothing with this node's own observed accepts is rejected, even from a
// not-yet-marked source.
func TestHandleCommitRejectsDisjointVoterSet(t *testing.T) {
	c := NewCore("n1", 5, nil, nil)
	c.recordVoteLocked("p1", "n2", Accept)
	c.recordVoteLocked("p1", "n3", Accept)

	c.HandleCommit(Message{Type: MsgCommit, ProposalID: "p1", Key: "x", Value: rawValue(99), Voters: []string{"n0"}}, "n0")
	if _, ok := c.Get("x"); ok {
		t.Error("expected COMMIT with disjoint voter set to be rejected")
	}
	if !c.IsByzantine("n0") {
		t.Error("expected the fabricated COMMIT's sender to be marked Byzantine")
	}
}

// TestHandleCommitVoterSetExposesEquivocation covers the COMMIT-carried
// detection path: a voter that sent this node a Reject but appears in an
// applied COMMIT's accept set has equivocated.
func TestHandleCommitVoterSetExposesEquivocation(t *testing.T) {
	c := NewCore("n1", 5, nil, nil)
	c.recordVoteLocked("p1", "n2", Accept)
	c.recordVoteLocked("p1", "n0", Reject)

	c.HandleCommit(Message{Type: MsgCommit, ProposalID: "p1", Key: "x", Value: rawValue(1), Voters: []string{"n2", "n0", "n3"}}, "n2")

	if v, ok := c.Get("x"); !ok || string(v) != "1" {
		t.Errorf("expected legitimately committed value applied, got %s (ok=%v)", v, ok)
	}
	if !c.IsByzantine("n0") {
		t.Error("expected n0 to be caught equivocating via the COMMIT voter set")
	}
	if c.IsByzantine("n2") || c.IsByzantine("n3") {
		t.Error("consistent voters must not be marked Byzantine")
	}
}

// TestHandleCommitBeforeProposeAppliesDirectly: a COMMIT received before
// its PROPOSE is applied directly.
func TestHandleCommitBeforeProposeAppliesDirectly(t *testing.T) {
	c := NewCore("n1", 5, nil, nil)
	c.HandleCommit(Message{Type: MsgCommit, ProposalID: "p1", Key: "x", Value: rawValue(5), Voters: []string{"n0"}}, "n0")

	v, ok := c.Get("x")
	if !ok || string(v) != "5" {
		t.Errorf("expected direct apply of COMMIT with no prior PROPOSE, got %s (ok=%v)", v, ok)
	}
}

func TestCleanupExpiredDropsStaleProposals(t *testing.T) {
	c := NewCore("n0", 5, nil, nil)
	propose := c.CreateProposal("x", rawValue(1), time.Unix(0, 0))

	expired := c.CleanupExpired(time.Unix(0, 0).Add(ProposalTimeout + time.Second))
	if len(expired) != 1 || expired[0] != propose.ProposalID {
		t.Fatalf("expected proposal %s to expire, got %v", propose.ProposalID, expired)
	}
	if c.PendingCount() != 0 {
		t.Errorf("expected no pending proposals after cleanup, got %d", c.PendingCount())
	}
}
