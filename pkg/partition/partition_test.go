package partition

import (
	"testing"
	"time"
)

func TestInitialState(t *testing.T) {
	h := NewHandler("n1", 3, nil)
	if h.State() != Connected {
		t.Errorf("expected initial state Connected, got %s", h.State())
	}
	if h.Epoch() != (Epoch{}) {
		t.Errorf("expected zero epoch initially, got %+v", h.Epoch())
	}
}

func TestEpochOrdering(t *testing.T) {
	a := Epoch{Number: 1, StartedBy: 5}
	b := Epoch{Number: 1, StartedBy: 9}
	c := Epoch{Number: 2, StartedBy: 0}

	if !a.Less(b) {
		t.Error("expected equal-number epochs to order by started_by")
	}
	if !b.Less(c) {
		t.Error("expected a higher epoch number to sort after a lower one regardless of started_by")
	}
	if c.Less(a) {
		t.Error("epoch 2 must not sort before epoch 1")
	}
}

func TestQuorumDetection(t *testing.T) {
	h := NewHandler("n1", 3, nil)
	h.AddPeer("n2")
	h.AddPeer("n3")

	if !h.HasQuorum() {
		t.Error("expected quorum with all peers freshly added (reachable by default)")
	}

	h.RemovePeer("n2")
	h.RemovePeer("n3")
	if h.HasQuorum() {
		t.Error("expected no quorum once both peers are removed (self alone is 1 of 3)")
	}
}

func TestCanWriteRequiresConnectedAndQuorum(t *testing.T) {
	h := NewHandler("n1", 3, nil)
	h.AddPeer("n2")
	h.AddPeer("n3")

	if !h.CanWrite() {
		t.Error("expected writes admitted while Connected with quorum")
	}
}

func TestProbeResponse(t *testing.T) {
	h := NewHandler("n2", 3, nil)
	reply := h.Handle(Message{Type: MsgProbe, From: "n1", Epoch: Epoch{Number: 1, StartedBy: 1}})
	if reply == nil || reply.Type != MsgProbeAck {
		t.Fatalf("expected a ProbeAck reply, got %+v", reply)
	}
	if h.Epoch().Number != 1 {
		t.Errorf("expected epoch adopted from probe, got %+v", h.Epoch())
	}
}

func TestTickTransitionsToDetectingThenFrozen(t *testing.T) {
	h := NewHandler("n1", 3, nil)
	h.AddPeer("n2")
	h.AddPeer("n3")
	// Force both peers unreachable directly (simulating elapsed silence).
	h.peers["n2"].reachable = false
	h.peers["n3"].reachable = false

	h.Tick()
	if h.State() != Detecting {
		t.Fatalf("expected Detecting after losing quorum, got %s", h.State())
	}

	h.detectionStarted = time.Now().Add(-2 * DetectTimeout)
	h.Tick()
	if h.State() != MinorityFrozen {
		t.Fatalf("expected MinorityFrozen after DetectTimeout elapses, got %s", h.State())
	}
}

func TestHashNodeIDIsStable(t *testing.T) {
	a := HashNodeID("node-1")
	b := HashNodeID("node-1")
	c := HashNodeID("node-2")
	if a != b {
		t.Error("expected HashNodeID to be deterministic for the same input")
	}
	if a == c {
		t.Error("expected different node IDs to hash differently (with overwhelming probability)")
	}
}
