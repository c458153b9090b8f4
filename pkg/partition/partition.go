// Package partition tracks peer liveness and drives the quorum-loss /
// minority-freeze / reconciliation state machine. It is advisory to
// writers: it never rewrites the replicated log itself, it only tells
// callers whether writes are currently admitted.
package partition

import (
	"encoding/json"
	"hash/fnv"
	"log"
	"sync"
	"time"
)

// State is the partition handler's lifecycle state.
type State int

const (
	Connected State = iota
	Detecting
	MinorityFrozen
	Reconciling
)

func (s State) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Detecting:
		return "Detecting"
	case MinorityFrozen:
		return "MinorityFrozen"
	case Reconciling:
		return "Reconciling"
	default:
		return "Unknown"
	}
}

const (
	// DetectTimeout is how long a node stays in Detecting without quorum
	// before freezing.
	DetectTimeout = 1 * time.Second
	// ProbeInterval is how often a node probes peers for liveness.
	ProbeInterval = 500 * time.Millisecond
	// ReconcileTimeout bounds how long reconciliation may take before it is
	// forced back to Connected regardless of sync progress.
	ReconcileTimeout = 5 * time.Second
	// SilenceTimeout is how long without a signal before a peer is marked
	// unreachable ("a peer's reachable flag becomes false after a 1s
	// silence").
	SilenceTimeout = 1 * time.Second
)

// Epoch orders reconciled views: (number, numeric_node_id) lexicographically.
type Epoch struct {
	Number    uint64 `json:"number"`
	StartedBy uint64 `json:"started_by"`
}

// Less reports whether e sorts strictly before o.
func (e Epoch) Less(o Epoch) bool {
	if e.Number != o.Number {
		return e.Number < o.Number
	}
	return e.StartedBy < o.StartedBy
}

// Next returns the epoch that follows e, attributed to nodeID.
func (e Epoch) Next(nodeID uint64) Epoch {
	return Epoch{Number: e.Number + 1, StartedBy: nodeID}
}

// HashNodeID derives the stable numeric id used to order epochs when two
// nodes start a reconciliation in the same round.
func HashNodeID(id string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return h.Sum64()
}

// MessageType tags the wire variant of a partition message.
type MessageType string

const (
	MsgProbe           MessageType = "PARTITION_PROBE"
	MsgProbeAck        MessageType = "PARTITION_ACK"
	MsgPartitionHealed MessageType = "PARTITION_HEALED"
	MsgSyncRequest     MessageType = "SYNC_REQUEST"
	MsgSyncResponse    MessageType = "SYNC_RESPONSE"
)

// SyncEntry is one missing (key, value) pair replayed during reconciliation.
type SyncEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Message is the tagged union of partition-handling wire messages.
type Message struct {
	Type MessageType `json:"type"`

	From  string `json:"from"`
	Epoch Epoch  `json:"epoch,omitempty"`

	// Probe / ProbeAck
	Reachable []string `json:"reachable,omitempty"`

	// PartitionHealed
	NewEpoch   Epoch    `json:"new_epoch,omitempty"`
	MergeNodes []string `json:"merge_nodes,omitempty"`

	// SyncRequest / SyncResponse
	LastIndex uint64      `json:"last_index,omitempty"`
	Entries   []SyncEntry `json:"entries,omitempty"`
}

type peerLiveness struct {
	lastSeen  time.Time
	reachable bool
}

// Handler is the per-node partition state machine. It owns no log data; it
// is consulted by writers via CanWrite and fed liveness signals by the
// transport/probe loop.
type Handler struct {
	mu sync.Mutex

	nodeID      string
	numericID   uint64
	clusterSize int

	state State
	epoch Epoch

	peers map[string]*peerLiveness

	detectionStarted time.Time
	reconcileStarted time.Time
	lastProbe        time.Time
	syncedPeers      map[string]bool

	onStateChange func(State)
	logger        *log.Logger
}

// NewHandler creates a partition handler for nodeID in a cluster of the
// given size (self included).
func NewHandler(nodeID string, clusterSize int, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		nodeID:      nodeID,
		numericID:   HashNodeID(nodeID),
		clusterSize: clusterSize,
		state:       Connected,
		peers:       make(map[string]*peerLiveness),
		syncedPeers: make(map[string]bool),
		lastProbe:   time.Now(),
		logger:      logger,
	}
}

// OnStateChange installs the state-change observer.
func (h *Handler) OnStateChange(fn func(State)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onStateChange = fn
}

// AddPeer registers a peer for liveness tracking.
func (h *Handler) AddPeer(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[peerID]; !ok {
		h.peers[peerID] = &peerLiveness{lastSeen: time.Now(), reachable: true}
	}
}

// RemovePeer stops tracking a peer.
func (h *Handler) RemovePeer(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.peers, peerID)
}

// State returns the current partition state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Epoch returns the current epoch.
func (h *Handler) Epoch() Epoch {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.epoch
}

// HasQuorum reports whether a strict majority (including self) is
// currently reachable.
func (h *Handler) HasQuorum() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hasQuorumLocked()
}

func (h *Handler) hasQuorumLocked() bool {
	reachable := 1
	for _, p := range h.peers {
		if p.reachable {
			reachable++
		}
	}
	return reachable > h.clusterSize/2
}

// CanWrite reports whether writes are admitted: Connected, with quorum.
func (h *Handler) CanWrite() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == Connected && h.hasQuorumLocked()
}

// PeerSeen records a liveness signal from peerID.
func (h *Handler) PeerSeen(peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p, ok := h.peers[peerID]; ok {
		p.lastSeen = time.Now()
		p.reachable = true
	}
}

func (h *Handler) reachablePeersLocked() []string {
	out := make([]string, 0, len(h.peers))
	for id, p := range h.peers {
		if p.reachable {
			out = append(out, id)
		}
	}
	return out
}

// Tick advances the state machine and returns an outbound message if one
// should be sent this tick (a probe, or a PartitionHealed announcement).
func (h *Handler) Tick() *Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()

	for id, p := range h.peers {
		if now.Sub(p.lastSeen) > SilenceTimeout && p.reachable {
			p.reachable = false
			h.logger.Printf("partition[%s]: peer %s became unreachable", h.nodeID, id)
		}
	}

	switch h.state {
	case Connected:
		if !h.hasQuorumLocked() {
			h.logger.Printf("partition[%s]: lost quorum, detecting", h.nodeID)
			h.state = Detecting
			h.detectionStarted = now
			h.notifyLocked()
		}

	case Detecting:
		if h.hasQuorumLocked() {
			h.logger.Printf("partition[%s]: regained quorum during detection", h.nodeID)
			h.state = Connected
			h.notifyLocked()
		} else if !h.detectionStarted.IsZero() && now.Sub(h.detectionStarted) > DetectTimeout {
			h.logger.Printf("partition[%s]: confirmed minority, freezing", h.nodeID)
			h.state = MinorityFrozen
			h.notifyLocked()
		}

	case MinorityFrozen:
		if h.hasQuorumLocked() {
			h.logger.Printf("partition[%s]: quorum regained, reconciling", h.nodeID)
			h.state = Reconciling
			h.reconcileStarted = now
			h.syncedPeers = make(map[string]bool)
			h.epoch = h.epoch.Next(h.numericID)
			h.notifyLocked()

			return &Message{
				Type:       MsgPartitionHealed,
				From:       h.nodeID,
				NewEpoch:   h.epoch,
				MergeNodes: h.reachablePeersLocked(),
			}
		}

	case Reconciling:
		if !h.reconcileStarted.IsZero() && now.Sub(h.reconcileStarted) > ReconcileTimeout {
			h.logger.Printf("partition[%s]: reconciliation complete (timeout)", h.nodeID)
			h.state = Connected
			h.notifyLocked()
		}
	}

	if now.Sub(h.lastProbe) > ProbeInterval {
		h.lastProbe = now
		return &Message{
			Type:      MsgProbe,
			From:      h.nodeID,
			Epoch:     h.epoch,
			Reachable: h.reachablePeersLocked(),
		}
	}

	return nil
}

// Handle processes an inbound partition message, returning a reply message
// if the protocol calls for one.
func (h *Handler) Handle(msg Message) *Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch msg.Type {
	case MsgProbe:
		h.peerSeenLocked(msg.From)
		if h.epoch.Less(msg.Epoch) {
			h.epoch = msg.Epoch
		}
		return &Message{
			Type:      MsgProbeAck,
			From:      h.nodeID,
			Epoch:     h.epoch,
			Reachable: h.reachablePeersLocked(),
		}

	case MsgProbeAck:
		h.peerSeenLocked(msg.From)
		if h.epoch.Less(msg.Epoch) {
			h.epoch = msg.Epoch
		}
		return nil

	case MsgPartitionHealed:
		h.peerSeenLocked(msg.From)
		if h.epoch.Less(msg.NewEpoch) {
			h.logger.Printf("partition[%s]: adopting healed epoch %+v", h.nodeID, msg.NewEpoch)
			h.epoch = msg.NewEpoch
			if h.state == MinorityFrozen {
				h.state = Reconciling
				h.reconcileStarted = time.Now()
				h.syncedPeers = make(map[string]bool)
				h.notifyLocked()
			}
		}
		return nil

	case MsgSyncRequest:
		h.peerSeenLocked(msg.From)
		if msg.Epoch.Less(h.epoch) {
			return nil // stale request
		}
		return &Message{
			Type:      MsgSyncResponse,
			From:      h.nodeID,
			Epoch:     h.epoch,
			LastIndex: msg.LastIndex,
		}

	case MsgSyncResponse:
		h.peerSeenLocked(msg.From)
		if !msg.Epoch.Less(h.epoch) && h.state == Reconciling {
			h.syncedPeers[msg.From] = true
			if len(h.syncedPeers) >= h.clusterSize/2 {
				h.logger.Printf("partition[%s]: synced with majority, reconciliation complete", h.nodeID)
				h.state = Connected
				h.notifyLocked()
			}
		}
		return nil
	}

	return nil
}

func (h *Handler) peerSeenLocked(peerID string) {
	if p, ok := h.peers[peerID]; ok {
		p.lastSeen = time.Now()
		p.reachable = true
	}
}

func (h *Handler) notifyLocked() {
	if h.onStateChange != nil {
		state := h.state
		go h.onStateChange(state)
	}
}
