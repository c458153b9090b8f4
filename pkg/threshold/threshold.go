// Package threshold implements the k-of-N threshold voting consensus path
// used by the verification harness cluster and the OCPP adapter, for
// single-shot state updates where full Raft log replication is overkill.
package threshold

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Vote is a peer's decision on a proposal.
type Vote string

const (
	Accept Vote = "accept"
	Reject Vote = "reject"
)

// MessageType tags the wire variant of a threshold-voting message.
type MessageType string

const (
	MsgAnnounce MessageType = "ANNOUNCE"
	MsgPropose  MessageType = "PROPOSE"
	MsgVote     MessageType = "VOTE"
	MsgCommit   MessageType = "COMMIT"
)

// Message is the tagged union of threshold-voting wire messages.
type Message struct {
	Type MessageType `json:"type"`

	// ANNOUNCE
	NodeID       string   `json:"node_id,omitempty"`
	Lang         string   `json:"lang,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`

	// PROPOSE / VOTE / COMMIT
	ProposalID string          `json:"proposal_id,omitempty"`
	From       string          `json:"from,omitempty"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
	VoteChoice Vote            `json:"vote,omitempty"`
	Voters     []string        `json:"voters,omitempty"`
}

// ProposalState tracks one in-flight proposal's votes.
type ProposalState struct {
	ID        string
	Key       string
	Value     json.RawMessage
	Timestamp int64
	Votes     map[string]Vote
	Committed bool
}

func newProposalState(id, key string, value json.RawMessage, ts int64) *ProposalState {
	return &ProposalState{ID: id, Key: key, Value: value, Timestamp: ts, Votes: make(map[string]Vote)}
}

// AcceptCount returns the number of Accept votes recorded so far.
func (p *ProposalState) AcceptCount() int {
	n := 0
	for _, v := range p.Votes {
		if v == Accept {
			n++
		}
	}
	return n
}

// ProposalTimeout is how long a proposal may wait without reaching
// threshold before it is dropped.
const ProposalTimeout = 10 * time.Second

// VoteThresholdFraction is the acceptance fraction for ⌈2N/3⌉ commits.
const VoteThresholdFraction = 2.0 / 3.0

// Validator decides whether a proposed (key, value) is acceptable. The
// default validator (DefaultValidator) accepts anything that parses as
// JSON; callers needing domain-specific range checks (the OCPP adapter's
// numeric keys) supply their own.
type Validator func(key string, value json.RawMessage) bool

// DefaultValidator accepts any syntactically valid JSON value.
func DefaultValidator(_ string, value json.RawMessage) bool {
	var v interface{}
	return json.Unmarshal(value, &v) == nil
}

// Core is one node's threshold-voting instance: proposer, voter, and
// committed key-value state, with local Byzantine equivocation detection.
type Core struct {
	mu sync.Mutex

	nodeID     string
	totalPeers int // includes self
	validator  Validator
	logger     *log.Logger

	proposals map[string]*ProposalState
	state     map[string]json.RawMessage

	// byzantine marks voters caught equivocating (a second, conflicting
	// vote for a proposal they already voted on) or sending a COMMIT whose
	// voter set is disjoint from the accepts this node observed. Once
	// marked, the voter's votes and COMMITs are ignored; a PROPOSE from it
	// is not dropped but answered with a Reject vote.
	byzantine map[string]bool

	// voteHistory is the full per-proposal vote history, kept
	// independent of ProposalState.Votes so equivocation is still caught
	// after a proposal commits and is removed from `proposals`.
	voteHistory map[string]map[string]Vote // proposalID -> voter -> vote

	onCommit func(key string, value json.RawMessage)
}

// NewCore creates a threshold-voting instance for nodeID in a cluster of
// totalPeers nodes (including self).
func NewCore(nodeID string, totalPeers int, validator Validator, logger *log.Logger) *Core {
	if validator == nil {
		validator = DefaultValidator
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Core{
		nodeID:      nodeID,
		totalPeers:  totalPeers,
		validator:   validator,
		logger:      logger,
		proposals:   make(map[string]*ProposalState),
		state:       make(map[string]json.RawMessage),
		byzantine:   make(map[string]bool),
		voteHistory: make(map[string]map[string]Vote),
	}
}

// OnCommit installs the commit observer.
func (c *Core) OnCommit(fn func(key string, value json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onCommit = fn
}

// threshold returns the number of Accept votes needed, ⌈2·total/3⌉.
func threshold(total int) int {
	return int(math.Ceil(float64(total) * VoteThresholdFraction))
}

// CreateProposal starts a new proposal, self-voting Accept, and returns the
// PROPOSE message to broadcast.
func (c *Core) CreateProposal(key string, value json.RawMessage, now time.Time) Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.New().String()[:8]
	ts := now.UnixNano()

	p := newProposalState(id, key, value, ts)
	p.Votes[c.nodeID] = Accept
	c.proposals[id] = p
	c.recordVoteLocked(id, c.nodeID, Accept)

	c.logger.Printf("threshold[%s]: PROPOSE %s=%s (id=%s)", c.nodeID, key, value, id)

	return Message{
		Type:       MsgPropose,
		ProposalID: id,
		From:       c.nodeID,
		Key:        key,
		Value:      value,
		Timestamp:  ts,
	}
}

// HandleProposal validates an inbound PROPOSE and returns the VOTE to send
// back.
func (c *Core) HandleProposal(msg Message) Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.byzantine[msg.From] {
		return Message{Type: MsgVote, ProposalID: msg.ProposalID, From: c.nodeID, VoteChoice: Reject}
	}

	if _, exists := c.proposals[msg.ProposalID]; !exists {
		c.proposals[msg.ProposalID] = newProposalState(msg.ProposalID, msg.Key, msg.Value, msg.Timestamp)
	}

	vote := Reject
	if c.validator(msg.Key, msg.Value) {
		vote = Accept
	}
	c.recordVoteLocked(msg.ProposalID, c.nodeID, vote)

	c.logger.Printf("threshold[%s]: VOTE %s for %s", c.nodeID, vote, msg.ProposalID)

	return Message{
		Type:       MsgVote,
		ProposalID: msg.ProposalID,
		From:       c.nodeID,
		VoteChoice: vote,
	}
}

// HandleVote records an inbound VOTE. If accumulating it reaches the
// ⌈2N/3⌉ threshold, the proposal commits locally and the COMMIT message to
// broadcast is returned.
func (c *Core) HandleVote(msg Message) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.byzantine[msg.From] {
		return nil
	}

	p, ok := c.proposals[msg.ProposalID]
	if !ok {
		return nil
	}

	if !c.recordVoteLocked(msg.ProposalID, msg.From, msg.VoteChoice) {
		// Equivocation: this voter already voted differently. The voter is
		// now marked Byzantine; drop its vote from the live tally.
		delete(p.Votes, msg.From)
		return nil
	}

	p.Votes[msg.From] = msg.VoteChoice

	need := threshold(c.totalPeers)
	accepts := p.AcceptCount()

	c.logger.Printf("threshold[%s]: %d/%d accepts (%d needed) for %s", c.nodeID, accepts, c.totalPeers, need, msg.ProposalID)

	if accepts < need || p.Committed {
		return nil
	}

	p.Committed = true
	c.state[p.Key] = p.Value

	voters := make([]string, 0, len(p.Votes))
	for voter, v := range p.Votes {
		if v == Accept {
			voters = append(voters, voter)
		}
	}

	c.logger.Printf("threshold[%s]: COMMIT %s=%s", c.nodeID, p.Key, p.Value)
	delete(c.proposals, msg.ProposalID)

	if c.onCommit != nil {
		onCommit, key, value := c.onCommit, p.Key, p.Value
		go onCommit(key, value)
	}

	return &Message{
		Type:       MsgCommit,
		ProposalID: msg.ProposalID,
		Key:        p.Key,
		Value:      p.Value,
		Voters:     voters,
	}
}

// HandleCommit applies an inbound COMMIT. A COMMIT from a source already
// marked Byzantine is unconditionally ignored. If this node itself observed
// votes for the proposal, the COMMIT's voter set must overlap what it saw
// accept; a disjoint set is provably fabricated, so the COMMIT is dropped
// and its sender marked Byzantine. A first COMMIT from a not-yet-caught
// source on a proposal this node never participated in is still applied
// as-written (the protocol's documented write-anywhere limitation).
//
// The voter set of an applied COMMIT is folded into the per-proposal vote
// history as Accepts: a voter listed there after sending this node a Reject
// for the same proposal is caught equivocating, exactly as if the
// conflicting vote had arrived directly.
func (c *Core) HandleCommit(msg Message, from string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if from != "" && c.byzantine[from] {
		return
	}

	if hist, ok := c.voteHistory[msg.ProposalID]; ok && len(hist) > 0 {
		overlap := false
		for _, voter := range msg.Voters {
			if hist[voter] == Accept {
				overlap = true
				break
			}
		}
		if !overlap {
			c.logger.Printf("threshold[%s]: rejecting COMMIT %s from %s, voter set disjoint from observed accepts", c.nodeID, msg.ProposalID, from)
			if from != "" {
				c.byzantine[from] = true
			}
			return
		}
	}

	for _, voter := range msg.Voters {
		c.recordVoteLocked(msg.ProposalID, voter, Accept)
	}

	c.logger.Printf("threshold[%s]: applying COMMIT %s=%s (voters=%v)", c.nodeID, msg.Key, msg.Value, msg.Voters)
	c.state[msg.Key] = msg.Value
	delete(c.proposals, msg.ProposalID)

	if c.onCommit != nil {
		onCommit, key, value := c.onCommit, msg.Key, msg.Value
		go onCommit(key, value)
	}
}

// recordVoteLocked appends voter's vote to the proposal's history. It
// returns false (and marks the voter Byzantine) if the voter previously
// voted differently for the same proposal.
func (c *Core) recordVoteLocked(proposalID, voter string, vote Vote) bool {
	if c.voteHistory[proposalID] == nil {
		c.voteHistory[proposalID] = make(map[string]Vote)
	}
	if prev, seen := c.voteHistory[proposalID][voter]; seen {
		if prev != vote {
			c.logger.Printf("threshold[%s]: voter %s equivocated on %s (%s then %s), marking Byzantine", c.nodeID, voter, proposalID, prev, vote)
			c.byzantine[voter] = true
			return false
		}
		return true
	}
	c.voteHistory[proposalID][voter] = vote
	return true
}

// CleanupExpired drops proposals that have waited longer than
// ProposalTimeout without reaching threshold.
func (c *Core) CleanupExpired(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []string
	for id, p := range c.proposals {
		if time.Duration(now.UnixNano()-p.Timestamp) > ProposalTimeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		c.logger.Printf("threshold[%s]: proposal %s expired", c.nodeID, id)
		delete(c.proposals, id)
	}
	return expired
}

// IsByzantine reports whether voter has been locally marked Byzantine.
func (c *Core) IsByzantine(voter string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byzantine[voter]
}

// Get returns the committed value for key, if any.
func (c *Core) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[key]
	return v, ok
}

// State returns a snapshot of all committed key-value pairs.
func (c *Core) State() map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]json.RawMessage, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}

// PendingCount returns the number of in-flight proposals, for diagnostics.
func (c *Core) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.proposals)
}

func (v Vote) String() string {
	return string(v)
}

// MarshalValue is a small helper for callers constructing PROPOSE payloads
// from Go values instead of pre-encoded JSON.
func MarshalValue(v interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("threshold: marshal value: %w", err)
	}
	return b, nil
}
